package bootentry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/layout"
	"golang.org/x/sys/unix"
)

var ErrNotFound = errors.New("boot entry not found")

// Registry enumerates and moves boot entries on disk.
type Registry struct {
	Layout *layout.Layout
	// Uname returns the running kernel release and machine, overridable for tests
	Uname func() (release, machine string, err error)
}

func NewRegistry(l *layout.Layout) *Registry {
	return &Registry{Layout: l, Uname: uname}
}

func uname() (string, string, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", "", err
	}
	return unix.ByteSliceToString(u.Release[:]), unix.ByteSliceToString(u.Machine[:]), nil
}

// List returns the entries found at loc, identified by their kernel image, in version order.
func (r *Registry) List(loc Location) ([]*Entry, error) {
	dir := layout.BootDir
	if loc == History {
		dir = layout.HistoryDir
	}
	names, err := r.Layout.List(dir)
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, n := range names {
		postfix, ok := strings.CutPrefix(n, "kernel-")
		if !ok || r.Layout.IsDir(dir+"/"+n) {
			continue
		}
		e, err := NewFromPostfix(postfix, loc)
		if err != nil {
			utils.Log.Debug().Str("file", n).Err(err).Msg("not a boot entry")
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

// Exists reports whether the kernel image of the entry is in place
func (r *Registry) Exists(e *Entry) bool {
	return r.Layout.Exists(e.Files().Kernel)
}

// Complete reports whether all six artefacts of the entry exist
func (r *Registry) Complete(e *Entry) bool {
	for _, f := range e.Files().All() {
		if !r.Layout.Exists(f) {
			return false
		}
	}
	return true
}

// Find looks an entry up by postfix, in the boot directory first and then in history
func (r *Registry) Find(postfix string) (*Entry, error) {
	for _, loc := range []Location{Current, History} {
		e, err := NewFromPostfix(postfix, loc)
		if err != nil {
			return nil, err
		}
		if r.Exists(e) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, postfix)
}

// Running returns the entry of the running kernel
func (r *Registry) Running() (*Entry, error) {
	release, machine, err := r.Uname()
	if err != nil {
		return nil, err
	}
	postfix := machine + "-" + release
	if _, err := NewFromPostfix(postfix, Current); err != nil {
		// distro kernels such as 6.1.0-13-amd64 were not installed by us
		return nil, fmt.Errorf("%w: running kernel %s: %v", ErrNotFound, release, err)
	}
	return r.Find(postfix)
}

// MoveToHistory moves the /boot files of a current entry into the history directory.
// Missing files are skipped so a partially installed entry can still be demoted.
func (r *Registry) MoveToHistory(e *Entry) (*Entry, error) {
	if e.Location != Current {
		return nil, fmt.Errorf("boot entry %s is already in history", e.Postfix())
	}
	h := e.WithLocation(History)
	if err := r.Layout.EnsureDir(layout.HistoryDir); err != nil {
		return nil, err
	}
	from, to := e.Files().BootFiles(), h.Files().BootFiles()
	for i := range from {
		if !r.Layout.Exists(from[i]) {
			continue
		}
		if err := r.Layout.FS.RemoveAll(to[i]); err != nil {
			return nil, fmt.Errorf("replacing %s: %w", to[i], err)
		}
		if err := r.Layout.FS.Rename(from[i], to[i]); err != nil {
			return nil, fmt.Errorf("moving %s to history: %w", from[i], err)
		}
	}
	utils.Log.Info().Str("entry", e.Postfix()).Msg("moved boot entry to history")
	return h, nil
}
