// Package layout maps the canonical boot stack paths onto a filesystem root.
package layout

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/twpayne/go-vfs/v4"
)

const (
	BootDir     = "/boot"
	HistoryDir  = "/boot/history"
	GrubDir     = "/boot/grub"
	GrubEFIDir  = "/boot/EFI"
	RescueDir   = "/boot/rescue"
	ModulesRoot = "/lib/modules"
	FirmwareDir = "/lib/firmware"

	GrubConfigFile = "/boot/grub/grub.cfg"
	GrubEnvFile    = "/boot/grub/grubenv"
	RescueKernel   = "/boot/rescue/vmlinuz"
	RescueInitrd   = "/boot/rescue/initrd.img"
	FirmwareStamp  = "/lib/firmware/.ctime"

	maxLinkHops = 40
)

// Layout resolves the canonical boot stack paths against a filesystem.
// Paths handed around the code base are always the virtual ones, RawPath
// is only used when an external tool needs a real path.
type Layout struct {
	FS vfs.FS
}

func New(fs vfs.FS) *Layout {
	return &Layout{FS: fs}
}

// ModulesDir returns the module tree of a kernel release
func ModulesDir(ver string) string {
	return filepath.Join(ModulesRoot, ver)
}

func (l *Layout) ModulesDir(ver string) string {
	return ModulesDir(ver)
}

// RawPath returns the host path of p, for external tools.
func (l *Layout) RawPath(p string) (string, error) {
	return l.FS.RawPath(p)
}

// Root returns the host path of the layout root.
func (l *Layout) Root() (string, error) {
	return l.FS.RawPath("/")
}

// Exists reports whether p exists, without following a trailing symlink.
func (l *Layout) Exists(p string) bool {
	_, err := l.FS.Lstat(p)
	return err == nil
}

// IsDir reports whether p is a directory.
func (l *Layout) IsDir(p string) bool {
	fi, err := l.FS.Stat(p)
	return err == nil && fi.IsDir()
}

// HasRescue reports whether a rescue OS directory is present
func (l *Layout) HasRescue() bool {
	return l.IsDir(RescueDir)
}

// RescueComplete reports whether the rescue kernel and initrd are both present
func (l *Layout) RescueComplete() bool {
	return l.Exists(RescueKernel) && l.Exists(RescueInitrd)
}

// EnsureDir creates dir and its parents.
func (l *Layout) EnsureDir(dir string) error {
	return vfs.MkdirAll(l.FS, dir, 0o755)
}

// List returns the names in dir, or nothing if dir does not exist.
func (l *Layout) List(dir string) ([]string, error) {
	entries, err := l.FS.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Walk visits every non-directory node below root, in lexical order.
func (l *Layout) Walk(root string, fn func(path string, d fs.DirEntry) error) error {
	entries, err := l.FS.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := filepath.Join(root, e.Name())
		if e.IsDir() {
			if err := l.Walk(p, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(p, e); err != nil {
			return err
		}
	}
	return nil
}

// CopyFile copies src to dst. A symlink src is recreated as a symlink.
func (l *Layout) CopyFile(src, dst string) error {
	fi, err := l.FS.Lstat(src)
	if err != nil {
		return err
	}
	if err := l.EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSymlink != 0 {
		target, err := l.FS.Readlink(src)
		if err != nil {
			return err
		}
		_ = l.FS.Remove(dst)
		return l.FS.Symlink(target, dst)
	}
	b, err := l.FS.ReadFile(src)
	if err != nil {
		return err
	}
	return l.FS.WriteFile(dst, b, fi.Mode().Perm())
}

// LinkChain returns p followed by every path its symlinks lead to. A
// dangling last target is part of the chain.
func (l *Layout) LinkChain(p string) ([]string, error) {
	chain := []string{p}
	for hops := 0; hops < maxLinkHops; hops++ {
		fi, err := l.FS.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) || (err == nil && fi.Mode()&fs.ModeSymlink == 0) {
			return chain, nil
		}
		if err != nil {
			return nil, err
		}
		target, err := l.FS.Readlink(p)
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(p), target)
		}
		p = target
		chain = append(chain, p)
	}
	return nil, fmt.Errorf("too many levels of symbolic links resolving %s", chain[0])
}
