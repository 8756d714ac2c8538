package bbki

import (
	"context"
	"fmt"

	"github.com/containerd/containerd/mount"
	"github.com/kairos-io/bbki/internal/utils"
	"github.com/moby/sys/mountinfo"
)

// BootScope keeps /boot writable while at least one writer is inside it.
// When /boot is a separate read-only mount it is remounted rw on the first
// Enter and back to ro on the last Exit. Nesting is counted per process only.
type BootScope struct {
	// Enabled turns the remount on, the remount-boot-rw option
	Enabled bool
	// Target is the real path of /boot
	Target string

	Mounted func(path string) (bool, error)
	Mount   func(m mount.Mount, target string) error

	depth     int
	remounted bool
}

func NewBootScope(target string, enabled bool) *BootScope {
	return &BootScope{
		Enabled: enabled,
		Target:  target,
		Mounted: mountinfo.Mounted,
		Mount: func(m mount.Mount, target string) error {
			return m.Mount(target)
		},
	}
}

func remount(mode string) mount.Mount {
	return mount.Mount{Type: "none", Source: "none", Options: []string{"remount", mode}}
}

func (s *BootScope) Enter(_ context.Context) error {
	s.depth++
	if s.depth > 1 || !s.Enabled {
		return nil
	}
	mounted, err := s.Mounted(s.Target)
	if err != nil {
		s.depth--
		return fmt.Errorf("checking mount status of %s: %w", s.Target, err)
	}
	if !mounted {
		utils.Log.Debug().Str("where", s.Target).Msg("not a mount point, nothing to remount")
		return nil
	}
	utils.Log.Debug().Str("where", s.Target).Msg("remounting rw")
	if err := s.Mount(remount("rw"), s.Target); err != nil {
		s.depth--
		return fmt.Errorf("remounting %s rw: %w", s.Target, err)
	}
	s.remounted = true
	return nil
}

func (s *BootScope) Exit(_ context.Context) error {
	if s.depth == 0 {
		return fmt.Errorf("boot scope exited more often than entered")
	}
	s.depth--
	if s.depth > 0 || !s.remounted {
		return nil
	}
	s.remounted = false
	utils.Log.Debug().Str("where", s.Target).Msg("remounting ro")
	if err := s.Mount(remount("ro"), s.Target); err != nil {
		return fmt.Errorf("remounting %s ro: %w", s.Target, err)
	}
	return nil
}

// Depth is the number of writers inside the scope.
func (s *BootScope) Depth() int {
	return s.depth
}

// Do runs fn inside the scope. The scope is left on every path.
func (s *BootScope) Do(ctx context.Context, fn func() error) (err error) {
	if err := s.Enter(ctx); err != nil {
		return err
	}
	defer func() {
		if xerr := s.Exit(ctx); xerr != nil {
			if err == nil {
				err = xerr
			} else {
				utils.LogIfError(xerr, "leaving boot write scope")
			}
		}
	}()
	return fn()
}
