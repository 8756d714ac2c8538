package utils

import (
	"fmt"
	"strings"

	"github.com/moby/sys/mountinfo"
)

// input: UUID=FOO or LABEL=FOO
// output: /dev/disk/by-uuid/FOO or /dev/disk/by-label/FOO
func ParseMount(s string) string {
	switch {
	case strings.Contains(s, "PARTUUID="):
		dat := strings.Split(s, "PARTUUID=")
		return fmt.Sprintf("/dev/disk/by-partuuid/%s", dat[1])
	case strings.Contains(s, "UUID="):
		dat := strings.Split(s, "UUID=")
		return fmt.Sprintf("/dev/disk/by-uuid/%s", dat[1])
	case strings.Contains(s, "LABEL="):
		dat := strings.Split(s, "LABEL=")
		return fmt.Sprintf("/dev/disk/by-label/%s", dat[1])
	default:
		return s
	}
}

// MountLookup answers questions about the live mount table.
type MountLookup interface {
	// Lookup returns the mount entry whose mount point is exactly path, or nil if path is not a mount point
	Lookup(path string) (*mountinfo.Info, error)
}

// LiveMounts reads /proc/self/mountinfo.
type LiveMounts struct{}

func (LiveMounts) Lookup(path string) (*mountinfo.Info, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(path))
	if err != nil {
		return nil, err
	}
	if len(mounts) == 0 {
		return nil, nil
	}
	// last one wins for stacked mounts
	return mounts[len(mounts)-1], nil
}

// StaticMounts is a fixed mount table, keyed by mount point.
type StaticMounts map[string]*mountinfo.Info

func (s StaticMounts) Lookup(path string) (*mountinfo.Info, error) {
	return s[path], nil
}
