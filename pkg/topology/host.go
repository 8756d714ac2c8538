package topology

import (
	"fmt"
	"sort"
	"strings"
)

type BootMode string

const (
	BootModeEFI  BootMode = "efi"
	BootModeBIOS BootMode = "bios"
)

// MountPoint is a root of the host topology forest.
type MountPoint struct {
	Path    string `yaml:"path"`
	FSType  string `yaml:"fstype"`
	Options string `yaml:"options,omitempty"`
	UUID    string `yaml:"uuid"`
	Dev     string `yaml:"dev"`
	Disk    *Disk  `yaml:"disk"`
}

// Host is the storage topology of the machine the boot stack is installed for.
type Host struct {
	BootMode BootMode `yaml:"boot-mode"`
	// BootDisk and BootDiskID name the disk holding the MBR, BIOS only
	BootDisk    string        `yaml:"boot-disk,omitempty"`
	BootDiskID  string        `yaml:"boot-disk-id,omitempty"`
	MountPoints []*MountPoint `yaml:"mount-points"`
}

// MountPoint returns the mount point at path, or nil.
func (h *Host) MountPoint(path string) *MountPoint {
	for _, mp := range h.MountPoints {
		if mp.Path == path {
			return mp
		}
	}
	return nil
}

// Root returns the "/" mount point, or nil.
func (h *Host) Root() *MountPoint {
	return h.MountPoint("/")
}

// Boot returns the "/boot" mount point, or nil.
func (h *Host) Boot() *MountPoint {
	return h.MountPoint("/boot")
}

// SortedMountPoints returns "/" first, then the rest with less depth first, keeping declaration order within a depth.
func (h *Host) SortedMountPoints() []*MountPoint {
	out := make([]*MountPoint, 0, len(h.MountPoints))
	out = append(out, h.MountPoints...)
	depth := func(p string) int {
		if p == "/" {
			return 0
		}
		return strings.Count(p, "/")
	}
	sort.SliceStable(out, func(i, j int) bool {
		return depth(out[i].Path) < depth(out[j].Path)
	})
	return out
}

// Disks returns every disk node reachable from the mount points in post order, without duplicates.
func (h *Host) Disks() []*Disk {
	seen := map[string]bool{}
	var out []*Disk
	for _, mp := range h.MountPoints {
		if mp.Disk == nil {
			continue
		}
		for _, d := range mp.Disk.PostOrder() {
			key := string(d.Variant) + ":" + d.Dev
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, d)
		}
	}
	return out
}

// Validate checks the topology. With separateBoot exactly one "/" and one
// "/boot" must be declared, and /boot must carry the UUID of its block node.
func (h *Host) Validate(separateBoot bool) error {
	if h.BootMode != "" && h.BootMode != BootModeEFI && h.BootMode != BootModeBIOS {
		return fmt.Errorf("invalid boot mode %q", h.BootMode)
	}
	if h.BootMode == BootModeBIOS && h.BootDisk == "" {
		return fmt.Errorf("bios boot mode needs a boot disk")
	}
	var roots, boots int
	for _, mp := range h.MountPoints {
		switch mp.Path {
		case "/":
			roots++
		case "/boot":
			boots++
		}
		if mp.Disk == nil {
			return fmt.Errorf("mount point %s has no device", mp.Path)
		}
		if err := mp.Disk.Validate(); err != nil {
			return err
		}
	}
	if roots != 1 {
		return fmt.Errorf("expected exactly one / mount point, found %d", roots)
	}
	if !separateBoot {
		return nil
	}
	if boots != 1 {
		return fmt.Errorf("expected exactly one /boot mount point, found %d", boots)
	}
	boot := h.Boot()
	if boot.UUID != boot.Disk.UUID {
		return fmt.Errorf("/boot UUID %s does not match its device %s UUID %s", boot.UUID, boot.Disk.Dev, boot.Disk.UUID)
	}
	return nil
}
