package topology

import (
	"fmt"
)

type Variant string

const (
	LvmLV        Variant = "lvm-lv"
	Bcache       Variant = "bcache"
	ScsiDisk     Variant = "scsi-disk"
	NvmeDisk     Variant = "nvme-disk"
	XenDisk      Variant = "xen-disk"
	VirtioDisk   Variant = "virtio-disk"
	Partition    Variant = "partition"
	BtrfsRaid    Variant = "btrfs-raid"
	BcachefsRaid Variant = "bcachefs-raid"
)

// Variants lists every disk variant
func Variants() []Variant {
	return []Variant{LvmLV, Bcache, ScsiDisk, NvmeDisk, XenDisk, VirtioDisk, Partition, BtrfsRaid, BcachefsRaid}
}

func (v Variant) Valid() bool {
	for _, k := range Variants() {
		if v == k {
			return true
		}
	}
	return false
}

const (
	PartTableGPT = "gpt"
	PartTableMBR = "dos"
)

// Disk is one node of a mount-point's device tree. Which of the variant
// specific fields are meaningful depends on Variant.
type Disk struct {
	Variant Variant `yaml:"variant"`
	Dev     string  `yaml:"dev"`
	// UUID is the filesystem UUID, or UUID_SUB for members of a multi-device filesystem
	UUID string `yaml:"uuid,omitempty"`

	// lvm-lv
	VG string `yaml:"vg,omitempty"`
	LV string `yaml:"lv,omitempty"`
	// scsi-disk
	HostController string `yaml:"host-controller,omitempty"`
	// partition
	PartTableType string `yaml:"part-table-type,omitempty"`

	// Underlying devices. For bcache the first child is the backing device and the rest are cache members.
	Children []*Disk `yaml:"children,omitempty"`
}

func (d *Disk) String() string {
	return fmt.Sprintf("%s(%s)", d.Variant, d.Dev)
}

// UnderlayChildren returns the devices d is built on.
func (d *Disk) UnderlayChildren() []*Disk {
	return d.Children
}

// ModuleAliases returns the kernel module aliases needed to see this device.
func (d *Disk) ModuleAliases() []string {
	switch d.Variant {
	case LvmLV:
		return []string{"dm_mod"}
	case ScsiDisk:
		if d.HostController != "" {
			return []string{d.HostController, "sd_mod"}
		}
		return []string{"sd_mod"}
	case NvmeDisk:
		return []string{"nvme"}
	case XenDisk:
		return []string{"xen-blkfront"}
	case VirtioDisk:
		return []string{"virtio_pci", "virtio_blk"}
	case Bcache:
		return []string{"bcache"}
	case BtrfsRaid:
		return []string{"btrfs"}
	default:
		// bcachefs-raid and partition bring no module of their own
		return nil
	}
}

// ActivationLines returns the startup.rc lines that bring this device up in the initramfs.
func (d *Disk) ActivationLines() []string {
	switch d.Variant {
	case LvmLV:
		return []string{fmt.Sprintf("lvm-lv-activate %s %s %s", d.UUID, d.VG, d.LV)}
	case Bcache:
		if len(d.Children) == 0 {
			return nil
		}
		var lines []string
		for _, c := range d.Children[1:] {
			lines = append(lines, fmt.Sprintf("bcache-cache-device-activate %s", c.UUID))
		}
		return append(lines, fmt.Sprintf("bcache-backing-device-activate %s %s", d.UUID, d.Children[0].UUID))
	default:
		return nil
	}
}

// Validate checks the node and its children for variant specific data.
func (d *Disk) Validate() error {
	if !d.Variant.Valid() {
		return fmt.Errorf("invalid disk variant %q for %s", d.Variant, d.Dev)
	}
	switch d.Variant {
	case LvmLV:
		if d.VG == "" || d.LV == "" {
			return fmt.Errorf("%s: lvm-lv needs vg and lv", d.Dev)
		}
	case Bcache:
		if len(d.Children) < 1 {
			return fmt.Errorf("%s: bcache needs a backing device", d.Dev)
		}
	case Partition:
		if d.PartTableType != PartTableGPT && d.PartTableType != PartTableMBR {
			return fmt.Errorf("%s: unknown partition table type %q", d.Dev, d.PartTableType)
		}
		if len(d.Children) != 1 {
			return fmt.Errorf("%s: partition needs exactly one parent disk", d.Dev)
		}
	case BtrfsRaid, BcachefsRaid:
		if len(d.Children) == 0 {
			return fmt.Errorf("%s: %s needs member devices", d.Dev, d.Variant)
		}
	}
	for _, c := range d.Children {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// PostOrder returns d and its descendants, children first.
func (d *Disk) PostOrder() []*Disk {
	var out []*Disk
	for _, c := range d.Children {
		out = append(out, c.PostOrder()...)
	}
	return append(out, d)
}

// MemberUUIDs returns the UUID_SUB of each member of a multi-device filesystem.
func (d *Disk) MemberUUIDs() []string {
	var out []string
	for _, c := range d.Children {
		out = append(out, c.UUID)
	}
	return out
}
