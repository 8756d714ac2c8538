package topology

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/deniswernert/go-fstab"
	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/block"
	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/twpayne/go-vfs/v4"
)

var (
	xenNameRegex    = regexp.MustCompile(`^xvd[a-z]+$`)
	virtioNameRegex = regexp.MustCompile(`^vd[a-z]+$`)
	nvmeNameRegex   = regexp.MustCompile(`^nvme\d+n\d+$`)
	scsiNameRegex   = regexp.MustCompile(`^sd[a-z]+$`)
	bcacheNameRegex = regexp.MustCompile(`^bcache\d+$`)
)

// BlockDisk is one whole disk as seen by the block inventory.
type BlockDisk struct {
	Name       string
	Variant    Variant
	Partitions []string
}

// Inventory lists the whole disks of the machine and their partitions.
type Inventory interface {
	Disks() ([]BlockDisk, error)
}

// GhwInventory is the Inventory backed by ghw.
type GhwInventory struct {
	Chroot string
}

func (g GhwInventory) Disks() ([]BlockDisk, error) {
	var opts []*ghw.WithOption
	if g.Chroot != "" {
		opts = append(opts, ghw.WithChroot(g.Chroot))
	}
	info, err := ghw.Block(opts...)
	if err != nil {
		return nil, err
	}
	var out []BlockDisk
	for _, d := range info.Disks {
		bd := BlockDisk{Name: d.Name, Variant: variantOf(d.StorageController, d.Name)}
		for _, p := range d.Partitions {
			bd.Partitions = append(bd.Partitions, p.Name)
		}
		out = append(out, bd)
	}
	return out, nil
}

func variantOf(ctrl block.StorageController, name string) Variant {
	switch strings.ToLower(ctrl.String()) {
	case "nvme":
		return NvmeDisk
	case "virtio":
		return VirtioDisk
	case "scsi", "ide":
		if xenNameRegex.MatchString(name) {
			return XenDisk
		}
		return ScsiDisk
	}
	return VariantFromName(name)
}

// VariantFromName classifies a whole disk by its kernel name. Returns "" when unknown.
func VariantFromName(name string) Variant {
	switch {
	case nvmeNameRegex.MatchString(name):
		return NvmeDisk
	case virtioNameRegex.MatchString(name):
		return VirtioDisk
	case xenNameRegex.MatchString(name):
		return XenDisk
	case scsiNameRegex.MatchString(name):
		return ScsiDisk
	}
	return ""
}

// Prober builds topology nodes out of live block devices.
type Prober struct {
	// FS gives access to /dev and /sys
	FS        vfs.FS
	Runner    utils.Runner
	Inventory Inventory
	Mounts    utils.MountLookup

	disks []BlockDisk
}

func NewProber(fs vfs.FS, runner utils.Runner) *Prober {
	return &Prober{
		FS:        fs,
		Runner:    runner,
		Inventory: GhwInventory{},
		Mounts:    utils.LiveMounts{},
	}
}

// Probe turns a device path into a disk node. Rules are tried in order:
// lvm logical volume, btrfs raid, bcachefs raid, bcache, then whole disk or partition.
func (p *Prober) Probe(ctx context.Context, dev string) (*Disk, error) {
	dev = p.resolve(dev)
	info, err := p.blkid(ctx, dev)
	if err != nil {
		utils.Log.Debug().Err(err).Str("dev", dev).Msg("blkid failed")
		info = map[string]string{}
	}

	if strings.HasPrefix(dev, "/dev/mapper/") || strings.HasPrefix(dev, "/dev/dm-") {
		d, err := p.probeLVM(ctx, dev, info["UUID"])
		if err == nil {
			return d, nil
		}
		utils.Log.Debug().Err(err).Str("dev", dev).Msg("not a logical volume")
	}

	switch info["TYPE"] {
	case "btrfs", "bcachefs":
		members, err := p.members(ctx, info["UUID"])
		if err != nil {
			return nil, err
		}
		if len(members) > 1 {
			variant := BtrfsRaid
			if info["TYPE"] == "bcachefs" {
				variant = BcachefsRaid
			}
			d := &Disk{Variant: variant, Dev: dev, UUID: info["UUID"]}
			for _, m := range members {
				mi, err := p.blkid(ctx, m)
				if err != nil {
					return nil, err
				}
				c, err := p.probeBlock(ctx, m, mi["UUID_SUB"])
				if err != nil {
					return nil, err
				}
				d.Children = append(d.Children, c)
			}
			return d, nil
		}
	}

	return p.probeBlock(ctx, dev, info["UUID"])
}

// probeBlock handles bcache devices, whole disks and partitions
func (p *Prober) probeBlock(ctx context.Context, dev, uuid string) (*Disk, error) {
	name := filepath.Base(dev)
	if bcacheNameRegex.MatchString(name) {
		return p.probeBcache(ctx, dev, uuid)
	}

	disks, err := p.inventory()
	if err != nil {
		return nil, err
	}
	for _, bd := range disks {
		if bd.Name == name {
			return p.wholeDisk(bd, dev, uuid)
		}
		for _, part := range bd.Partitions {
			if part != name {
				continue
			}
			parentDev := filepath.Join(filepath.Dir(dev), bd.Name)
			parentInfo, err := p.blkid(ctx, parentDev)
			if err != nil {
				return nil, err
			}
			pt := parentInfo["PTTYPE"]
			if pt != PartTableGPT && pt != PartTableMBR {
				return nil, &bbkierr.UnknownDevice{Device: dev}
			}
			parent, err := p.wholeDisk(bd, parentDev, "")
			if err != nil {
				return nil, err
			}
			return &Disk{Variant: Partition, Dev: dev, UUID: uuid, PartTableType: pt, Children: []*Disk{parent}}, nil
		}
	}
	return nil, &bbkierr.UnknownDevice{Device: dev}
}

func (p *Prober) wholeDisk(bd BlockDisk, dev, uuid string) (*Disk, error) {
	v := bd.Variant
	if v == "" {
		v = VariantFromName(bd.Name)
	}
	if v == "" {
		return nil, &bbkierr.UnknownDevice{Device: dev}
	}
	d := &Disk{Variant: v, Dev: dev, UUID: uuid}
	if v == ScsiDisk {
		ctrl, err := p.hostController(bd.Name)
		if err != nil {
			return nil, err
		}
		d.HostController = ctrl
	}
	return d, nil
}

func (p *Prober) probeLVM(ctx context.Context, dev, uuid string) (*Disk, error) {
	out, err := p.Runner.Run(ctx, "lvs", "--noheadings", "--nosuffix", "--separator", "|", "-o", "vg_name,lv_name,devices", dev)
	if err != nil {
		return nil, err
	}
	fields := strings.Split(strings.TrimSpace(out), "|")
	if len(fields) != 3 {
		return nil, fmt.Errorf("unexpected lvs output %q", out)
	}
	d := &Disk{Variant: LvmLV, Dev: dev, UUID: uuid, VG: fields[0], LV: fields[1]}
	for _, pv := range strings.Split(fields[2], ",") {
		// /dev/sda2(0)
		pv, _, _ = strings.Cut(strings.TrimSpace(pv), "(")
		if pv == "" {
			continue
		}
		c, err := p.Probe(ctx, pv)
		if err != nil {
			return nil, err
		}
		d.Children = append(d.Children, c)
	}
	return d, nil
}

// probeBcache finds the backing device through sysfs slaves and the cache members through the cache set
func (p *Prober) probeBcache(ctx context.Context, dev, uuid string) (*Disk, error) {
	name := filepath.Base(dev)
	sysDir := filepath.Join("/sys/block", name)
	slaves, err := p.FS.ReadDir(filepath.Join(sysDir, "slaves"))
	if err != nil || len(slaves) != 1 {
		return nil, &bbkierr.UnknownDevice{Device: dev}
	}
	d := &Disk{Variant: Bcache, Dev: dev, UUID: uuid}
	backing, err := p.probeBcacheMember(ctx, "/dev/"+slaves[0].Name())
	if err != nil {
		return nil, err
	}
	d.Children = append(d.Children, backing)

	cset, err := p.readlinkAbs(filepath.Join(sysDir, "bcache", "cache"))
	if err != nil {
		// detached backing device, no cache set
		return d, nil
	}
	entries, err := p.FS.ReadDir(cset)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		idx := strings.TrimPrefix(e.Name(), "cache")
		if idx == e.Name() || idx == "" || strings.Trim(idx, "0123456789") != "" {
			continue
		}
		target, err := p.readlinkAbs(filepath.Join(cset, e.Name()))
		if err != nil {
			return nil, err
		}
		// .../block/sdc/sdc1/bcache
		member, err := p.probeBcacheMember(ctx, "/dev/"+filepath.Base(filepath.Dir(target)))
		if err != nil {
			return nil, err
		}
		d.Children = append(d.Children, member)
	}
	return d, nil
}

func (p *Prober) probeBcacheMember(ctx context.Context, dev string) (*Disk, error) {
	info, err := p.blkid(ctx, dev)
	if err != nil {
		return nil, err
	}
	return p.probeBlock(ctx, dev, info["UUID"])
}

// hostController walks up from the scsi device in sysfs until a node bound to a driver shows up
func (p *Prober) hostController(disk string) (string, error) {
	devDir, err := p.readlinkAbs(filepath.Join("/sys/block", disk, "device"))
	if err != nil {
		return "", fmt.Errorf("resolving scsi device of %s: %w", disk, err)
	}
	for dir := filepath.Dir(devDir); dir != "/" && dir != "/sys" && dir != "."; dir = filepath.Dir(dir) {
		target, err := p.FS.Readlink(filepath.Join(dir, "driver"))
		if err != nil {
			continue
		}
		return filepath.Base(target), nil
	}
	return "", fmt.Errorf("no host controller found for %s", disk)
}

func (p *Prober) members(ctx context.Context, uuid string) ([]string, error) {
	if uuid == "" {
		return nil, nil
	}
	out, err := p.Runner.Run(ctx, "blkid", "-o", "device", "-t", "UUID="+uuid)
	if err != nil {
		return nil, err
	}
	var devs []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			devs = append(devs, l)
		}
	}
	sort.Strings(devs)
	return devs, nil
}

func (p *Prober) blkid(ctx context.Context, dev string) (map[string]string, error) {
	out, err := p.Runner.Run(ctx, "blkid", "-p", "-o", "export", dev)
	if err != nil {
		return nil, err
	}
	return utils.ParseEnv(out)
}

func (p *Prober) inventory() ([]BlockDisk, error) {
	if p.disks != nil {
		return p.disks, nil
	}
	disks, err := p.Inventory.Disks()
	if err != nil {
		return nil, err
	}
	p.disks = disks
	return disks, nil
}

// resolve follows /dev/disk/by-* symlinks to the kernel device node
func (p *Prober) resolve(dev string) string {
	if !strings.HasPrefix(dev, "/dev/disk/") {
		return dev
	}
	for i := 0; i < 8; i++ {
		next, err := p.readlinkAbs(dev)
		if err != nil {
			return dev
		}
		dev = next
	}
	return dev
}

func (p *Prober) readlinkAbs(link string) (string, error) {
	target, err := p.FS.Readlink(link)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(target) {
		return filepath.Clean(target), nil
	}
	return filepath.Join(filepath.Dir(link), target), nil
}

// ProbeHost builds the topology of the running host from the live mounts at paths.
// Paths that are not mount points are skipped, except "/".
func (p *Prober) ProbeHost(ctx context.Context, paths ...string) (*Host, error) {
	h := &Host{BootMode: BootModeBIOS}
	if _, err := p.FS.Stat("/sys/firmware/efi"); err == nil {
		h.BootMode = BootModeEFI
	}
	for _, path := range paths {
		info, err := p.Mounts.Lookup(path)
		if err != nil {
			return nil, err
		}
		if info == nil {
			if path == "/" {
				return nil, fmt.Errorf("/ is not a mount point")
			}
			continue
		}
		mp, err := p.mountPoint(ctx, path, info.Source, info.FSType, info.Options)
		if err != nil {
			return nil, err
		}
		h.MountPoints = append(h.MountPoints, mp)
	}
	if h.BootMode == BootModeBIOS {
		if err := p.fillBootDisk(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// ProbeFstab builds the topology of a target host from its fstab, probing the devices it names.
func (p *Prober) ProbeFstab(ctx context.Context, file string, mode BootMode, paths ...string) (*Host, error) {
	raw, err := p.FS.RawPath(file)
	if err != nil {
		return nil, err
	}
	mounts, err := fstab.ParseFile(raw)
	if err != nil {
		return nil, err
	}
	h := &Host{BootMode: mode}
	for _, path := range paths {
		for _, m := range mounts {
			if m.File != path {
				continue
			}
			mp, err := p.mountPoint(ctx, path, utils.ParseMount(m.Spec), m.VfsType, fstabOptions(m))
			if err != nil {
				return nil, err
			}
			h.MountPoints = append(h.MountPoints, mp)
		}
	}
	if mode == BootModeBIOS {
		if err := p.fillBootDisk(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func fstabOptions(m *fstab.Mount) string {
	var opts []string
	for _, k := range utils.SortedKeys(m.MntOps) {
		if v := m.MntOps[k]; v != "" {
			opts = append(opts, k+"="+v)
		} else {
			opts = append(opts, k)
		}
	}
	if len(opts) == 0 {
		return "defaults"
	}
	return strings.Join(opts, ",")
}

func (p *Prober) mountPoint(ctx context.Context, path, source, fstype, options string) (*MountPoint, error) {
	d, err := p.Probe(ctx, source)
	if err != nil {
		return nil, err
	}
	uuid := d.UUID
	if d.Variant == BtrfsRaid || d.Variant == BcachefsRaid || uuid == "" {
		info, err := p.blkid(ctx, d.Dev)
		if err != nil {
			return nil, err
		}
		uuid = info["UUID"]
	}
	utils.Log.Debug().Str("path", path).Str("dev", d.Dev).Str("variant", string(d.Variant)).Str("uuid", uuid).Msg("probed mount point")
	return &MountPoint{Path: path, FSType: fstype, Options: options, UUID: uuid, Dev: d.Dev, Disk: d}, nil
}

// fillBootDisk picks the whole disk below /boot (or / without a separate /boot) and its stable id
func (p *Prober) fillBootDisk(h *Host) error {
	mp := h.Boot()
	if mp == nil {
		mp = h.Root()
	}
	if mp == nil || mp.Disk == nil {
		return nil
	}
	var disk *Disk
	for _, d := range mp.Disk.PostOrder() {
		switch d.Variant {
		case ScsiDisk, NvmeDisk, XenDisk, VirtioDisk:
			if disk == nil {
				disk = d
			}
		}
	}
	if disk == nil {
		return fmt.Errorf("no whole disk below %s", mp.Path)
	}
	h.BootDisk = disk.Dev
	entries, err := p.FS.ReadDir("/dev/disk/by-id")
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "wwn-") {
			continue
		}
		target, err := p.readlinkAbs(filepath.Join("/dev/disk/by-id", e.Name()))
		if err == nil && target == disk.Dev {
			h.BootDiskID = e.Name()
			return nil
		}
	}
	return nil
}
