package topology_test

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kairos-io/bbki/internal/mocks"
	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/kairos-io/bbki/pkg/topology"
	"github.com/moby/sys/mountinfo"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"
)

const (
	rootUUID = "3f1e1a8c-4ab0-4c6e-9d0c-5a1f2b9d7e01"
	pvUUID   = "9b2c9d2e-1c7f-4a55-8d39-4f3c2e6a1b02"
	volUUID  = "7d4b1e55-98c1-4d5e-a1a6-0c9e8b7f6a03"
	sub1UUID = "1a2b3c4d-0000-4000-8000-000000000004"
	sub2UUID = "1a2b3c4d-0000-4000-8000-000000000005"
	espUUID  = "ABCD-1234"
)

type fakeInventory []topology.BlockDisk

func (f fakeInventory) Disks() ([]topology.BlockDisk, error) {
	return f, nil
}

// cannedRunner answers from a table keyed by the full command line
func cannedRunner(table map[string]string) *mocks.FakeRunner {
	return &mocks.FakeRunner{
		SideEffect: func(name string, args ...string) (string, error) {
			key := strings.Join(append([]string{name}, args...), " ")
			if out, ok := table[key]; ok {
				return out, nil
			}
			return "", fmt.Errorf("unexpected command %q", key)
		},
	}
}

func sysfsScsi(disks ...string) map[string]interface{} {
	m := map[string]interface{}{
		"/sys/devices/pci0000:00/0000:00:1f.2/driver": &vfst.Symlink{Target: "../../../bus/pci/drivers/ahci"},
	}
	for i, d := range disks {
		dev := fmt.Sprintf("/sys/devices/pci0000:00/0000:00:1f.2/ata%d/host%d/target%d:0:0/%d:0:0:0", i+1, i, i, i)
		m[dev+"/driver"] = &vfst.Symlink{Target: "../../../../../../../bus/scsi/drivers/sd"}
		m["/sys/block/"+d+"/device"] = &vfst.Symlink{Target: fmt.Sprintf("../../devices/pci0000:00/0000:00:1f.2/ata%d/host%d/target%d:0:0/%d:0:0:0", i+1, i, i, i)}
	}
	return m
}

var _ = Describe("host topology", func() {
	Context("disk capabilities", func() {
		It("maps variants to module aliases", func() {
			Expect((&topology.Disk{Variant: topology.LvmLV}).ModuleAliases()).To(Equal([]string{"dm_mod"}))
			Expect((&topology.Disk{Variant: topology.ScsiDisk, HostController: "ahci"}).ModuleAliases()).To(Equal([]string{"ahci", "sd_mod"}))
			Expect((&topology.Disk{Variant: topology.NvmeDisk}).ModuleAliases()).To(Equal([]string{"nvme"}))
			Expect((&topology.Disk{Variant: topology.XenDisk}).ModuleAliases()).To(Equal([]string{"xen-blkfront"}))
			Expect((&topology.Disk{Variant: topology.VirtioDisk}).ModuleAliases()).To(Equal([]string{"virtio_pci", "virtio_blk"}))
			Expect((&topology.Disk{Variant: topology.Bcache}).ModuleAliases()).To(Equal([]string{"bcache"}))
			Expect((&topology.Disk{Variant: topology.BtrfsRaid}).ModuleAliases()).To(Equal([]string{"btrfs"}))
			Expect((&topology.Disk{Variant: topology.BcachefsRaid}).ModuleAliases()).To(BeEmpty())
			Expect((&topology.Disk{Variant: topology.Partition}).ModuleAliases()).To(BeEmpty())
		})
		It("emits activation lines for lvm and bcache only", func() {
			lv := &topology.Disk{Variant: topology.LvmLV, UUID: rootUUID, VG: "vg0", LV: "root"}
			Expect(lv.ActivationLines()).To(Equal([]string{"lvm-lv-activate " + rootUUID + " vg0 root"}))

			bc := &topology.Disk{Variant: topology.Bcache, UUID: "bc", Children: []*topology.Disk{
				{Variant: topology.Partition, UUID: "backing"},
				{Variant: topology.Partition, UUID: "cache1"},
				{Variant: topology.Partition, UUID: "cache2"},
			}}
			Expect(bc.ActivationLines()).To(Equal([]string{
				"bcache-cache-device-activate cache1",
				"bcache-cache-device-activate cache2",
				"bcache-backing-device-activate bc backing",
			}))
			Expect((&topology.Disk{Variant: topology.BtrfsRaid}).ActivationLines()).To(BeEmpty())
		})
	})

	Context("host", func() {
		var host *topology.Host
		BeforeEach(func() {
			sda := &topology.Disk{Variant: topology.ScsiDisk, Dev: "/dev/sda", HostController: "ahci"}
			host = &topology.Host{
				BootMode: topology.BootModeEFI,
				MountPoints: []*topology.MountPoint{
					{Path: "/boot", FSType: "vfat", UUID: espUUID, Dev: "/dev/sda1", Disk: &topology.Disk{
						Variant: topology.Partition, Dev: "/dev/sda1", UUID: espUUID, PartTableType: topology.PartTableGPT, Children: []*topology.Disk{sda}}},
					{Path: "/", FSType: "ext4", UUID: rootUUID, Dev: "/dev/sda2", Disk: &topology.Disk{
						Variant: topology.Partition, Dev: "/dev/sda2", UUID: rootUUID, PartTableType: topology.PartTableGPT, Children: []*topology.Disk{sda}}},
				},
			}
		})
		It("validates a separate /boot", func() {
			Expect(host.Validate(true)).To(Succeed())
			host.MountPoints[0].UUID = "0000-0000"
			Expect(host.Validate(true)).ToNot(Succeed())
			Expect(host.Validate(false)).To(Succeed())
		})
		It("requires exactly one /", func() {
			host.MountPoints = host.MountPoints[:1]
			Expect(host.Validate(false)).ToNot(Succeed())
		})
		It("de-duplicates shared disks in post order", func() {
			disks := host.Disks()
			Expect(disks).To(HaveLen(3))
			Expect(disks[0].Dev).To(Equal("/dev/sda"))
			Expect(disks[1].Dev).To(Equal("/dev/sda1"))
			Expect(disks[2].Dev).To(Equal("/dev/sda2"))
		})
		It("puts / first", func() {
			Expect(host.SortedMountPoints()[0].Path).To(Equal("/"))
		})
		It("survives a yaml round trip", func() {
			b, err := topology.Marshal(host)
			Expect(err).ToNot(HaveOccurred())
			back, err := topology.Unmarshal(b)
			Expect(err).ToNot(HaveOccurred())
			Expect(back).To(Equal(host))
		})
		It("rejects malformed uuids", func() {
			_, err := topology.Unmarshal([]byte(`
boot-mode: efi
mount-points:
  - path: /
    fstype: ext4
    uuid: not-a-uuid
    dev: /dev/sda2
    disk: {variant: scsi-disk, dev: /dev/sda2}
`))
			Expect(err).To(HaveOccurred())
		})
	})

	Context("probing", func() {
		var fs vfs.FS
		var cleanup func()
		var prober *topology.Prober
		var runner *mocks.FakeRunner

		newProber := func(entries map[string]interface{}, table map[string]string, inv fakeInventory) {
			var err error
			fs, cleanup, err = vfst.NewTestFS(entries)
			Expect(err).ToNot(HaveOccurred())
			runner = cannedRunner(table)
			prober = &topology.Prober{FS: fs, Runner: runner, Inventory: inv}
		}

		AfterEach(func() {
			cleanup()
		})

		It("detects an lvm root with its scsi backing partition", func() {
			newProber(sysfsScsi("sda"), map[string]string{
				"blkid -p -o export /dev/mapper/vg0-root":                                                   "DEVNAME=/dev/mapper/vg0-root\nUUID=" + rootUUID + "\nTYPE=ext4\n",
				"lvs --noheadings --nosuffix --separator | -o vg_name,lv_name,devices /dev/mapper/vg0-root": "  vg0|root|/dev/sda2(0)\n",
				"blkid -p -o export /dev/sda2":                                                              "UUID=" + pvUUID + "\nTYPE=LVM2_member\n",
				"blkid -p -o export /dev/sda":                                                               "PTUUID=1234\nPTTYPE=dos\n",
			}, fakeInventory{{Name: "sda", Variant: topology.ScsiDisk, Partitions: []string{"sda1", "sda2"}}})

			d, err := prober.Probe(context.Background(), "/dev/mapper/vg0-root")
			Expect(err).ToNot(HaveOccurred())
			Expect(d.Variant).To(Equal(topology.LvmLV))
			Expect(d.VG).To(Equal("vg0"))
			Expect(d.LV).To(Equal("root"))
			Expect(d.UUID).To(Equal(rootUUID))
			Expect(d.Children).To(HaveLen(1))
			part := d.Children[0]
			Expect(part.Variant).To(Equal(topology.Partition))
			Expect(part.PartTableType).To(Equal(topology.PartTableMBR))
			Expect(part.Children[0].Variant).To(Equal(topology.ScsiDisk))
			Expect(part.Children[0].HostController).To(Equal("ahci"))
		})

		It("detects a btrfs raid spanning two partitions", func() {
			newProber(sysfsScsi("sdb", "sdc"), map[string]string{
				"blkid -p -o export /dev/sdb1":       "UUID=" + volUUID + "\nUUID_SUB=" + sub1UUID + "\nTYPE=btrfs\n",
				"blkid -p -o export /dev/sdc1":       "UUID=" + volUUID + "\nUUID_SUB=" + sub2UUID + "\nTYPE=btrfs\n",
				"blkid -o device -t UUID=" + volUUID: "/dev/sdc1\n/dev/sdb1\n",
				"blkid -p -o export /dev/sdb":        "PTTYPE=gpt\n",
				"blkid -p -o export /dev/sdc":        "PTTYPE=gpt\n",
			}, fakeInventory{
				{Name: "sdb", Variant: topology.ScsiDisk, Partitions: []string{"sdb1"}},
				{Name: "sdc", Variant: topology.ScsiDisk, Partitions: []string{"sdc1"}},
			})

			d, err := prober.Probe(context.Background(), "/dev/sdb1")
			Expect(err).ToNot(HaveOccurred())
			Expect(d.Variant).To(Equal(topology.BtrfsRaid))
			Expect(d.UUID).To(Equal(volUUID))
			Expect(d.Children).To(HaveLen(2))
			Expect(d.Children[0].Variant).To(Equal(topology.Partition))
			Expect(d.Children[1].Variant).To(Equal(topology.Partition))
			Expect(d.MemberUUIDs()).To(Equal([]string{sub1UUID, sub2UUID}))
		})

		It("detects bcache with its backing and cache devices", func() {
			entries := map[string]interface{}{
				"/sys/block/bcache0/slaves/vdb1":        "",
				"/sys/block/bcache0/bcache/cache":       &vfst.Symlink{Target: "../../../fs/bcache/cset"},
				"/sys/fs/bcache/cset/cache0":            &vfst.Symlink{Target: "../../../block/vdc/vdc1/bcache"},
				"/sys/fs/bcache/cset/block_size":        "",
				"/sys/block/vdc/vdc1/bcache/cache_mode": "",
			}
			newProber(entries, map[string]string{
				"blkid -p -o export /dev/bcache0": "UUID=" + rootUUID + "\nTYPE=ext4\n",
				"blkid -p -o export /dev/vdb1":    "UUID=" + pvUUID + "\nTYPE=bcache\n",
				"blkid -p -o export /dev/vdc1":    "UUID=" + volUUID + "\nTYPE=bcache\n",
				"blkid -p -o export /dev/vdb":     "PTTYPE=gpt\n",
				"blkid -p -o export /dev/vdc":     "PTTYPE=gpt\n",
			}, fakeInventory{
				{Name: "vdb", Variant: topology.VirtioDisk, Partitions: []string{"vdb1"}},
				{Name: "vdc", Variant: topology.VirtioDisk, Partitions: []string{"vdc1"}},
			})

			d, err := prober.Probe(context.Background(), "/dev/bcache0")
			Expect(err).ToNot(HaveOccurred())
			Expect(d.Variant).To(Equal(topology.Bcache))
			Expect(d.Children).To(HaveLen(2))
			Expect(d.Children[0].Dev).To(Equal("/dev/vdb1"))
			Expect(d.Children[1].Dev).To(Equal("/dev/vdc1"))
			Expect(d.ActivationLines()).To(Equal([]string{
				"bcache-cache-device-activate " + volUUID,
				"bcache-backing-device-activate " + rootUUID + " " + pvUUID,
			}))
		})

		It("fails on unknown devices", func() {
			newProber(map[string]interface{}{"/dev/.keep": ""}, map[string]string{
				"blkid -p -o export /dev/loop0": "TYPE=squashfs\n",
			}, fakeInventory{})

			_, err := prober.Probe(context.Background(), "/dev/loop0")
			var unknown *bbkierr.UnknownDevice
			Expect(errors.As(err, &unknown)).To(BeTrue())
			Expect(unknown.Device).To(Equal("/dev/loop0"))
		})

		It("builds an efi host from the live mounts", func() {
			entries := sysfsScsi("sda")
			entries["/sys/firmware/efi/.keep"] = ""
			newProber(entries, map[string]string{
				"blkid -p -o export /dev/sda1": "UUID=" + espUUID + "\nTYPE=vfat\n",
				"blkid -p -o export /dev/sda2": "UUID=" + rootUUID + "\nTYPE=ext4\n",
				"blkid -p -o export /dev/sda":  "PTTYPE=gpt\n",
			}, fakeInventory{{Name: "sda", Variant: topology.ScsiDisk, Partitions: []string{"sda1", "sda2"}}})
			prober.Mounts = utils.StaticMounts{
				"/":     {Mountpoint: "/", Source: "/dev/sda2", FSType: "ext4", Options: "rw,relatime"},
				"/boot": {Mountpoint: "/boot", Source: "/dev/sda1", FSType: "vfat", Options: "rw"},
			}

			host, err := prober.ProbeHost(context.Background(), "/", "/boot")
			Expect(err).ToNot(HaveOccurred())
			Expect(host.BootMode).To(Equal(topology.BootModeEFI))
			Expect(host.Root().UUID).To(Equal(rootUUID))
			Expect(host.Boot().UUID).To(Equal(espUUID))
			Expect(host.Validate(true)).To(Succeed())
		})

		It("finds the bios boot disk id", func() {
			entries := sysfsScsi("sda")
			entries["/dev/disk/by-id/ata-DISK_123"] = &vfst.Symlink{Target: "../../sda"}
			entries["/dev/disk/by-id/wwn-0x5000"] = &vfst.Symlink{Target: "../../sda"}
			newProber(entries, map[string]string{
				"blkid -p -o export /dev/sda2": "UUID=" + rootUUID + "\nTYPE=ext4\n",
				"blkid -p -o export /dev/sda":  "PTTYPE=dos\n",
			}, fakeInventory{{Name: "sda", Variant: topology.ScsiDisk, Partitions: []string{"sda1", "sda2"}}})
			prober.Mounts = utils.StaticMounts{
				"/": &mountinfo.Info{Mountpoint: "/", Source: "/dev/sda2", FSType: "ext4", Options: "rw"},
			}

			host, err := prober.ProbeHost(context.Background(), "/", "/boot")
			Expect(err).ToNot(HaveOccurred())
			Expect(host.BootMode).To(Equal(topology.BootModeBIOS))
			Expect(host.BootDisk).To(Equal("/dev/sda"))
			Expect(host.BootDiskID).To(Equal("ata-DISK_123"))
			Expect(host.Boot()).To(BeNil())
		})
	})
})
