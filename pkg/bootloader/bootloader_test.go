package bootloader_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kairos-io/bbki/internal/constants"
	"github.com/kairos-io/bbki/internal/mocks"
	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/kairos-io/bbki/pkg/bootentry"
	"github.com/kairos-io/bbki/pkg/bootloader"
	"github.com/kairos-io/bbki/pkg/layout"
	"github.com/kairos-io/bbki/pkg/topology"
	"github.com/moby/sys/mountinfo"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"
)

// evaluate runs the top level set/if/else/fi statements of a grub.cfg with env as the environment block.
func evaluate(cfg string, env map[string]string) map[string]string {
	vars := map[string]string{}
	for k, v := range env {
		vars[k] = v
	}
	ifRegex := regexp.MustCompile(`^if \[ "\$\{(\w+)\}" \] ; then$`)
	var stack []bool
	active := func() bool {
		for _, s := range stack {
			if !s {
				return false
			}
		}
		return true
	}
	depth := 0
	for _, line := range strings.Split(cfg, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "menuentry "):
			depth++
		case line == "}":
			depth--
		case depth > 0:
		case ifRegex.MatchString(line):
			stack = append(stack, vars[ifRegex.FindStringSubmatch(line)[1]] != "")
		case line == "else":
			stack[len(stack)-1] = !stack[len(stack)-1]
		case line == "fi":
			stack = stack[:len(stack)-1]
		case strings.HasPrefix(line, "set ") && active():
			k, v, _ := strings.Cut(strings.TrimPrefix(line, "set "), "=")
			vars[k] = v
		}
	}
	return vars
}

func efiOptions(main *bootentry.Entry) bootloader.InstallOptions {
	return bootloader.InstallOptions{
		BootMode:  topology.BootModeEFI,
		RootDev:   "/dev/sda2",
		RootUUID:  "R",
		ESPDev:    "/dev/sda1",
		ESPUUID:   "E",
		MainEntry: main,
		Cmdline:   "init=/sbin/openrc-init",
		WaitTime:  5,
	}
}

var _ = Describe("grub config", func() {
	base := func() *bootloader.Config {
		return &bootloader.Config{
			BootMode:  topology.BootModeEFI,
			RootUUID:  "R",
			ESPUUID:   "E",
			MainEntry: "x86_64-5.10.1",
			Cmdline:   "quiet splash=off",
			WaitTime:  3,
			Rescue:    true,
			History:   []string{"x86_64-5.10.0", "x86_64-5.9.16"},
			AuxOS:     []bootloader.AuxOS{{Name: "Windows 10", UUID: "1234-ABCD", Chainloader: 1}},
		}
	}

	It("parses back what it generates", func() {
		for _, c := range []*bootloader.Config{base(), {BootMode: topology.BootModeBIOS, RootUUID: "R", BootDiskID: "ata-DISK_1", MainEntry: "x86_64-6.1.12"}} {
			out, err := bootloader.Generate(c)
			Expect(err).ToNot(HaveOccurred())
			parsed, err := bootloader.Parse(out)
			Expect(err).ToNot(HaveOccurred())
			Expect(parsed).To(Equal(c))
			again, err := bootloader.Generate(parsed)
			Expect(err).ToNot(HaveOccurred())
			Expect(again).To(Equal(out))
		}
	})

	It("strips the boot prefix under efi only", func() {
		out, err := bootloader.Generate(base())
		Expect(err).ToNot(HaveOccurred())
		Expect(string(out)).To(ContainSubstring("    linux /kernel-x86_64-5.10.1 root=UUID=R ro quiet splash=off quiet\n"))
		Expect(string(out)).To(ContainSubstring("    initrd /history/initramfs-x86_64-5.10.0\n"))
		Expect(string(out)).To(ContainSubstring(`menuentry "Restart to UEFI setup"`))
		Expect(string(out)).To(ContainSubstring("    chainloader +1\n"))

		bios := base()
		bios.BootMode, bios.ESPUUID, bios.BootDiskID = topology.BootModeBIOS, "", "ata-DISK_1"
		out, err = bootloader.Generate(bios)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(out)).To(ContainSubstring("    linux /boot/kernel-x86_64-5.10.1 "))
		Expect(string(out)).To(ContainSubstring("#   boot disk ID: ata-DISK_1\n"))
		Expect(string(out)).ToNot(ContainSubstring("UEFI setup"))
	})

	It("rejects configs without exactly one main entry", func() {
		out, err := bootloader.Generate(base())
		Expect(err).ToNot(HaveOccurred())
		stable := regexp.MustCompile(`(?s)menuentry "Stable: .*?\n}\n`).Find(out)
		Expect(stable).ToNot(BeNil())

		doubled := strings.Replace(string(out), string(stable), string(stable)+string(stable), 1)
		_, err = bootloader.Parse([]byte(doubled))
		Expect(errors.Is(err, constants.ErrMultipleMain)).To(BeTrue())

		none := strings.Replace(string(out), string(stable), "", 1)
		_, err = bootloader.Parse([]byte(none))
		Expect(errors.Is(err, constants.ErrNoMainEntry)).To(BeTrue())
	})

	It("rejects configs without device markers", func() {
		_, err := bootloader.Parse([]byte("set default=0\n"))
		Expect(err).To(HaveOccurred())
	})

	It("boots the stable entry at once only when the stable flag survives", func() {
		out, err := bootloader.Generate(base())
		Expect(err).ToNot(HaveOccurred())

		vars := evaluate(string(out), map[string]string{"stable": "1"})
		Expect(vars["default"]).To(Equal("0"))
		Expect(vars["timeout"]).To(Equal("0"))

		vars = evaluate(string(out), map[string]string{"stable": "1", "recordfail": "1"})
		Expect(vars["default"]).To(Equal("1"))
		Expect(vars["timeout"]).To(Equal("3"))
	})
})

var _ = Describe("manager", func() {
	var fs vfs.FS
	var cleanup func()
	var runner *mocks.FakeRunner
	var mounts utils.StaticMounts
	var grubenv map[string]string
	var m *bootloader.Manager
	var l *layout.Layout
	ctx := context.Background()

	entry := func(postfix string, loc bootentry.Location) *bootentry.Entry {
		e, err := bootentry.NewFromPostfix(postfix, loc)
		Expect(err).ToNot(HaveOccurred())
		return e
	}
	writeEntry := func(e *bootentry.Entry) {
		Expect(l.EnsureDir(e.Dir())).To(Succeed())
		for _, f := range e.Files().BootFiles() {
			Expect(fs.WriteFile(f, []byte(f), 0o644)).To(Succeed())
		}
	}

	BeforeEach(func() {
		var err error
		fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
			"/boot": &vfst.Dir{Perm: 0o755},
		})
		Expect(err).ToNot(HaveOccurred())
		l = layout.New(fs)
		grubenv = map[string]string{}
		runner = &mocks.FakeRunner{SideEffect: func(name string, args ...string) (string, error) {
			switch name {
			case "grub-install":
				if err := l.EnsureDir(layout.GrubDir); err != nil {
					return "", err
				}
				return "", fs.WriteFile(layout.GrubEnvFile, []byte("# GRUB Environment Block\n"), 0o644)
			case "grub-editenv":
				switch args[1] {
				case "list":
					var lines []string
					for k, v := range grubenv {
						lines = append(lines, fmt.Sprintf("%s=%s", k, v))
					}
					sort.Strings(lines)
					return strings.Join(lines, "\n"), nil
				case "set":
					k, v, _ := strings.Cut(args[2], "=")
					grubenv[k] = v
				case "unset":
					delete(grubenv, args[2])
				}
			}
			return "", nil
		}}
		mounts = utils.StaticMounts{
			"/":     &mountinfo.Info{Mountpoint: "/", Source: "/dev/sda2"},
			"/boot": &mountinfo.Info{Mountpoint: "/boot", Source: "/dev/sda1"},
		}
		m = bootloader.NewManager(l, runner, mounts)
		Expect(m.Status()).To(Equal(bootloader.StatusNotInstalled))
	})
	AfterEach(func() {
		cleanup()
	})

	It("installs for a fresh efi host", func() {
		main := entry("x86_64-5.10.0", bootentry.Current)
		writeEntry(main)
		Expect(m.Install(ctx, efiOptions(main))).To(Succeed())
		Expect(m.Status()).To(Equal(bootloader.StatusNormal))
		Expect(runner.CmdsContain("grub-install", "--removable", "--no-nvram", "--target=x86_64-efi")).To(BeTrue())

		cfg, err := fs.ReadFile(layout.GrubConfigFile)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(cfg)).To(ContainSubstring("#   rootfs device: R\n"))
		Expect(string(cfg)).To(ContainSubstring("#   ESP partition: E\n"))
		Expect(string(cfg)).To(MatchRegexp(`(?s)menuentry "Stable: Linux-x86_64-5\.10\.0" \{.*?\n    linux /kernel-`))
		Expect(string(cfg)).ToNot(ContainSubstring("Rescue OS"))
	})

	It("lists superseded entries as history", func() {
		old := entry("x86_64-5.10.0", bootentry.History)
		writeEntry(old)
		main := entry("x86_64-5.10.1", bootentry.Current)
		writeEntry(main)
		Expect(m.Install(ctx, efiOptions(main))).To(Succeed())

		cfg, err := fs.ReadFile(layout.GrubConfigFile)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(cfg)).To(ContainSubstring(`menuentry "Stable: Linux-x86_64-5.10.1"`))
		Expect(string(cfg)).To(ContainSubstring(`menuentry "History: Linux-x86_64-5.10.0"`))
		Expect(string(cfg)).To(ContainSubstring("    linux /history/kernel-x86_64-5.10.0 "))
	})

	It("refuses devices that are not mounted where advertised", func() {
		main := entry("x86_64-5.10.0", bootentry.Current)
		writeEntry(main)
		mounts["/boot"] = &mountinfo.Info{Mountpoint: "/boot", Source: "/dev/sdb1"}

		err := m.Install(ctx, efiOptions(main))
		var invalid *bbkierr.InvalidMountPoint
		Expect(errors.As(err, &invalid)).To(BeTrue())
		Expect(invalid.Got).To(Equal("/dev/sdb1"))
		var install *bbkierr.BootloaderInstallError
		Expect(errors.As(err, &install)).To(BeTrue())
		Expect(runner.Calls).To(BeEmpty())

		opts := efiOptions(main)
		opts.Force = true
		Expect(m.Install(ctx, opts)).To(Succeed())
	})

	It("needs the main entry on disk", func() {
		err := m.Install(ctx, efiOptions(entry("x86_64-5.10.0", bootentry.Current)))
		Expect(errors.Is(err, constants.ErrNoMainEntry)).To(BeTrue())
		Expect(runner.CmdsContain("grub-install")).To(BeFalse())
	})

	It("keeps the previous install when the new one cannot proceed", func() {
		main := entry("x86_64-5.10.0", bootentry.Current)
		writeEntry(main)
		Expect(m.Install(ctx, efiOptions(main))).To(Succeed())
		before, err := fs.ReadFile(layout.GrubConfigFile)
		Expect(err).ToNot(HaveOccurred())
		runner.ClearCmds()

		opts := efiOptions(entry("x86_64-5.10.1", bootentry.Current))
		opts.ESPUUID = "E2"
		err = m.Install(ctx, opts)
		Expect(errors.Is(err, constants.ErrNoMainEntry)).To(BeTrue())
		Expect(runner.CmdsContain("grub-install")).To(BeFalse())
		Expect(m.Status()).To(Equal(bootloader.StatusNormal))
		after, err := fs.ReadFile(layout.GrubConfigFile)
		Expect(err).ToNot(HaveOccurred())
		Expect(after).To(Equal(before))
	})

	It("refuses an incomplete rescue os", func() {
		main := entry("x86_64-5.10.0", bootentry.Current)
		writeEntry(main)
		Expect(l.EnsureDir(layout.RescueDir)).To(Succeed())
		Expect(fs.WriteFile(layout.RescueKernel, []byte("k"), 0o644)).To(Succeed())
		err := m.Install(ctx, efiOptions(main))
		Expect(errors.Is(err, constants.ErrRescueIncomplete)).To(BeTrue())

		Expect(fs.WriteFile(layout.RescueInitrd, []byte("i"), 0o644)).To(Succeed())
		Expect(m.Install(ctx, efiOptions(main))).To(Succeed())
		cfg, err := fs.ReadFile(layout.GrubConfigFile)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(cfg)).To(ContainSubstring("    linux /rescue/vmlinuz dev_uuid=E\n"))
	})

	It("reinstalls to an identical config after removal", func() {
		devices, devCleanup, err := vfst.NewTestFS(map[string]interface{}{
			"/dev/disk/by-id/ata-DISK_1": strings.Repeat("\xff", 512),
		})
		Expect(err).ToNot(HaveOccurred())
		defer devCleanup()
		m.Devices = devices

		main := entry("x86_64-5.10.0", bootentry.Current)
		writeEntry(main)
		opts := bootloader.InstallOptions{
			BootMode:   topology.BootModeBIOS,
			RootDev:    "/dev/sda2",
			RootUUID:   "R",
			BootDisk:   "/dev/sda",
			BootDiskID: "ata-DISK_1",
			MainEntry:  main,
		}
		Expect(m.Install(ctx, opts)).To(Succeed())
		Expect(runner.CmdsContain("grub-install", "--target=i386-pc")).To(BeTrue())
		first, err := fs.ReadFile(layout.GrubConfigFile)
		Expect(err).ToNot(HaveOccurred())

		Expect(m.Remove(ctx, false)).To(Succeed())
		Expect(m.Status()).To(Equal(bootloader.StatusNotInstalled))
		Expect(l.Exists("/dev/disk/by-id/ata-DISK_1")).To(BeFalse())
		mbr, err := devices.ReadFile("/dev/disk/by-id/ata-DISK_1")
		Expect(err).ToNot(HaveOccurred())
		Expect(mbr[:440]).To(Equal(make([]byte, 440)))
		Expect(mbr[440:]).To(Equal([]byte(strings.Repeat("\xff", 72))))

		Expect(m.Install(ctx, opts)).To(Succeed())
		second, err := fs.ReadFile(layout.GrubConfigFile)
		Expect(err).ToNot(HaveOccurred())
		Expect(second).To(Equal(first))
	})

	It("only replaces an unparsable install when forced", func() {
		main := entry("x86_64-5.10.0", bootentry.Current)
		writeEntry(main)
		Expect(l.EnsureDir(layout.GrubDir)).To(Succeed())
		Expect(fs.WriteFile(layout.GrubConfigFile, []byte("set default=0\n"), 0o644)).To(Succeed())
		Expect(m.Status()).To(Equal(bootloader.StatusInvalid))

		Expect(m.Remove(ctx, false)).ToNot(Succeed())
		Expect(m.Install(ctx, efiOptions(main))).ToNot(Succeed())

		opts := efiOptions(main)
		opts.Force = true
		Expect(m.Install(ctx, opts)).To(Succeed())
		Expect(m.Status()).To(Equal(bootloader.StatusNormal))
	})

	It("updates the menu of an installed bootloader", func() {
		main := entry("x86_64-5.10.0", bootentry.Current)
		writeEntry(main)
		Expect(m.Update(ctx, bootloader.UpdateOptions{})).ToNot(Succeed())
		Expect(m.Install(ctx, efiOptions(main))).To(Succeed())

		wait := 0
		aux := []bootloader.AuxOS{{Name: "Windows", UUID: "AAAA-BBBB", Chainloader: 1}}
		Expect(m.Update(ctx, bootloader.UpdateOptions{WaitTime: &wait, AuxOS: &aux})).To(Succeed())

		_, c, err := m.Load()
		Expect(err).ToNot(HaveOccurred())
		Expect(c.WaitTime).To(Equal(0))
		Expect(c.AuxOS).To(Equal(aux))
		Expect(c.Cmdline).To(Equal("init=/sbin/openrc-init"))
		Expect(c.MainEntry).To(Equal("x86_64-5.10.0"))
	})

	It("toggles the stable flag", func() {
		_, err := m.StableFlag(ctx)
		Expect(err).To(HaveOccurred())

		main := entry("x86_64-5.10.0", bootentry.Current)
		writeEntry(main)
		Expect(m.Install(ctx, efiOptions(main))).To(Succeed())

		stable, err := m.StableFlag(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(stable).To(BeFalse())

		Expect(m.SetStableFlag(ctx, true)).To(Succeed())
		stable, err = m.StableFlag(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(stable).To(BeTrue())

		Expect(m.Update(ctx, bootloader.UpdateOptions{})).To(Succeed())
		cfg, err := fs.ReadFile(layout.GrubConfigFile)
		Expect(err).ToNot(HaveOccurred())
		vars := evaluate(string(cfg), grubenv)
		Expect(vars["default"]).To(Equal("0"))
		Expect(vars["timeout"]).To(Equal("0"))

		Expect(m.SetStableFlag(ctx, false)).To(Succeed())
		stable, err = m.StableFlag(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(stable).To(BeFalse())
	})
})
