// Package bootloader installs GRUB and keeps its configuration in sync with the boot entries.
// The generated grub.cfg is also the state of the bootloader: Parse reads back
// everything Generate writes.
package bootloader

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kairos-io/bbki/internal/constants"
	"github.com/kairos-io/bbki/pkg/bootentry"
	"github.com/kairos-io/bbki/pkg/layout"
	"github.com/kairos-io/bbki/pkg/topology"
)

// AuxOS is another operating system chainloaded from the menu.
type AuxOS struct {
	Name        string
	UUID        string
	Chainloader int
}

// Config is the content of grub.cfg. Entries are referenced by postfix only.
type Config struct {
	BootMode   topology.BootMode
	RootUUID   string
	ESPUUID    string
	BootDiskID string
	MainEntry  string
	Cmdline    string
	WaitTime   int
	Rescue     bool
	History    []string
	AuxOS      []AuxOS
}

func (c *Config) bootUUID() string {
	if c.BootMode == topology.BootModeEFI {
		return c.ESPUUID
	}
	return c.RootUUID
}

// grubPath converts a layout path to the path GRUB sees. Under EFI the ESP
// is mounted on /boot and is GRUB's root.
func (c *Config) grubPath(p string) string {
	if c.BootMode == topology.BootModeEFI {
		return strings.TrimPrefix(p, layout.BootDir)
	}
	return p
}

func (c *Config) linuxArgs(extra ...string) string {
	args := []string{"root=UUID=" + c.RootUUID, "ro"}
	if c.Cmdline != "" {
		args = append(args, c.Cmdline)
	}
	return strings.Join(append(args, extra...), " ")
}

func entryFiles(postfix string, loc bootentry.Location) (bootentry.Files, error) {
	e, err := bootentry.NewFromPostfix(postfix, loc)
	if err != nil {
		return bootentry.Files{}, err
	}
	return e.Files(), nil
}

// Generate renders c as grub.cfg.
func Generate(c *Config) ([]byte, error) {
	var b strings.Builder
	w := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	w("# This file is generated by bbki, do not edit.")
	w("")
	w("load_env")
	w(`if [ "${recordfail}" ] ; then`)
	w("    set stable=")
	w("    save_env stable")
	w("fi")
	w("")
	if c.BootMode == topology.BootModeEFI {
		w("insmod efi_gop")
		w("insmod efi_uga")
	} else {
		w("insmod vbe")
		w("insmod vga")
	}
	w("insmod gfxterm")
	w("terminal_output gfxterm")
	w("")
	w(`if [ "${stable}" ] ; then`)
	w("    set default=0")
	w("    set timeout=0")
	w("else")
	w("    set default=1")
	w("    set timeout=%d", c.WaitTime)
	w("fi")
	w("")
	w("# Parameters:")
	w("#   rootfs device: %s", c.RootUUID)
	if c.BootMode == topology.BootModeEFI {
		w("#   ESP partition: %s", c.ESPUUID)
	} else {
		w("#   boot disk ID: %s", c.BootDiskID)
	}
	w("#   init command line: %s", c.Cmdline)
	w("#   wait time: %d", c.WaitTime)
	w("")

	main, err := entryFiles(c.MainEntry, bootentry.Current)
	if err != nil {
		return nil, err
	}
	w(`menuentry "Stable: Linux-%s" {`, c.MainEntry)
	w("    set gfxpayload=keep")
	w("    set recordfail=1")
	w("    save_env recordfail")
	w("    search --fs-uuid --no-floppy --set %s", c.bootUUID())
	w("    linux %s %s", c.grubPath(main.Kernel), c.linuxArgs("quiet"))
	w("    initrd %s", c.grubPath(main.Initramfs))
	w("}")
	w("")
	w(`menuentry "Current: Linux-%s" {`, c.MainEntry)
	w("    search --fs-uuid --no-floppy --set %s", c.bootUUID())
	w(`    echo "Loading Linux-%s ..."`, c.MainEntry)
	w("    linux %s %s", c.grubPath(main.Kernel), c.linuxArgs())
	w(`    echo "Loading initial ramdisk ..."`)
	w("    initrd %s", c.grubPath(main.Initramfs))
	w("}")
	w("")
	if c.Rescue {
		w(`menuentry "Rescue OS" {`)
		w("    search --fs-uuid --no-floppy --set %s", c.bootUUID())
		w("    linux %s dev_uuid=%s", c.grubPath(layout.RescueKernel), c.bootUUID())
		w("    initrd %s", c.grubPath(layout.RescueInitrd))
		w("}")
		w("")
	}
	for _, a := range c.AuxOS {
		w(`menuentry "Auxillary: %s" {`, a.Name)
		w("    search --fs-uuid --no-floppy --set %s", a.UUID)
		w("    chainloader +%d", a.Chainloader)
		w("}")
		w("")
	}
	for _, h := range c.History {
		files, err := entryFiles(h, bootentry.History)
		if err != nil {
			return nil, err
		}
		w(`menuentry "History: Linux-%s" {`, h)
		w("    search --fs-uuid --no-floppy --set %s", c.bootUUID())
		w("    linux %s %s", c.grubPath(files.Kernel), c.linuxArgs())
		w("    initrd %s", c.grubPath(files.Initramfs))
		w("}")
		w("")
	}
	w(`menuentry "Restart" {`)
	w("    reboot")
	w("}")
	w("")
	if c.BootMode == topology.BootModeEFI {
		w(`menuentry "Restart to UEFI setup" {`)
		w("    fwsetup")
		w("}")
		w("")
	}
	w(`menuentry "Power Off" {`)
	w("    halt")
	w("}")
	return []byte(b.String()), nil
}

var (
	rootfsRegex   = regexp.MustCompile(`(?m)^#   rootfs device: (.*)$`)
	espRegex      = regexp.MustCompile(`(?m)^#   ESP partition: (.*)$`)
	bootDiskRegex = regexp.MustCompile(`(?m)^#   boot disk ID: (.*)$`)
	cmdlineRegex  = regexp.MustCompile(`(?m)^#   init command line: (.*)$`)
	waitRegex     = regexp.MustCompile(`(?m)^#   wait time: (\d+)$`)
	stableRegex   = regexp.MustCompile(`(?m)^menuentry "Stable: Linux-(.*)" \{$`)
	historyRegex  = regexp.MustCompile(`(?m)^menuentry "History: Linux-(.*)" \{$`)
	rescueRegex   = regexp.MustCompile(`(?m)^menuentry "Rescue OS" \{$`)
	auxRegex      = regexp.MustCompile(`(?m)^menuentry "Auxillary: (.*)" \{\n\s+search --fs-uuid --no-floppy --set (\S+)\n\s+chainloader \+(\d+)\n\}`)
)

// Parse reads the state back from a generated grub.cfg.
func Parse(b []byte) (*Config, error) {
	s := string(b)
	c := &Config{}

	m := rootfsRegex.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("no rootfs device marker")
	}
	c.RootUUID = m[1]

	esp, disk := espRegex.FindStringSubmatch(s), bootDiskRegex.FindStringSubmatch(s)
	switch {
	case esp != nil && disk == nil:
		c.BootMode = topology.BootModeEFI
		c.ESPUUID = esp[1]
	case disk != nil && esp == nil:
		c.BootMode = topology.BootModeBIOS
		c.BootDiskID = disk[1]
	default:
		return nil, fmt.Errorf("expected exactly one of the ESP partition and boot disk ID markers")
	}

	if m := cmdlineRegex.FindStringSubmatch(s); m != nil {
		c.Cmdline = m[1]
	}
	if m := waitRegex.FindStringSubmatch(s); m != nil {
		c.WaitTime, _ = strconv.Atoi(m[1])
	}

	stable := stableRegex.FindAllStringSubmatch(s, -1)
	switch len(stable) {
	case 0:
		return nil, constants.ErrNoMainEntry
	case 1:
		c.MainEntry = stable[0][1]
	default:
		return nil, constants.ErrMultipleMain
	}
	if _, err := bootentry.NewFromPostfix(c.MainEntry, bootentry.Current); err != nil {
		return nil, err
	}

	for _, h := range historyRegex.FindAllStringSubmatch(s, -1) {
		c.History = append(c.History, h[1])
	}
	c.Rescue = rescueRegex.MatchString(s)
	for _, a := range auxRegex.FindAllStringSubmatch(s, -1) {
		n, _ := strconv.Atoi(a[3])
		c.AuxOS = append(c.AuxOS, AuxOS{Name: a[1], UUID: a[2], Chainloader: n})
	}
	return c, nil
}

// Postfixes returns every entry the config references, main entry first.
func (c *Config) Postfixes() []string {
	return append([]string{c.MainEntry}, c.History...)
}
