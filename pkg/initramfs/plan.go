// Package initramfs computes and packs the initramfs of a boot entry for a host topology.
package initramfs

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/kairos-io/bbki/pkg/bootentry"
	"github.com/kairos-io/bbki/pkg/kconfig"
	"github.com/kairos-io/bbki/pkg/layout"
	"github.com/kairos-io/bbki/pkg/topology"
)

// StartupRC is the script the initramfs init interprets, relative to the image root.
const StartupRC = "/etc/startup.rc"

// Firmware files every image carries when present.
func fixedFirmware() []string {
	return []string{".ctime", "regulatory.db", "regulatory.db.p7s"}
}

// Builder turns a host topology into an initramfs for one boot entry.
type Builder struct {
	Layout *layout.Layout
	Runner utils.Runner
	// Index overrides the module index read from the entry's modules directory
	Index        ModuleIndex
	ResourcesDir string
	TmpDir       string
	// InitCmd is the command switchroot hands control to
	InitCmd string
}

// Plan is the content of an initramfs, computed without touching the image.
type Plan struct {
	Entry           *bootentry.Entry
	Host            *topology.Host
	Disks           []*topology.Disk
	Aliases         []string
	Modules         []string
	Firmware        []string
	ActivationLines []string
	StartupRC       string
	NeedLVM         bool
}

func (b *Builder) check(e *bootentry.Entry) (kconfig.Config, error) {
	files := e.Files()
	cfg, err := kconfig.Load(b.Layout.FS, files.KernelConfig)
	if err != nil {
		return nil, err
	}
	if err := cfg.Require(kconfig.InitramfsRequirements()); err != nil {
		return nil, err
	}
	for _, d := range []string{files.ModulesDir, layout.FirmwareDir} {
		if !b.Layout.IsDir(d) {
			return nil, fmt.Errorf("%s does not exist", d)
		}
	}
	return cfg, nil
}

// Plan computes the image content for e booting h.
func (b *Builder) Plan(ctx context.Context, e *bootentry.Entry, h *topology.Host) (*Plan, error) {
	p, err := b.plan(ctx, e, h)
	if err != nil {
		return nil, &bbkierr.InitramfsInstallError{Err: err}
	}
	return p, nil
}

func (b *Builder) plan(ctx context.Context, e *bootentry.Entry, h *topology.Host) (*Plan, error) {
	cfg, err := b.check(e)
	if err != nil {
		return nil, err
	}
	if err := h.Validate(false); err != nil {
		return nil, err
	}

	p := &Plan{Entry: e, Host: h, Disks: h.Disks()}

	for _, d := range p.Disks {
		p.Aliases = append(p.Aliases, d.ModuleAliases()...)
		p.ActivationLines = append(p.ActivationLines, d.ActivationLines()...)
		if d.Variant == topology.LvmLV {
			p.NeedLVM = true
		}
	}
	for _, mp := range h.MountPoints {
		p.Aliases = append(p.Aliases, fsAliases(mp.FSType, cfg)...)
	}
	p.Aliases = utils.UniqueSlice(p.Aliases)

	index := b.Index
	if index == nil {
		if index, err = LoadDepIndex(b.Layout.FS, e.Files().ModulesDir); err != nil {
			return nil, err
		}
	}
	for _, a := range p.Aliases {
		files, err := index.Resolve(a)
		if err != nil {
			return nil, err
		}
		p.Modules = append(p.Modules, files...)
	}
	p.Modules = utils.UniqueSlice(p.Modules)

	if p.Firmware, err = b.firmware(ctx, p.Modules); err != nil {
		return nil, err
	}
	p.StartupRC = startupRC(p, b.initCmd())
	utils.Log.Debug().Strs("aliases", p.Aliases).Int("modules", len(p.Modules)).Int("firmware", len(p.Firmware)).Msg("initramfs plan")
	return p, nil
}

func (b *Builder) initCmd() string {
	if b.InitCmd == "" {
		return "/sbin/init"
	}
	return b.InitCmd
}

// fsAliases returns the module of a filesystem type. vfat also needs the nls
// modules of its default codepage and iocharset.
func fsAliases(fstype string, cfg kconfig.Config) []string {
	out := []string{fstype}
	if fstype != "vfat" {
		return out
	}
	if cp := cfg.Get("FAT_DEFAULT_CODEPAGE"); cp != "" {
		out = append(out, "nls_cp"+cp)
	}
	if cs := cfg.Get("FAT_DEFAULT_IOCHARSET"); cs != "" {
		out = append(out, "nls_"+cs)
	}
	return out
}

func (b *Builder) firmware(ctx context.Context, modules []string) ([]string, error) {
	return Firmware(ctx, b.Layout, b.Runner, modules)
}

// Firmware lists the installed firmware files of every module plus the fixed set.
// It reads raw modinfo output since some modinfo wrappers only keep the last firmware line.
func Firmware(ctx context.Context, l *layout.Layout, runner utils.Runner, modules []string) ([]string, error) {
	var out []string
	for _, m := range modules {
		raw, err := l.RawPath(m)
		if err != nil {
			return nil, err
		}
		info, err := runner.Run(ctx, "modinfo", raw)
		if err != nil {
			return nil, fmt.Errorf("modinfo %s: %w", m, err)
		}
		for _, fw := range parseFirmware(info) {
			p := filepath.Join(layout.FirmwareDir, fw)
			if !l.Exists(p) {
				utils.Log.Debug().Str("module", m).Str("firmware", fw).Msg("firmware not installed, skipping")
				continue
			}
			out = append(out, p)
		}
	}
	for _, f := range fixedFirmware() {
		if p := filepath.Join(layout.FirmwareDir, f); l.Exists(p) {
			out = append(out, p)
		}
	}
	return utils.UniqueSlice(out), nil
}

func parseFirmware(modinfo string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(modinfo))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if ok && strings.TrimSpace(k) == "firmware" {
			out = append(out, strings.TrimSpace(v))
		}
	}
	return out
}

func sysroot(path string) string {
	if path == "/" {
		return "/sysroot"
	}
	return "/sysroot" + path
}

func mountLine(mp *topology.MountPoint) string {
	opts := mp.Options
	if opts == "" {
		opts = "defaults"
	}
	switch mp.Disk.Variant {
	case topology.BtrfsRaid, topology.BcachefsRaid:
		helper := "mount-btrfs"
		if mp.Disk.Variant == topology.BcachefsRaid {
			helper = "mount-bcachefs"
		}
		line := fmt.Sprintf("%s %s \"%s\"", helper, sysroot(mp.Path), opts)
		for _, u := range mp.Disk.MemberUUIDs() {
			line += " UUID=" + u
		}
		return line
	}
	return fmt.Sprintf("mount -t %s -o \"%s\" UUID=%s %s", mp.FSType, opts, mp.UUID, sysroot(mp.Path))
}

func startupRC(p *Plan, initCmd string) string {
	var lines []string
	mps := p.Host.SortedMountPoints()
	for _, mp := range mps {
		lines = append(lines, fmt.Sprintf("# mount-point %s uuid %s", mp.Path, mp.UUID))
	}
	for _, m := range p.Modules {
		lines = append(lines, "insmod "+m)
	}
	lines = append(lines, p.ActivationLines...)
	for _, mp := range mps {
		lines = append(lines, mountLine(mp))
	}
	lines = append(lines, fmt.Sprintf("switchroot /sysroot %s", initCmd))
	return strings.Join(lines, "\n") + "\n"
}
