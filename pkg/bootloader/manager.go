package bootloader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/bbki/internal/constants"
	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/kairos-io/bbki/pkg/bootentry"
	"github.com/kairos-io/bbki/pkg/layout"
	"github.com/kairos-io/bbki/pkg/topology"
	"github.com/twpayne/go-vfs/v4"
)

// Status of the installed bootloader.
type Status string

const (
	StatusNormal       Status = "NORMAL"
	StatusInvalid      Status = "INVALID"
	StatusNotInstalled Status = "NOT_INSTALLED"
)

// MBR boot code, the partition table that follows it is kept.
const mbrBootCodeSize = 440

const stableVar = "stable"

// Manager installs GRUB and regenerates its configuration.
type Manager struct {
	Layout   *layout.Layout
	Runner   utils.Runner
	Mounts   utils.MountLookup
	Registry *bootentry.Registry
	// Devices opens block device nodes. It stays the host filesystem when
	// Layout points at another root.
	Devices vfs.FS
}

func NewManager(l *layout.Layout, runner utils.Runner, mounts utils.MountLookup) *Manager {
	return &Manager{
		Layout:   l,
		Runner:   runner,
		Mounts:   mounts,
		Registry: bootentry.NewRegistry(l),
		Devices:  vfs.OSFS,
	}
}

// InstallOptions describe the devices GRUB is installed for and the menu it shows.
type InstallOptions struct {
	BootMode topology.BootMode
	// Arch is the machine the bootloader targets, x86_64 when empty
	Arch       string
	RootDev    string
	RootUUID   string
	ESPDev     string
	ESPUUID    string
	BootDisk   string
	BootDiskID string
	MainEntry  *bootentry.Entry
	AuxOS      []AuxOS
	Cmdline    string
	WaitTime   int
	// Force skips the mount checks and wipes an install that can not be parsed
	Force bool
}

// UpdateOptions change the menu of an installed bootloader. Nil fields keep their value.
type UpdateOptions struct {
	MainEntry *bootentry.Entry
	AuxOS     *[]AuxOS
	Cmdline   *string
	WaitTime  *int
}

// Load reads the installed configuration. The returned config is only set when the status is StatusNormal.
func (m *Manager) Load() (Status, *Config, error) {
	b, err := m.Layout.FS.ReadFile(layout.GrubConfigFile)
	if errors.Is(err, os.ErrNotExist) {
		if m.Layout.Exists(layout.GrubDir) || m.Layout.Exists(layout.GrubEFIDir) {
			return StatusInvalid, nil, fmt.Errorf("%s is missing", layout.GrubConfigFile)
		}
		return StatusNotInstalled, nil, nil
	}
	if err != nil {
		return StatusInvalid, nil, err
	}
	c, err := Parse(b)
	if err != nil {
		return StatusInvalid, nil, err
	}
	return StatusNormal, c, nil
}

func (m *Manager) Status() Status {
	s, _, err := m.Load()
	if err != nil {
		utils.Log.Debug().Err(err).Msg("bootloader config does not parse")
	}
	return s
}

// Install installs GRUB for opts and writes its configuration.
func (m *Manager) Install(ctx context.Context, opts InstallOptions) error {
	if err := m.install(ctx, opts); err != nil {
		return &bbkierr.BootloaderInstallError{Err: err}
	}
	return nil
}

func (m *Manager) install(ctx context.Context, opts InstallOptions) error {
	if opts.BootMode != topology.BootModeEFI && opts.BootMode != topology.BootModeBIOS {
		return fmt.Errorf("invalid boot mode %q", opts.BootMode)
	}
	if !opts.Force {
		if err := m.checkMounts(opts); err != nil {
			return err
		}
	}

	if err := m.checkEntries(opts.MainEntry); err != nil {
		return err
	}
	args, err := m.installArgs(opts)
	if err != nil {
		return err
	}

	status, current, err := m.Load()
	switch {
	case status == StatusInvalid && !opts.Force:
		return fmt.Errorf("existing bootloader is invalid, force is required to replace it: %w", err)
	case status == StatusInvalid:
		if err := m.remove(ctx, nil); err != nil {
			return err
		}
	case status == StatusNormal && !sameTarget(current, opts):
		utils.Log.Info().Msg("existing bootloader targets other devices, removing it")
		if err := m.remove(ctx, current); err != nil {
			return err
		}
	}

	utils.Log.Info().Str("mode", string(opts.BootMode)).Msg("installing grub")
	if out, err := m.Runner.Run(ctx, "grub-install", args...); err != nil {
		return fmt.Errorf("grub-install: %w: %s", err, out)
	}

	c := &Config{
		BootMode:   opts.BootMode,
		RootUUID:   opts.RootUUID,
		ESPUUID:    opts.ESPUUID,
		BootDiskID: opts.BootDiskID,
		AuxOS:      opts.AuxOS,
		Cmdline:    opts.Cmdline,
		WaitTime:   opts.WaitTime,
	}
	if opts.BootMode == topology.BootModeEFI {
		c.BootDiskID = ""
	} else {
		c.ESPUUID = ""
	}
	return m.write(c, opts.MainEntry)
}

// Update regenerates the configuration of an installed bootloader.
func (m *Manager) Update(ctx context.Context, opts UpdateOptions) error {
	status, c, err := m.Load()
	if status != StatusNormal {
		if err == nil {
			err = constants.ErrNotInstalled
		}
		return &bbkierr.BootloaderInstallError{Err: err}
	}
	main := opts.MainEntry
	if main == nil {
		if main, err = bootentry.NewFromPostfix(c.MainEntry, bootentry.Current); err != nil {
			return &bbkierr.BootloaderInstallError{Err: err}
		}
	}
	if opts.AuxOS != nil {
		c.AuxOS = *opts.AuxOS
	}
	if opts.Cmdline != nil {
		c.Cmdline = *opts.Cmdline
	}
	if opts.WaitTime != nil {
		c.WaitTime = *opts.WaitTime
	}
	if err := m.write(c, main); err != nil {
		return &bbkierr.BootloaderInstallError{Err: err}
	}
	return nil
}

func (m *Manager) checkEntries(main *bootentry.Entry) error {
	if main == nil {
		return constants.ErrNoMainEntry
	}
	if !m.Registry.Exists(main) || !m.Layout.Exists(main.Files().Initramfs) {
		return fmt.Errorf("%w: %s has no kernel or initramfs", constants.ErrNoMainEntry, main)
	}
	if m.Layout.HasRescue() && !m.Layout.RescueComplete() {
		return constants.ErrRescueIncomplete
	}
	return nil
}

// write refreshes the entries of c from the boot directory and writes grub.cfg.
func (m *Manager) write(c *Config, main *bootentry.Entry) error {
	if err := m.checkEntries(main); err != nil {
		return err
	}
	c.MainEntry = main.Postfix()
	c.Rescue = m.Layout.HasRescue()

	history, err := m.Registry.List(bootentry.History)
	if err != nil {
		return err
	}
	c.History = nil
	for i := len(history) - 1; i >= 0; i-- {
		if m.Layout.Exists(history[i].Files().Initramfs) {
			c.History = append(c.History, history[i].Postfix())
		}
	}

	b, err := Generate(c)
	if err != nil {
		return err
	}
	if err := m.Layout.EnsureDir(layout.GrubDir); err != nil {
		return err
	}
	utils.Log.Debug().Str("main", c.MainEntry).Int("history", len(c.History)).Msg("writing grub config")
	return m.Layout.FS.WriteFile(layout.GrubConfigFile, b, 0o644)
}

// Remove uninstalls GRUB. Without force an install that can not be parsed is left alone.
func (m *Manager) Remove(ctx context.Context, force bool) error {
	status, c, err := m.Load()
	switch status {
	case StatusNotInstalled:
		return nil
	case StatusInvalid:
		if !force {
			return &bbkierr.BootloaderInstallError{Err: err}
		}
	}
	if err := m.remove(ctx, c); err != nil {
		return &bbkierr.BootloaderInstallError{Err: err}
	}
	return nil
}

// remove wipes the boot code of c, if known, and every GRUB file.
func (m *Manager) remove(_ context.Context, c *Config) error {
	var result *multierror.Error
	if c != nil && c.BootMode == topology.BootModeBIOS && c.BootDiskID != "" {
		result = multierror.Append(result, m.wipeBootCode("/dev/disk/by-id/"+c.BootDiskID))
	}
	for _, d := range []string{layout.GrubDir, layout.GrubEFIDir} {
		result = multierror.Append(result, m.Layout.FS.RemoveAll(d))
	}
	return result.ErrorOrNil()
}

func (m *Manager) wipeBootCode(dev string) error {
	f, err := m.Devices.OpenFile(dev, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(make([]byte, mbrBootCodeSize), 0); err != nil {
		return fmt.Errorf("wiping boot code of %s: %w", dev, err)
	}
	return nil
}

func (m *Manager) checkMounts(opts InstallOptions) error {
	want := map[string]string{"/": opts.RootDev}
	if opts.BootMode == topology.BootModeEFI {
		want[layout.BootDir] = opts.ESPDev
	}
	for _, mp := range utils.SortedKeys(want) {
		info, err := m.Mounts.Lookup(mp)
		if err != nil {
			return err
		}
		switch {
		case info == nil:
			return &bbkierr.InvalidMountPoint{MountPoint: mp, Want: want[mp]}
		case info.Source != want[mp]:
			return &bbkierr.InvalidMountPoint{MountPoint: mp, Want: want[mp], Got: info.Source}
		}
	}
	return nil
}

func sameTarget(c *Config, opts InstallOptions) bool {
	if c.BootMode != opts.BootMode || c.RootUUID != opts.RootUUID {
		return false
	}
	if opts.BootMode == topology.BootModeEFI {
		return c.ESPUUID == opts.ESPUUID
	}
	return c.BootDiskID == opts.BootDiskID
}

func (m *Manager) installArgs(opts InstallOptions) ([]string, error) {
	boot, err := m.Layout.RawPath(layout.BootDir)
	if err != nil {
		return nil, err
	}
	target, err := grubTarget(opts.BootMode, opts.Arch)
	if err != nil {
		return nil, err
	}
	if opts.BootMode == topology.BootModeEFI {
		return []string{"--removable", "--no-nvram", "--target=" + target, "--efi-directory=" + boot, "--boot-directory=" + boot}, nil
	}
	if opts.BootDisk == "" {
		return nil, fmt.Errorf("bios boot mode requires a boot disk")
	}
	return []string{"--target=" + target, "--boot-directory=" + boot, opts.BootDisk}, nil
}

func grubTarget(mode topology.BootMode, arch string) (string, error) {
	switch {
	case mode == topology.BootModeBIOS && (arch == "" || arch == "x86_64" || arch == "i686"):
		return "i386-pc", nil
	case mode == topology.BootModeEFI && (arch == "" || arch == "x86_64"):
		return "x86_64-efi", nil
	case mode == topology.BootModeEFI && arch == "i686":
		return "i386-efi", nil
	case mode == topology.BootModeEFI && arch == "aarch64":
		return "arm64-efi", nil
	case mode == topology.BootModeEFI && arch == "riscv64":
		return "riscv64-efi", nil
	}
	return "", fmt.Errorf("no grub target for %s on %s", mode, arch)
}

// StableFlag reports whether the stable variable is set in the GRUB environment block.
func (m *Manager) StableFlag(ctx context.Context) (bool, error) {
	if m.Status() == StatusNotInstalled {
		return false, &bbkierr.BootloaderInstallError{Err: constants.ErrNotInstalled}
	}
	if !m.Layout.Exists(layout.GrubEnvFile) {
		return false, nil
	}
	env, err := m.Layout.RawPath(layout.GrubEnvFile)
	if err != nil {
		return false, err
	}
	out, err := m.Runner.Run(ctx, "grub-editenv", env, "list")
	if err != nil {
		return false, fmt.Errorf("grub-editenv list: %w", err)
	}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok && k == stableVar {
			return v != "", nil
		}
	}
	return false, nil
}

// SetStableFlag sets or clears the stable variable.
func (m *Manager) SetStableFlag(ctx context.Context, stable bool) error {
	if m.Status() == StatusNotInstalled {
		return &bbkierr.BootloaderInstallError{Err: constants.ErrNotInstalled}
	}
	env, err := m.Layout.RawPath(layout.GrubEnvFile)
	if err != nil {
		return err
	}
	args := []string{env, "unset", stableVar}
	if stable {
		args = []string{env, "set", stableVar + "=1"}
	}
	if out, err := m.Runner.Run(ctx, "grub-editenv", args...); err != nil {
		return fmt.Errorf("grub-editenv %s: %w: %s", args[1], err, out)
	}
	return nil
}
