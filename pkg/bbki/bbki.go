// Package bbki coordinates the boot stack of a host: kernel builds, the
// initramfs, the bootloader and the cleanup of what they leave behind.
package bbki

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/bbki/internal/constants"
	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/kairos-io/bbki/pkg/bootentry"
	"github.com/kairos-io/bbki/pkg/bootloader"
	"github.com/kairos-io/bbki/pkg/config"
	"github.com/kairos-io/bbki/pkg/distfiles"
	"github.com/kairos-io/bbki/pkg/executor"
	"github.com/kairos-io/bbki/pkg/initramfs"
	"github.com/kairos-io/bbki/pkg/kernel"
	"github.com/kairos-io/bbki/pkg/layout"
	"github.com/kairos-io/bbki/pkg/repo"
	"github.com/kairos-io/bbki/pkg/topology"
	"github.com/twpayne/go-vfs/v4"
)

// Options are the process level settings. Directories are paths inside the managed root.
type Options struct {
	ConfigDir      string
	RepoDir        string
	DistfilesDir   string
	TmpDir         string
	HelperDir      string
	ResourcesDir   string
	RulesDir       string
	RulesProcessor string
	// Arch overrides the machine of the running kernel
	Arch          string
	RequiredTools []string
}

func DefaultOptions() Options {
	return Options{
		ConfigDir:      constants.DefaultConfigDir,
		RepoDir:        constants.DefaultRepoDir,
		DistfilesDir:   constants.DefaultDistfilesDir,
		TmpDir:         constants.DefaultTmpDir,
		HelperDir:      constants.DefaultHelperDir,
		ResourcesDir:   constants.DefaultResourcesDir,
		RulesDir:       constants.DefaultRulesDir,
		RulesProcessor: constants.DefaultRulesProcessor,
		RequiredTools:  constants.DefaultRequiredTools(),
	}
}

// Bbki is the boot stack of one root filesystem.
type Bbki struct {
	FS      vfs.FS
	Options Options
	Config  *config.Config
	Layout  *layout.Layout
	Runner  utils.Runner
	Mounts  utils.MountLookup

	Repo       *repo.Repo
	Cache      *distfiles.Cache
	Executor   *executor.Executor
	Registry   *bootentry.Registry
	Bootloader *bootloader.Manager
	Scope      *BootScope
	Rules      kernel.RulesProcessor
	// Index overrides the module index used for initramfs planning
	Index initramfs.ModuleIndex
	// LookPath finds external tools, exec.LookPath by default
	LookPath func(string) (string, error)
}

// Atoms are the recipes the configuration resolves to.
type Atoms struct {
	Kernel    *repo.Atom
	Addons    []*repo.Atom
	Initramfs *repo.Atom
}

func (a Atoms) All() []*repo.Atom {
	out := append([]*repo.Atom{a.Kernel}, a.Addons...)
	if a.Initramfs != nil {
		out = append(out, a.Initramfs)
	}
	return out
}

// BootloaderOptions are the bootloader settings that do not come from the configuration.
type BootloaderOptions struct {
	AuxOS []bootloader.AuxOS
	Force bool
}

func New(fs vfs.FS, opts Options, runner utils.Runner, mounts utils.MountLookup) (*Bbki, error) {
	cfg, err := config.Load(fs, opts.ConfigDir)
	if err != nil {
		return nil, err
	}
	l := layout.New(fs)
	reg := bootentry.NewRegistry(l)
	arch := opts.Arch
	if arch == "" {
		if _, arch, err = reg.Uname(); err != nil {
			return nil, &bbkierr.RunningEnvironmentError{What: "uname", Err: err}
		}
	}
	bootDir, err := l.RawPath(layout.BootDir)
	if err != nil {
		return nil, err
	}

	cache := distfiles.New(fs, opts.DistfilesDir, runner)
	ex := executor.New(l, cache, runner, opts.TmpDir, arch)
	ex.HelperDir = opts.HelperDir
	ex.MakeOpts = cfg.MakeOpts

	bl := bootloader.NewManager(l, runner, mounts)
	bl.Registry = reg

	return &Bbki{
		FS:         fs,
		Options:    opts,
		Config:     cfg,
		Layout:     l,
		Runner:     runner,
		Mounts:     mounts,
		Repo:       repo.New(fs, opts.RepoDir, runner),
		Cache:      cache,
		Executor:   ex,
		Registry:   reg,
		Bootloader: bl,
		Scope:      NewBootScope(bootDir, cfg.RemountBootRW),
		Rules:      kernel.CmdRulesProcessor{FS: fs, Runner: runner, Command: opts.RulesProcessor},
		LookPath:   exec.LookPath,
	}, nil
}

// CheckEnv reports every missing directory and external tool at once.
func (b *Bbki) CheckEnv() error {
	var result *multierror.Error
	dirs := []string{b.Options.ConfigDir, b.Options.RepoDir, b.Options.HelperDir, b.Options.ResourcesDir, b.Options.RulesDir, layout.BootDir}
	for _, d := range dirs {
		if !b.Layout.IsDir(d) {
			result = multierror.Append(result, fmt.Errorf("directory %s does not exist", d))
		}
	}
	tools := append(append([]string{}, b.Options.RequiredTools...), b.Options.RulesProcessor)
	for _, t := range utils.UniqueSlice(utils.CleanupSlice(tools)) {
		if _, err := b.LookPath(t); err != nil {
			result = multierror.Append(result, fmt.Errorf("tool %s: %w", t, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return &bbkierr.RunningEnvironmentError{What: "check-env", Err: err}
	}
	return nil
}

// CurrentEntry returns the entry of the running kernel, nil if it is not installed.
func (b *Bbki) CurrentEntry() (*bootentry.Entry, error) {
	e, err := b.Registry.Running()
	if errors.Is(err, bootentry.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// PendingEntry returns the newest entry in /boot, the one the next boot uses. Nil if there is none.
func (b *Bbki) PendingEntry() (*bootentry.Entry, error) {
	current, err := b.Registry.List(bootentry.Current)
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		return nil, nil
	}
	return current[len(current)-1], nil
}

// ResolveAtoms picks the newest unmasked atoms the configuration names.
func (b *Bbki) ResolveAtoms() (Atoms, error) {
	c := b.Config
	if c.KernelType == "" {
		return Atoms{}, &bbkierr.ConfigError{File: config.KernelFile, Err: fmt.Errorf("no kernel configured")}
	}
	var atoms Atoms
	var err error
	if atoms.Kernel, err = b.Repo.Latest(c.KernelType, repo.CategoryKernel, c.KernelName, c.Masks); err != nil {
		return Atoms{}, err
	}
	for _, name := range c.Addons {
		a, err := b.Repo.Latest(c.KernelType, repo.CategoryKernelAddon, name, c.Masks)
		if err != nil {
			return Atoms{}, err
		}
		atoms.Addons = append(atoms.Addons, a)
	}
	if c.InitramfsAtom != "" {
		if atoms.Initramfs, err = b.Repo.Latest(c.KernelType, repo.CategoryInitramfs, c.InitramfsAtom, c.Masks); err != nil {
			return Atoms{}, err
		}
	}
	return atoms, nil
}

// Fetch makes the sources of a available in the distfiles cache.
func (b *Bbki) Fetch(ctx context.Context, a *repo.Atom) error {
	utils.Log.Info().Str("atom", a.String()).Msg("fetching")
	return b.Executor.RunPhase(ctx, a, repo.PhaseFetch, executor.Env{})
}

// KernelPipeline prepares the installation of atoms without running it.
func (b *Bbki) KernelPipeline(atoms Atoms) (*kernel.Pipeline, error) {
	p, err := kernel.New(b.Executor, b.Registry, b.Rules, b.Scope, atoms.Kernel, atoms.Addons, atoms.Initramfs)
	if err != nil {
		return nil, err
	}
	p.RulesDir = b.Options.RulesDir
	return p, nil
}

// InstallKernel builds and installs the kernel of atoms as the new current entry.
func (b *Bbki) InstallKernel(ctx context.Context, atoms Atoms) (*bootentry.Entry, error) {
	p, err := b.KernelPipeline(atoms)
	if err != nil {
		return nil, err
	}
	defer func() {
		utils.LogIfError(p.Dispose(ctx), "disposing kernel workspaces")
	}()
	if err := p.Run(ctx); err != nil {
		return nil, err
	}
	utils.Log.Info().Str("entry", p.Entry().Postfix()).Msg("kernel installed")
	return p.Entry(), nil
}

// InstallInitramfs builds the initramfs of the pending entry for host.
func (b *Bbki) InstallInitramfs(ctx context.Context, host *topology.Host) error {
	e, err := b.PendingEntry()
	if err != nil {
		return &bbkierr.InitramfsInstallError{Err: err}
	}
	if e == nil {
		return &bbkierr.InitramfsInstallError{Err: constants.ErrNoMainEntry}
	}
	builder := &initramfs.Builder{
		Layout:       b.Layout,
		Runner:       b.Runner,
		Index:        b.Index,
		ResourcesDir: b.Options.ResourcesDir,
		TmpDir:       b.Options.TmpDir,
		InitCmd:      b.Config.InitCmd(),
	}
	if builder.Index == nil && b.isRunning(e) {
		idx, err := initramfs.NewKmodIndex(b.FS, e.Files().ModulesDir)
		if err == nil {
			builder.Index = idx
		} else {
			utils.Log.Debug().Err(err).Msg("kernel module index unavailable, reading modules.dep")
		}
	}
	plan, err := builder.Plan(ctx, e, host)
	if err != nil {
		return err
	}
	return b.Scope.Do(ctx, func() error {
		if err := builder.Apply(ctx, plan); err != nil {
			return err
		}
		return b.runInitramfsInstall(ctx, e)
	})
}

// runInitramfsInstall gives the configured initramfs atom a chance to add to the installed image.
func (b *Bbki) runInitramfsInstall(ctx context.Context, e *bootentry.Entry) error {
	if b.Config.InitramfsAtom == "" {
		return nil
	}
	a, err := b.Repo.Latest(b.Config.KernelType, repo.CategoryInitramfs, b.Config.InitramfsAtom, b.Config.Masks)
	if err != nil {
		return &bbkierr.InitramfsInstallError{Err: err}
	}
	if _, err := b.Executor.Prepare(a); err != nil {
		return &bbkierr.InitramfsInstallError{Err: err}
	}
	defer func() {
		utils.LogIfError(b.Executor.Dispose(a), "disposing initramfs workspace")
	}()
	env := executor.Env{
		KVer:             e.Verstr,
		KernelModulesDir: e.Files().ModulesDir,
		FirmwareDir:      layout.FirmwareDir,
		Entry:            e,
	}
	if err := b.Executor.RunPhase(ctx, a, repo.PhaseInitramfsInstall, env); err != nil {
		return &bbkierr.InitramfsInstallError{Err: err}
	}
	return nil
}

// isRunning reports whether e is the kernel running on this very root, whose module index kmod can read.
func (b *Bbki) isRunning(e *bootentry.Entry) bool {
	root, err := b.Layout.Root()
	if err != nil || root != "/" {
		return false
	}
	running, err := b.CurrentEntry()
	return err == nil && running != nil && running.Equal(e)
}

func (b *Bbki) bootloaderOptions(host *topology.Host, opts BootloaderOptions) (bootloader.InstallOptions, error) {
	if err := host.Validate(host.BootMode == topology.BootModeEFI); err != nil {
		return bootloader.InstallOptions{}, err
	}
	e, err := b.PendingEntry()
	if err != nil {
		return bootloader.InstallOptions{}, err
	}
	root := host.Root()
	if root == nil {
		return bootloader.InstallOptions{}, fmt.Errorf("no / mount point")
	}
	out := bootloader.InstallOptions{
		BootMode:   host.BootMode,
		Arch:       b.Executor.Arch,
		RootDev:    root.Dev,
		RootUUID:   root.UUID,
		BootDisk:   host.BootDisk,
		BootDiskID: host.BootDiskID,
		MainEntry:  e,
		AuxOS:      opts.AuxOS,
		Cmdline:    b.Config.InitCmdline,
		WaitTime:   b.Config.WaitTime,
		Force:      opts.Force,
	}
	if boot := host.Boot(); boot != nil && host.BootMode == topology.BootModeEFI {
		out.ESPDev, out.ESPUUID = boot.Dev, boot.UUID
	}
	return out, nil
}

// InstallBootloader installs GRUB for host with the pending entry as main entry.
func (b *Bbki) InstallBootloader(ctx context.Context, host *topology.Host, opts BootloaderOptions) error {
	install, err := b.bootloaderOptions(host, opts)
	if err != nil {
		return &bbkierr.BootloaderInstallError{Err: err}
	}
	return b.Scope.Do(ctx, func() error {
		return b.Bootloader.Install(ctx, install)
	})
}

// UpdateBootloader regenerates grub.cfg for the pending entry and the current configuration.
// A nil aux keeps the chainloaded systems already listed.
func (b *Bbki) UpdateBootloader(ctx context.Context, aux *[]bootloader.AuxOS) error {
	e, err := b.PendingEntry()
	if err != nil {
		return &bbkierr.BootloaderInstallError{Err: err}
	}
	opts := bootloader.UpdateOptions{
		MainEntry: e,
		AuxOS:     aux,
		Cmdline:   &b.Config.InitCmdline,
		WaitTime:  &b.Config.WaitTime,
	}
	return b.Scope.Do(ctx, func() error {
		return b.Bootloader.Update(ctx, opts)
	})
}

func (b *Bbki) StableFlag(ctx context.Context) (bool, error) {
	return b.Bootloader.StableFlag(ctx)
}

func (b *Bbki) SetStableFlag(ctx context.Context, stable bool) error {
	return b.Scope.Do(ctx, func() error {
		return b.Bootloader.SetStableFlag(ctx, stable)
	})
}
