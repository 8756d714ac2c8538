// Package kernel drives a kernel atom, its add-ons and the initramfs atom from
// source to an installed boot entry.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/bbki/internal/constants"
	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/kairos-io/bbki/pkg/bootentry"
	"github.com/kairos-io/bbki/pkg/executor"
	"github.com/kairos-io/bbki/pkg/kconfig"
	"github.com/kairos-io/bbki/pkg/layout"
	"github.com/kairos-io/bbki/pkg/repo"
	"github.com/spectrocloud-labs/herd"
)

type State string

const (
	Init       State = "init"
	Unpacked   State = "unpacked"
	Patched    State = "patched"
	Configured State = "configured"
	Built      State = "built"
	Installed  State = "installed"
)

// WriteScope guards writes below /boot. Enter and Exit nest.
type WriteScope interface {
	Enter(ctx context.Context) error
	Exit(ctx context.Context) error
}

// Pipeline is the state machine of one kernel installation.
type Pipeline struct {
	Executor *executor.Executor
	Registry *bootentry.Registry
	Rules    RulesProcessor
	// RulesDir holds the bundled rules files
	RulesDir string
	Scope    WriteScope

	Kernel    *repo.Atom
	Addons    []*repo.Atom
	Initramfs *repo.Atom

	state State
	err   error
	entry *bootentry.Entry
}

func New(ex *executor.Executor, reg *bootentry.Registry, rules RulesProcessor, scope WriteScope, kernel *repo.Atom, addons []*repo.Atom, initramfs *repo.Atom) (*Pipeline, error) {
	entry, err := bootentry.New(ex.Arch, kernel.Ver(), bootentry.Current)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		Executor:  ex,
		Registry:  reg,
		Rules:     rules,
		Scope:     scope,
		Kernel:    kernel,
		Addons:    addons,
		Initramfs: initramfs,
		state:     Init,
		entry:     entry,
	}, nil
}

func (p *Pipeline) State() State {
	return p.state
}

// Entry is the boot entry the pipeline installs
func (p *Pipeline) Entry() *bootentry.Entry {
	return p.entry
}

func (p *Pipeline) atoms() []*repo.Atom {
	out := append([]*repo.Atom{p.Kernel}, p.Addons...)
	if p.Initramfs != nil {
		out = append(out, p.Initramfs)
	}
	return out
}

// KernelDir is the unpacked kernel tree.
func (p *Pipeline) KernelDir() string {
	return p.Executor.SourceDir(p.Kernel)
}

// RulesFile is where the assembled rules are written before being installed with the entry.
func (p *Pipeline) RulesFile() string {
	return filepath.Join(p.Executor.Workspace(p.Kernel).Temp, "config.rules")
}

func (p *Pipeline) env() executor.Env {
	kdir := p.KernelDir()
	return executor.Env{
		KVer:             p.entry.Verstr,
		KernelDir:        kdir,
		KernelConfigFile: filepath.Join(kdir, ".config"),
		KernelModulesDir: layout.ModulesDir(p.entry.Verstr),
		FirmwareDir:      layout.FirmwareDir,
		Entry:            p.entry,
	}
}

// Graph registers one op per transition, each depending on its predecessor.
func (p *Pipeline) Graph() (*herd.Graph, error) {
	g := herd.DAG()
	var result *multierror.Error
	result = multierror.Append(result, g.Add(constants.OpUnpack,
		herd.WithCallback(p.step(constants.OpUnpack, Init, Unpacked, p.unpack))))
	result = multierror.Append(result, g.Add(constants.OpPatch,
		herd.WithDeps(constants.OpUnpack),
		herd.WithCallback(p.step(constants.OpPatch, Unpacked, Patched, p.patch))))
	result = multierror.Append(result, g.Add(constants.OpConfigure,
		herd.WithDeps(constants.OpPatch),
		herd.WithCallback(p.step(constants.OpConfigure, Patched, Configured, p.configure))))
	result = multierror.Append(result, g.Add(constants.OpBuild,
		herd.WithDeps(constants.OpConfigure),
		herd.WithCallback(p.step(constants.OpBuild, Configured, Built, p.build))))
	result = multierror.Append(result, g.Add(constants.OpInstall,
		herd.WithDeps(constants.OpBuild),
		herd.WithCallback(p.step(constants.OpInstall, Built, Installed, p.install))))
	return g, result.ErrorOrNil()
}

// step guards a transition: it only runs from the expected state and
// records the first failure as a KernelBuildError.
func (p *Pipeline) step(op string, from, to State, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if p.err != nil {
			return p.err
		}
		if p.state != from {
			return fmt.Errorf("%s: pipeline is %s, expected %s", op, p.state, from)
		}
		if err := fn(ctx); err != nil {
			atom := p.Kernel.String()
			var phaseErr *bbkierr.RecipePhaseFailed
			if errors.As(err, &phaseErr) {
				atom = phaseErr.Atom
			}
			p.err = &bbkierr.KernelBuildError{Phase: op, Atom: atom, State: string(p.state), Err: err}
			return p.err
		}
		p.state = to
		utils.Log.Info().Str("kernel", p.Kernel.String()).Str("state", string(to)).Msg("kernel pipeline")
		return nil
	}
}

// Run executes the remaining transitions. On failure the state stays at the last completed one.
func (p *Pipeline) Run(ctx context.Context) error {
	g, err := p.Graph()
	if err != nil {
		return err
	}
	utils.Log.Debug().Msg(WriteDAG(g))
	err = g.Run(ctx)
	utils.Log.Debug().Msg(WriteDAG(g))
	if p.err != nil {
		return p.err
	}
	return err
}

func (p *Pipeline) unpack(ctx context.Context) error {
	for _, a := range p.atoms() {
		if _, err := p.Executor.Prepare(a); err != nil {
			return err
		}
		if err := p.Executor.RunPhase(ctx, a, repo.PhaseSrcUnpack, executor.Env{}); err != nil {
			return err
		}
		if err := p.Executor.RunPhase(ctx, a, repo.PhaseSrcPrepare, executor.Env{}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) patch(ctx context.Context) error {
	env := executor.Env{KernelDir: p.KernelDir(), KVer: p.entry.Verstr}
	for _, a := range p.Addons {
		if err := p.Executor.RunPhase(ctx, a, repo.PhaseKernelAddonPatchKernel, env); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) configure(ctx context.Context) error {
	l := p.Executor.Layout
	blocks, err := BundledRules(l, p.RulesDir)
	if err != nil {
		return err
	}
	env := executor.Env{KernelDir: p.KernelDir(), KVer: p.entry.Verstr}
	for _, a := range p.Addons {
		out, err := p.Executor.Capture(ctx, a, repo.PhaseKernelAddonContributeConfig, env)
		if err != nil {
			return err
		}
		blocks = append(blocks, RulesBlock{Name: "kernel-addon " + a.Name, Content: out})
	}
	if p.Initramfs != nil {
		out, err := p.Executor.Capture(ctx, p.Initramfs, repo.PhaseInitramfsContributeConfig, env)
		if err != nil {
			return err
		}
		blocks = append(blocks, RulesBlock{Name: "initramfs " + p.Initramfs.Name, Content: out})
	}

	rules := p.RulesFile()
	if err := l.EnsureDir(filepath.Dir(rules)); err != nil {
		return err
	}
	if err := l.FS.WriteFile(rules, []byte(AssembleRules(blocks)), 0o644); err != nil {
		return err
	}

	kdir := p.KernelDir()
	if err := p.Rules.Apply(ctx, rules, kdir); err != nil {
		return fmt.Errorf("applying kernel config rules: %w", err)
	}
	rawKdir, err := l.RawPath(kdir)
	if err != nil {
		return err
	}
	if _, err := p.Executor.Runner.Run(ctx, "make", "-C", rawKdir, "olddefconfig"); err != nil {
		return err
	}
	cfg, err := kconfig.Load(l.FS, filepath.Join(kdir, ".config"))
	if err != nil {
		return err
	}
	return cfg.Require(kconfig.InitramfsRequirements())
}

func (p *Pipeline) build(ctx context.Context) error {
	env := p.env()
	if err := p.Executor.RunPhase(ctx, p.Kernel, repo.PhaseKernelBuild, env); err != nil {
		return err
	}
	for _, a := range p.Addons {
		if err := p.Executor.RunPhase(ctx, a, repo.PhaseKernelAddonBuild, env); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) install(ctx context.Context) (err error) {
	if err := p.Scope.Enter(ctx); err != nil {
		return err
	}
	defer func() {
		if exitErr := p.Scope.Exit(ctx); exitErr != nil {
			err = multierror.Append(err, exitErr).ErrorOrNil()
		}
	}()

	env := p.env()
	if err := p.Executor.RunPhase(ctx, p.Kernel, repo.PhaseKernelInstall, env); err != nil {
		return err
	}
	if err := p.Executor.Layout.CopyFile(p.RulesFile(), p.entry.Files().KernelConfigRules); err != nil {
		return err
	}
	for _, a := range p.Addons {
		if err := p.Executor.RunPhase(ctx, a, repo.PhaseKernelAddonInstall, env); err != nil {
			return err
		}
	}

	current, err := p.Registry.List(bootentry.Current)
	if err != nil {
		return err
	}
	for _, e := range current {
		if e.Equal(p.entry) {
			continue
		}
		if _, err := p.Registry.MoveToHistory(e); err != nil {
			return err
		}
	}
	return nil
}

// Dispose runs the cleanup phases and removes every workspace.
func (p *Pipeline) Dispose(ctx context.Context) error {
	var errs error
	env := p.env()
	if err := p.Executor.RunPhase(ctx, p.Kernel, repo.PhaseKernelCleanup, env); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, a := range p.Addons {
		if err := p.Executor.RunPhase(ctx, a, repo.PhaseKernelAddonCleanup, env); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, a := range p.atoms() {
		if err := p.Executor.Dispose(a); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// WriteDAG renders the graph layer by layer.
func WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s)\n", op.Name, op.Error.Error())
			} else {
				out += fmt.Sprintf(" <%s>\n", op.Name)
			}
		}
	}
	return
}
