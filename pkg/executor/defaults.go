package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"github.com/kairos-io/bbki/internal/constants"
	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/kairos-io/bbki/pkg/distfiles"
	"github.com/kairos-io/bbki/pkg/repo"
)

var archiveSuffixes = []string{".tar", ".tar.gz", ".tgz", ".tar.bz2", ".tbz2", ".tar.xz", ".txz", ".tar.zst"}

func isArchive(name string) bool {
	for _, s := range archiveSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// KernelArch maps a machine architecture to the kernel's arch directory and image name.
func KernelArch(machine string) (string, string) {
	switch machine {
	case "x86_64", "i686":
		return "x86", "bzImage"
	case "aarch64":
		return "arm64", "Image"
	case "riscv64":
		return "riscv", "Image"
	case "ppc64le":
		return "powerpc", "zImage"
	case "arm":
		return "arm", "zImage"
	}
	return machine, "bzImage"
}

func (e *Executor) defaultPhase(ctx context.Context, a *repo.Atom, r *repo.Recipe, phase string, env Env) error {
	var err error
	switch phase {
	case repo.PhaseFetch:
		// fetch errors are already typed
		return e.defaultFetch(ctx, r)
	case repo.PhaseSrcUnpack:
		err = e.defaultUnpack(ctx, a, r)
	case repo.PhaseKernelBuild:
		err = e.defaultKernelBuild(ctx, a, env)
	case repo.PhaseKernelInstall:
		err = e.defaultKernelInstall(ctx, a, env)
	default:
		return nil
	}
	if err != nil {
		return &bbkierr.RecipePhaseFailed{Atom: a.String(), Phase: phase, Err: err}
	}
	return nil
}

func (e *Executor) defaultFetch(ctx context.Context, r *repo.Recipe) error {
	srcs, err := r.Sources()
	if err != nil {
		return err
	}
	for _, s := range srcs {
		if s.Method == distfiles.Custom {
			return constants.ErrCustomFetch
		}
		if err := e.Cache.Ensure(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) defaultUnpack(ctx context.Context, a *repo.Atom, r *repo.Recipe) error {
	srcs, err := r.Sources()
	if err != nil {
		return err
	}
	work := e.Workspace(a).Work
	rawWork, err := e.FS.RawPath(work)
	if err != nil {
		return err
	}
	for _, s := range srcs {
		p := e.Cache.PathOf(s)
		raw, err := e.FS.RawPath(p)
		if err != nil {
			return err
		}
		switch {
		case s.Method == distfiles.Git:
			_, err = e.Runner.Run(ctx, "cp", "-a", raw, filepath.Join(rawWork, filepath.Base(raw)))
		case isArchive(s.LocalName):
			_, err = e.Runner.Run(ctx, "tar", "-xf", raw, "-C", rawWork)
		default:
			err = e.Layout.CopyFile(p, filepath.Join(work, filepath.Base(p)))
		}
		if err != nil {
			return fmt.Errorf("unpacking %s: %w", s.LocalName, err)
		}
	}
	return nil
}

func (e *Executor) makeArgs(kdir string, targets ...string) ([]string, error) {
	opts, err := shlex.Split(e.MakeOpts)
	if err != nil {
		return nil, fmt.Errorf("parsing MAKEOPTS: %w", err)
	}
	args := append([]string{"-C", kdir}, opts...)
	return append(args, targets...), nil
}

func (e *Executor) kernelDir(a *repo.Atom, env Env) (string, error) {
	dir := env.KernelDir
	if dir == "" {
		dir = e.SourceDir(a)
	}
	return e.FS.RawPath(dir)
}

func (e *Executor) defaultKernelBuild(ctx context.Context, a *repo.Atom, env Env) error {
	kdir, err := e.kernelDir(a, env)
	if err != nil {
		return err
	}
	for _, targets := range [][]string{nil, {"modules"}} {
		args, err := e.makeArgs(kdir, targets...)
		if err != nil {
			return err
		}
		if _, err := e.Runner.Run(ctx, "make", args...); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) defaultKernelInstall(ctx context.Context, a *repo.Atom, env Env) error {
	if env.Entry == nil {
		return fmt.Errorf("no boot entry to install into")
	}
	kdir := env.KernelDir
	if kdir == "" {
		kdir = e.SourceDir(a)
	}
	karch, image := KernelArch(e.Arch)
	files := env.Entry.Files()
	if err := e.Layout.CopyFile(filepath.Join(kdir, "arch", karch, "boot", image), files.Kernel); err != nil {
		return err
	}
	if err := e.Layout.CopyFile(filepath.Join(kdir, ".config"), files.KernelConfig); err != nil {
		return err
	}

	rawKdir, err := e.FS.RawPath(kdir)
	if err != nil {
		return err
	}
	root, err := e.Layout.Root()
	if err != nil {
		return err
	}
	args, err := e.makeArgs(rawKdir, "modules_install", "INSTALL_MOD_PATH="+root)
	if err != nil {
		return err
	}
	_, err = e.Runner.Run(ctx, "make", args...)
	if err == nil {
		utils.Log.Info().Str("entry", env.Entry.Postfix()).Msg("kernel installed")
	}
	return err
}
