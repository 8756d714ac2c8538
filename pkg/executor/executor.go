package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/kairos-io/bbki/pkg/bootentry"
	"github.com/kairos-io/bbki/pkg/distfiles"
	"github.com/kairos-io/bbki/pkg/layout"
	"github.com/kairos-io/bbki/pkg/repo"
	"github.com/twpayne/go-vfs/v4"
)

// Env carries the phase specific part of the environment. Paths are virtual,
// they are converted to host paths before reaching the shell.
type Env struct {
	KVer             string
	KernelDir        string
	KernelConfigFile string
	KernelModulesDir string
	FirmwareDir      string
	// Entry is the boot entry the kernel_install default phase writes to
	Entry *bootentry.Entry
}

// Workspace is the scratch area of one atom.
type Workspace struct {
	Root string
	Temp string
	Work string
}

// Executor runs recipe phases, falling back to built-in defaults for phases a recipe does not define.
type Executor struct {
	FS        vfs.FS
	Layout    *layout.Layout
	TmpRoot   string
	Arch      string
	HelperDir string
	MakeOpts  string
	Cache     *distfiles.Cache
	Runner    utils.Runner
	Shell     PhaseRunner
}

func New(l *layout.Layout, cache *distfiles.Cache, runner utils.Runner, tmpRoot, arch string) *Executor {
	return &Executor{
		FS:      l.FS,
		Layout:  l,
		TmpRoot: tmpRoot,
		Arch:    arch,
		Cache:   cache,
		Runner:  runner,
		Shell:   ShellRunner{},
	}
}

func (e *Executor) Workspace(a *repo.Atom) Workspace {
	root := filepath.Join(e.TmpRoot, string(a.Category), a.Name)
	return Workspace{
		Root: root,
		Temp: filepath.Join(root, "temp"),
		Work: filepath.Join(root, "work"),
	}
}

// Prepare recreates an empty workspace for a.
func (e *Executor) Prepare(a *repo.Atom) (Workspace, error) {
	ws := e.Workspace(a)
	if err := e.FS.RemoveAll(ws.Root); err != nil {
		return ws, err
	}
	for _, d := range []string{ws.Temp, ws.Work} {
		if err := vfs.MkdirAll(e.FS, d, 0o755); err != nil {
			return ws, err
		}
	}
	return ws, nil
}

// Dispose removes the workspace of a.
func (e *Executor) Dispose(a *repo.Atom) error {
	return e.FS.RemoveAll(e.Workspace(a).Root)
}

// SourceDir is the unpacked tree of a: the only directory inside the work
// directory, or the work directory itself.
func (e *Executor) SourceDir(a *repo.Atom) string {
	work := e.Workspace(a).Work
	entries, err := e.FS.ReadDir(work)
	if err != nil {
		return work
	}
	var dirs []string
	for _, d := range entries {
		if d.IsDir() {
			dirs = append(dirs, d.Name())
		}
	}
	if len(dirs) == 1 && len(entries) == 1 {
		return filepath.Join(work, dirs[0])
	}
	return work
}

// RunPhase runs phase for a. The recipe's own function wins over the default.
func (e *Executor) RunPhase(ctx context.Context, a *repo.Atom, phase string, env Env) error {
	_, err := e.run(ctx, a, phase, env)
	return err
}

// Capture runs phase for a and returns its standard output. A phase the
// recipe does not define yields nothing.
func (e *Executor) Capture(ctx context.Context, a *repo.Atom, phase string, env Env) (string, error) {
	r, err := a.Recipe(ctx)
	if err != nil {
		return "", err
	}
	if !r.HasPhase(phase) {
		return "", nil
	}
	return e.run(ctx, a, phase, env)
}

func (e *Executor) run(ctx context.Context, a *repo.Atom, phase string, env Env) (string, error) {
	r, err := a.Recipe(ctx)
	if err != nil {
		return "", err
	}
	if !r.HasPhase(phase) {
		utils.Log.Debug().Str("atom", a.String()).Str("phase", phase).Msg("running default phase")
		return "", e.defaultPhase(ctx, a, r, phase, env)
	}

	vars, err := e.environ(a, r, phase, env)
	if err != nil {
		return "", err
	}
	recipeFile, err := e.FS.RawPath(a.File)
	if err != nil {
		return "", err
	}
	// the fetch phase runs before the pipeline prepares the workspace
	ws := e.Workspace(a)
	if err := vfs.MkdirAll(e.FS, ws.Work, 0o755); err != nil {
		return "", err
	}
	if phase == repo.PhaseFetch {
		if err := vfs.MkdirAll(e.FS, e.DistDir(a, r), 0o755); err != nil {
			return "", err
		}
	}
	work, err := e.FS.RawPath(ws.Work)
	if err != nil {
		return "", err
	}
	utils.Log.Info().Str("atom", a.String()).Str("phase", phase).Msg("running phase")
	stdout, stderr, err := e.Shell.RunPhase(ctx, PhaseCommand{
		Dir:    work,
		Env:    vars,
		Recipe: recipeFile,
		Phase:  phase,
	})
	if err != nil {
		return stdout, &bbkierr.RecipePhaseFailed{Atom: a.String(), Phase: phase, Stderr: stderr, Err: err}
	}
	return stdout, nil
}

// DistDir is where the sources of a live: the shared cache, or a directory
// of its own when the recipe fetches them itself.
func (e *Executor) DistDir(a *repo.Atom, r *repo.Recipe) string {
	if r.HasPhase(repo.PhaseFetch) {
		return e.Cache.PathOf(distfiles.CustomSource(a.ShortName()))
	}
	return e.Cache.Dir
}

// environ builds the environment prelude of a phase.
func (e *Executor) environ(a *repo.Atom, r *repo.Recipe, phase string, env Env) ([]string, error) {
	ws := e.Workspace(a)
	vars := map[string]string{
		"P":        a.ShortName(),
		"PN":       a.Name,
		"PV":       a.Version.String(),
		"ARCH":     e.Arch,
		"MAKEOPTS": e.MakeOpts,
		"KVER":     env.KVer,
	}
	paths := map[string]string{
		"FILESDIR":           a.FilesDir(),
		"WORKDIR":            ws.Work,
		"T":                  ws.Temp,
		"KERNEL_DIR":         env.KernelDir,
		"KERNEL_CONFIG_FILE": env.KernelConfigFile,
		"KERNEL_MODULES_DIR": env.KernelModulesDir,
		"FIRMWARE_DIR":       env.FirmwareDir,
		"DISTDIR":            e.DistDir(a, r),
	}
	for k, p := range paths {
		if p == "" {
			continue
		}
		raw, err := e.FS.RawPath(p)
		if err != nil {
			return nil, err
		}
		vars[k] = raw
	}

	if phase != repo.PhaseFetch {
		srcs, err := r.Sources()
		if err != nil {
			return nil, err
		}
		var files []string
		for _, s := range srcs {
			if s.Method == distfiles.Custom {
				continue
			}
			raw, err := e.FS.RawPath(e.Cache.PathOf(s))
			if err != nil {
				return nil, err
			}
			files = append(files, raw)
		}
		vars["A"] = strings.Join(files, " ")
	}

	path := os.Getenv("PATH")
	if e.HelperDir != "" {
		path = e.HelperDir + ":" + path
	}
	vars["PATH"] = path

	out := make([]string, 0, len(vars))
	for _, k := range utils.SortedKeys(vars) {
		out = append(out, k+"="+vars[k])
	}
	return out, nil
}
