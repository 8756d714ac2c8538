package initramfs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/pmorjan/kmod"
	"github.com/twpayne/go-vfs/v4"
)

// ModuleIndex resolves a module alias to module files, dependencies first.
// Builtin modules resolve to nothing.
type ModuleIndex interface {
	Resolve(alias string) ([]string, error)
}

func moduleName(p string) string {
	base := filepath.Base(p)
	if i := strings.Index(base, ".ko"); i >= 0 {
		base = base[:i]
	}
	return normalize(base)
}

func normalize(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func readBuiltin(fsys vfs.FS, dir string) (map[string]bool, error) {
	out := map[string]bool{}
	b, err := fsys.ReadFile(filepath.Join(dir, "modules.builtin"))
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			out[moduleName(l)] = true
		}
	}
	return out, sc.Err()
}

// DepIndex reads modules.dep, modules.alias and modules.builtin of a module tree.
type DepIndex struct {
	Dir     string
	deps    map[string][]string
	byName  map[string]string
	aliases [][2]string
	builtin map[string]bool
}

func LoadDepIndex(fsys vfs.FS, dir string) (*DepIndex, error) {
	d := &DepIndex{Dir: dir, deps: map[string][]string{}, byName: map[string]string{}}

	b, err := fsys.ReadFile(filepath.Join(dir, "modules.dep"))
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		mod, deps, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		mod = strings.TrimSpace(mod)
		d.deps[mod] = strings.Fields(deps)
		d.byName[moduleName(mod)] = mod
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	b, err = fsys.ReadFile(filepath.Join(dir, "modules.alias"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	sc = bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) == 3 && f[0] == "alias" {
			d.aliases = append(d.aliases, [2]string{f[1], normalize(f[2])})
		}
	}

	d.builtin, err = readBuiltin(fsys, dir)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DepIndex) lookup(alias string) (string, bool, error) {
	name := normalize(alias)
	if rel, ok := d.byName[name]; ok {
		return rel, false, nil
	}
	if d.builtin[name] {
		return "", true, nil
	}
	for _, a := range d.aliases {
		if ok, _ := path.Match(a[0], alias); !ok {
			continue
		}
		if rel, ok := d.byName[a[1]]; ok {
			return rel, false, nil
		}
		if d.builtin[a[1]] {
			return "", true, nil
		}
	}
	return "", false, fmt.Errorf("module %s not found in %s", alias, d.Dir)
}

func (d *DepIndex) Resolve(alias string) ([]string, error) {
	rel, builtin, err := d.lookup(alias)
	if err != nil || builtin {
		return nil, err
	}
	var out []string
	seen := map[string]bool{}
	var visit func(string)
	visit = func(m string) {
		if seen[m] {
			return
		}
		seen[m] = true
		for _, dep := range d.deps[m] {
			visit(dep)
		}
		out = append(out, filepath.Join(d.Dir, m))
	}
	visit(rel)
	return out, nil
}

// KmodIndex resolves against the module tree of the running kernel.
type KmodIndex struct {
	Dir     string
	k       *kmod.Kmod
	builtin map[string]bool
}

func NewKmodIndex(fsys vfs.FS, dir string) (*KmodIndex, error) {
	k, err := kmod.New(kmod.SetIgnoreBuiltin())
	if err != nil {
		return nil, err
	}
	builtin, err := readBuiltin(fsys, dir)
	if err != nil {
		return nil, err
	}
	return &KmodIndex{Dir: dir, k: k, builtin: builtin}, nil
}

func (i *KmodIndex) Resolve(alias string) ([]string, error) {
	if i.builtin[normalize(alias)] {
		return nil, nil
	}
	deps, err := i.k.Dependencies(alias)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", alias, err)
	}
	out := make([]string, 0, len(deps))
	for _, p := range deps {
		if !filepath.IsAbs(p) {
			p = filepath.Join(i.Dir, p)
		}
		out = append(out, p)
	}
	return out, nil
}
