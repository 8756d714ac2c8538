package repo

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/kairos-io/bbki/pkg/kver"
	"github.com/twpayne/go-vfs/v4"
)

const recipeSuffix = ".recipe"

// Repo is a recipe tree laid out as <dir>/<kernel-type>/<category>/<name>/<version>[-r<rev>].recipe
type Repo struct {
	Dir    string
	FS     vfs.FS
	Runner utils.Runner
}

func New(fs vfs.FS, dir string, runner utils.Runner) *Repo {
	return &Repo{Dir: dir, FS: fs, Runner: runner}
}

// ListAtoms returns every atom of the repository
func (r *Repo) ListAtoms() ([]*Atom, error) {
	var out []*Atom
	kernelTypes, err := r.subdirs(r.Dir)
	if err != nil {
		return nil, &bbkierr.RepoError{Atom: r.Dir, Err: err}
	}
	for _, kt := range kernelTypes {
		cats, err := r.subdirs(filepath.Join(r.Dir, kt))
		if err != nil {
			return nil, &bbkierr.RepoError{Atom: kt, Err: err}
		}
		for _, cat := range cats {
			if !Category(cat).Valid() {
				utils.Log.Debug().Str("dir", filepath.Join(r.Dir, kt, cat)).Msg("skipping unknown category")
				continue
			}
			names, err := r.subdirs(filepath.Join(r.Dir, kt, cat))
			if err != nil {
				return nil, &bbkierr.RepoError{Atom: kt + "/" + cat, Err: err}
			}
			for _, name := range names {
				atoms, err := r.Get(kt, Category(cat), name)
				if err != nil {
					return nil, err
				}
				out = append(out, atoms...)
			}
		}
	}
	return out, nil
}

// Get returns every version of an atom ordered by (version, revision). A missing atom is a RepoError.
func (r *Repo) Get(kernelType string, cat Category, name string) ([]*Atom, error) {
	id := fmt.Sprintf("%s/%s/%s", kernelType, cat, name)
	dir := filepath.Join(r.Dir, kernelType, string(cat), name)
	entries, err := r.FS.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &bbkierr.RepoError{Atom: id, Err: errors.New("no such atom")}
	}
	if err != nil {
		return nil, &bbkierr.RepoError{Atom: id, Err: err}
	}
	var atoms []*Atom
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recipeSuffix) {
			continue
		}
		v, err := kver.Parse(strings.TrimSuffix(e.Name(), recipeSuffix))
		if err != nil {
			utils.Log.Warn().Str("file", filepath.Join(dir, e.Name())).Msg("ignoring recipe with invalid version")
			continue
		}
		atoms = append(atoms, &Atom{
			KernelType: kernelType,
			Category:   cat,
			Name:       name,
			Version:    v,
			File:       filepath.Join(dir, e.Name()),
			repo:       r,
		})
	}
	if len(atoms) == 0 {
		return nil, &bbkierr.RepoError{Atom: id, Err: errors.New("no recipes")}
	}
	sort.SliceStable(atoms, func(i, j int) bool { return atoms[i].Compare(atoms[j]) < 0 })
	return atoms, nil
}

// Latest returns the highest version of an atom not hidden by a mask
func (r *Repo) Latest(kernelType string, cat Category, name string, masks []Mask) (*Atom, error) {
	atoms, err := r.Get(kernelType, cat, name)
	if err != nil {
		return nil, err
	}
	for i := len(atoms) - 1; i >= 0; i-- {
		if !Masked(atoms[i], masks) {
			return atoms[i], nil
		}
		utils.Log.Debug().Str("atom", atoms[i].String()).Msg("masked")
	}
	return nil, &bbkierr.RepoError{Atom: fmt.Sprintf("%s/%s/%s", kernelType, cat, name), Err: errors.New("every version is masked")}
}

// Find returns one exact version of an atom, ver may carry a revision
func (r *Repo) Find(kernelType string, cat Category, name, ver string) (*Atom, error) {
	want, err := kver.Parse(ver)
	if err != nil {
		return nil, &bbkierr.RepoError{Atom: name, Err: err}
	}
	atoms, err := r.Get(kernelType, cat, name)
	if err != nil {
		return nil, err
	}
	for _, a := range atoms {
		if a.Version.Compare(want) == 0 {
			return a, nil
		}
	}
	return nil, &bbkierr.RepoError{Atom: fmt.Sprintf("%s/%s/%s-%s", kernelType, cat, name, ver), Err: errors.New("no such version")}
}

func (r *Repo) subdirs(dir string) ([]string, error) {
	entries, err := r.FS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
