package repo

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/kairos-io/bbki/pkg/kver"
)

type Category string

const (
	CategoryKernel      Category = "kernel"
	CategoryKernelAddon Category = "kernel-addon"
	CategoryInitramfs   Category = "initramfs"
)

func (c Category) Valid() bool {
	return c == CategoryKernel || c == CategoryKernelAddon || c == CategoryInitramfs
}

// Atom is one versioned recipe of the repository.
type Atom struct {
	KernelType string
	Category   Category
	Name       string
	Version    kver.Version
	// File is the recipe path
	File string

	repo   *Repo
	recipe *Recipe
}

// Ver returns the version without revision
func (a *Atom) Ver() string {
	return a.Version.Base()
}

func (a *Atom) Rev() int {
	return a.Version.Rev
}

func (a *Atom) String() string {
	return fmt.Sprintf("%s/%s/%s-%s", a.KernelType, a.Category, a.Name, a.Version.String())
}

// ShortName is the P variable of recipe phases, name-version
func (a *Atom) ShortName() string {
	return fmt.Sprintf("%s-%s", a.Name, a.Version.String())
}

// FilesDir holds static files shipped next to the recipes of this atom
func (a *Atom) FilesDir() string {
	return filepath.Join(filepath.Dir(a.File), "files")
}

func (a *Atom) Compare(o *Atom) int {
	return a.Version.Compare(o.Version)
}

// Recipe parses the recipe on first use and caches it.
func (a *Atom) Recipe(ctx context.Context) (*Recipe, error) {
	if a.recipe != nil {
		return a.recipe, nil
	}
	b, err := a.repo.FS.ReadFile(a.File)
	if err != nil {
		return nil, &bbkierr.RepoError{Atom: a.String(), Err: err}
	}
	r, err := ParseRecipe(b)
	if err != nil {
		return nil, &bbkierr.RepoError{Atom: a.String(), Err: err}
	}
	raw, err := a.repo.FS.RawPath(a.File)
	if err != nil {
		return nil, &bbkierr.RepoError{Atom: a.String(), Err: err}
	}
	if err := r.Expand(ctx, a.repo.Runner, raw); err != nil {
		return nil, &bbkierr.RepoError{Atom: a.String(), Err: err}
	}
	a.recipe = r
	return r, nil
}
