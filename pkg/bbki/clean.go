package bbki

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/bootentry"
	"github.com/kairos-io/bbki/pkg/bootloader"
	"github.com/kairos-io/bbki/pkg/distfiles"
	"github.com/kairos-io/bbki/pkg/initramfs"
	"github.com/kairos-io/bbki/pkg/layout"
)

// Garbage is what a cleanup removes, or would remove when pretending.
type Garbage struct {
	Boot     []string
	Modules  []string
	Firmware []string
}

func (g Garbage) All() []string {
	return append(append(append([]string{}, g.Boot...), g.Modules...), g.Firmware...)
}

// always kept below /boot
func ownedBootPaths() []string {
	return []string{layout.GrubDir, layout.GrubEFIDir, layout.GrubEnvFile, layout.RescueDir, "/boot/lost+found"}
}

// referencedBoot returns the /boot paths the bootloader, the rescue os,
// the running entry and the pending entry refer to.
func (b *Bbki) referencedBoot() (map[string]bool, error) {
	ref := map[string]bool{}
	for _, p := range ownedBootPaths() {
		ref[p] = true
	}
	addEntry := func(e *bootentry.Entry) {
		for _, f := range e.Files().BootFiles() {
			ref[f] = true
		}
	}

	status, c, err := b.Bootloader.Load()
	if status == bootloader.StatusNormal {
		for i, p := range c.Postfixes() {
			loc := bootentry.History
			if i == 0 {
				loc = bootentry.Current
			}
			e, err := bootentry.NewFromPostfix(p, loc)
			if err != nil {
				return nil, err
			}
			addEntry(e)
		}
	} else if err != nil {
		utils.Log.Warn().Err(err).Msg("bootloader config unreadable, only keeping the running and pending entries")
	}

	for _, get := range []func() (*bootentry.Entry, error){b.CurrentEntry, b.PendingEntry} {
		e, err := get()
		if err != nil {
			return nil, err
		}
		if e != nil {
			addEntry(e)
		}
	}
	return ref, nil
}

func (b *Bbki) bootGarbage() ([]string, error) {
	ref, err := b.referencedBoot()
	if err != nil {
		return nil, err
	}
	var garbage []string
	for _, dir := range []string{layout.BootDir, layout.HistoryDir} {
		names, err := b.Layout.List(dir)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			p := filepath.Join(dir, n)
			if ref[p] || p == layout.HistoryDir {
				continue
			}
			garbage = append(garbage, p)
		}
	}
	sort.Strings(garbage)
	return garbage, nil
}

// extant returns every entry present in /boot or its history.
func (b *Bbki) extant() ([]*bootentry.Entry, error) {
	current, err := b.Registry.List(bootentry.Current)
	if err != nil {
		return nil, err
	}
	history, err := b.Registry.List(bootentry.History)
	if err != nil {
		return nil, err
	}
	return append(current, history...), nil
}

// surviving returns the extant entries whose kernel is not part of bootGarbage.
func (b *Bbki) surviving(bootGarbage []string) ([]*bootentry.Entry, error) {
	entries, err := b.extant()
	if err != nil {
		return nil, err
	}
	gone := map[string]bool{}
	for _, p := range bootGarbage {
		gone[p] = true
	}
	var out []*bootentry.Entry
	for _, e := range entries {
		if !gone[e.Files().Kernel] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *Bbki) moduleGarbage(entries []*bootentry.Entry) ([]string, error) {
	keep := map[string]bool{}
	for _, e := range entries {
		keep[e.Files().ModulesDir] = true
	}
	names, err := b.Layout.List(layout.ModulesRoot)
	if err != nil {
		return nil, err
	}
	var garbage []string
	for _, n := range names {
		if p := filepath.Join(layout.ModulesRoot, n); !keep[p] {
			garbage = append(garbage, p)
		}
	}
	sort.Strings(garbage)
	return garbage, nil
}

func (b *Bbki) firmwareGarbage(ctx context.Context, entries []*bootentry.Entry) ([]string, error) {
	var modules []string
	for _, e := range entries {
		dir := e.Files().ModulesDir
		if !b.Layout.IsDir(dir) {
			continue
		}
		err := b.Layout.Walk(dir, func(p string, _ fs.DirEntry) error {
			if strings.Contains(filepath.Base(p), ".ko") {
				modules = append(modules, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if len(modules) == 0 {
		utils.Log.Warn().Msg("no installed module tree, leaving firmware alone")
		return nil, nil
	}
	closure, err := initramfs.Firmware(ctx, b.Layout, b.Runner, modules)
	if err != nil {
		return nil, err
	}
	keep := map[string]bool{}
	for _, f := range closure {
		chain, err := b.Layout.LinkChain(f)
		if err != nil {
			return nil, err
		}
		for _, p := range chain {
			keep[p] = true
		}
	}
	if !b.Layout.IsDir(layout.FirmwareDir) {
		return nil, nil
	}
	var garbage []string
	err = b.Layout.Walk(layout.FirmwareDir, func(p string, _ fs.DirEntry) error {
		if !keep[p] {
			garbage = append(garbage, p)
		}
		return nil
	})
	return garbage, err
}

// CleanBootDir removes unreferenced files in /boot, module trees without an
// entry and firmware no installed module asks for. With pretend nothing is removed.
func (b *Bbki) CleanBootDir(ctx context.Context, pretend bool) (Garbage, error) {
	var g Garbage
	var err error
	if g.Boot, err = b.bootGarbage(); err != nil {
		return Garbage{}, err
	}
	entries, err := b.surviving(g.Boot)
	if err != nil {
		return Garbage{}, err
	}
	if g.Modules, err = b.moduleGarbage(entries); err != nil {
		return Garbage{}, err
	}
	if g.Firmware, err = b.firmwareGarbage(ctx, entries); err != nil {
		return Garbage{}, err
	}
	if pretend {
		return g, nil
	}

	var result *multierror.Error
	remove := func(paths []string) {
		for _, p := range paths {
			utils.Log.Info().Str("path", p).Msg("removing")
			if err := b.FS.RemoveAll(p); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	err = b.Scope.Do(ctx, func() error {
		remove(g.Boot)
		return nil
	})
	if err != nil {
		result = multierror.Append(result, err)
	}
	remove(g.Modules)
	remove(g.Firmware)
	return g, result.ErrorOrNil()
}

// CleanDistfiles removes cache entries no atom of the repository references.
func (b *Bbki) CleanDistfiles(ctx context.Context, pretend bool) ([]string, error) {
	atoms, err := b.Repo.ListAtoms()
	if err != nil {
		return nil, err
	}
	var keep []string
	for _, a := range atoms {
		r, err := a.Recipe(ctx)
		if err != nil {
			return nil, err
		}
		srcs, err := r.Sources()
		if err != nil {
			return nil, err
		}
		for _, s := range srcs {
			if s.Method == distfiles.Custom {
				s = distfiles.CustomSource(a.ShortName())
			}
			keep = append(keep, b.Cache.RelPath(s))
		}
	}
	return b.Cache.GC(keep, pretend)
}

// RemoveAll uninstalls the bootloader and removes every entry, module tree
// and the history directory. Firmware and the rescue os are left in place.
func (b *Bbki) RemoveAll(ctx context.Context) error {
	entries, err := b.extant()
	if err != nil {
		return err
	}
	var result *multierror.Error
	err = b.Scope.Do(ctx, func() error {
		if err := b.Bootloader.Remove(ctx, true); err != nil {
			result = multierror.Append(result, err)
		}
		for _, e := range entries {
			for _, f := range e.Files().BootFiles() {
				if err := b.FS.RemoveAll(f); err != nil {
					result = multierror.Append(result, err)
				}
			}
		}
		return b.FS.RemoveAll(layout.HistoryDir)
	})
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, e := range entries {
		if err := b.FS.RemoveAll(e.Files().ModulesDir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	utils.Log.Info().Int("entries", len(entries)).Msg("boot stack removed")
	return result.ErrorOrNil()
}
