package initramfs

import (
	"bytes"
	"debug/elf"
	"path/filepath"

	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/layout"
)

func libDirs() []string {
	return []string{"/lib64", "/lib", "/usr/lib64", "/usr/lib", "/lib/x86_64-linux-gnu", "/usr/lib/x86_64-linux-gnu", "/lib/aarch64-linux-gnu", "/usr/lib/aarch64-linux-gnu"}
}

// sharedLibraries returns the interpreter and the shared library closure of the binary at p.
// Files that are not ELF have no closure.
func sharedLibraries(l *layout.Layout, p string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	var visit func(string) error
	visit = func(file string) error {
		b, err := l.FS.ReadFile(file)
		if err != nil {
			return err
		}
		f, err := elf.NewFile(bytes.NewReader(b))
		if err != nil {
			utils.Log.Debug().Str("file", file).Msg("not an elf binary")
			return nil
		}
		defer f.Close()

		var deps []string
		for _, prog := range f.Progs {
			if prog.Type != elf.PT_INTERP {
				continue
			}
			interp := make([]byte, prog.Filesz)
			if _, err := prog.ReadAt(interp, 0); err == nil {
				deps = append(deps, string(bytes.TrimRight(interp, "\x00")))
			}
		}
		libs, err := f.ImportedLibraries()
		if err != nil {
			return err
		}
		for _, lib := range libs {
			resolved := findLibrary(l, lib)
			if resolved == "" {
				utils.Log.Warn().Str("binary", file).Str("library", lib).Msg("shared library not found")
				continue
			}
			deps = append(deps, resolved)
		}
		for _, d := range deps {
			if seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
			if err := visit(d); err != nil {
				return err
			}
		}
		return nil
	}
	return out, visit(p)
}

func findLibrary(l *layout.Layout, soname string) string {
	for _, d := range libDirs() {
		if p := filepath.Join(d, soname); l.Exists(p) {
			return p
		}
	}
	return ""
}
