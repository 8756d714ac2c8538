package bootentry

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kairos-io/bbki/pkg/kver"
	"github.com/kairos-io/bbki/pkg/layout"
)

type Location string

const (
	Current Location = "current"
	History Location = "history"
)

// Arches is the architecture whitelist for boot entry names
func Arches() []string {
	return []string{"x86_64", "i686", "aarch64", "arm", "riscv64", "ppc64le"}
}

func validArch(a string) bool {
	for _, k := range Arches() {
		if a == k {
			return true
		}
	}
	return false
}

// Entry names the files that together boot one kernel.
// Entries never point back to a registry or a bootloader config, they are resolved by postfix.
type Entry struct {
	Arch     string
	Verstr   string
	Location Location
}

func New(arch, verstr string, loc Location) (*Entry, error) {
	if !validArch(arch) {
		return nil, fmt.Errorf("unsupported architecture %q", arch)
	}
	if !kver.Valid(verstr) {
		return nil, fmt.Errorf("invalid kernel version %q", verstr)
	}
	if loc != Current && loc != History {
		return nil, fmt.Errorf("invalid boot entry location %q", loc)
	}
	return &Entry{Arch: arch, Verstr: verstr, Location: loc}, nil
}

// NewFromPostfix parses "<arch>-<verstr>"
func NewFromPostfix(postfix string, loc Location) (*Entry, error) {
	arch, verstr, ok := strings.Cut(postfix, "-")
	if !ok || arch == "" || verstr == "" {
		return nil, fmt.Errorf("invalid boot entry postfix %q", postfix)
	}
	return New(arch, verstr, loc)
}

func (e *Entry) Postfix() string {
	return e.Arch + "-" + e.Verstr
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s (%s)", e.Postfix(), e.Location)
}

func (e *Entry) Equal(o *Entry) bool {
	return o != nil && e.Arch == o.Arch && e.Verstr == o.Verstr && e.Location == o.Location
}

// Compare orders entries by kernel version, then architecture
func (e *Entry) Compare(o *Entry) int {
	if c, err := kver.Compare(e.Verstr, o.Verstr); err == nil && c != 0 {
		return c
	}
	return strings.Compare(e.Arch, o.Arch)
}

// WithLocation returns a copy of the entry at another location
func (e *Entry) WithLocation(loc Location) *Entry {
	return &Entry{Arch: e.Arch, Verstr: e.Verstr, Location: loc}
}

// Dir is the directory holding the /boot files of the entry
func (e *Entry) Dir() string {
	if e.Location == History {
		return layout.HistoryDir
	}
	return layout.BootDir
}

// Files are the six canonical paths of an entry.
type Files struct {
	Kernel            string
	KernelConfig      string
	KernelConfigRules string
	Initramfs         string
	InitramfsTar      string
	ModulesDir        string
}

func (e *Entry) Files() Files {
	dir, p := e.Dir(), e.Postfix()
	return Files{
		Kernel:            filepath.Join(dir, "kernel-"+p),
		KernelConfig:      filepath.Join(dir, "config-"+p),
		KernelConfigRules: filepath.Join(dir, "config-"+p+".rules"),
		Initramfs:         filepath.Join(dir, "initramfs-"+p),
		InitramfsTar:      filepath.Join(dir, "initramfs-files-"+p+".tar.bz2"),
		ModulesDir:        layout.ModulesDir(e.Verstr),
	}
}

// BootFiles are the files living under /boot. The modules directory does not move with the entry.
func (f Files) BootFiles() []string {
	return []string{f.Kernel, f.KernelConfig, f.KernelConfigRules, f.Initramfs, f.InitramfsTar}
}

func (f Files) All() []string {
	return append(f.BootFiles(), f.ModulesDir)
}
