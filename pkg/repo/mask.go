package repo

import (
	"fmt"
	"strings"

	"github.com/kairos-io/bbki/pkg/kver"
)

// Mask bounds the versions of an atom from above: every version greater than Version is hidden.
// Scope matches either the kernel type or the category of the atom.
type Mask struct {
	Scope   string
	Name    string
	Version kver.Version
}

// ParseMask parses a mask line, ">linux/vanilla-5.10"
func ParseMask(line string) (Mask, error) {
	line = strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(line, ">")
	if !ok {
		return Mask{}, fmt.Errorf("invalid mask %q: only > is supported", line)
	}
	scope, nameVer, ok := strings.Cut(rest, "/")
	if !ok || scope == "" {
		return Mask{}, fmt.Errorf("invalid mask %q: missing scope", line)
	}
	for i := 0; i < len(nameVer); i++ {
		if nameVer[i] != '-' || i == 0 || i+1 >= len(nameVer) {
			continue
		}
		if c := nameVer[i+1]; c < '0' || c > '9' {
			continue
		}
		v, err := kver.Parse(nameVer[i+1:])
		if err != nil {
			continue
		}
		return Mask{Scope: scope, Name: nameVer[:i], Version: v}, nil
	}
	return Mask{}, fmt.Errorf("invalid mask %q: missing version", line)
}

func (m Mask) String() string {
	return fmt.Sprintf(">%s/%s-%s", m.Scope, m.Name, m.Version)
}

// Masks reports whether the mask hides the atom
func (m Mask) Masks(a *Atom) bool {
	if m.Name != a.Name {
		return false
	}
	if m.Scope != a.KernelType && m.Scope != string(a.Category) {
		return false
	}
	return a.Version.Compare(m.Version) > 0
}

// Masked reports whether any mask hides the atom
func Masked(a *Atom, masks []Mask) bool {
	for _, m := range masks {
		if m.Masks(a) {
			return true
		}
	}
	return false
}
