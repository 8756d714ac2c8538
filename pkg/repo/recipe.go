package repo

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kairos-io/bbki/internal/constants"
	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/distfiles"
)

const (
	PhaseFetch                       = "fetch"
	PhaseSrcUnpack                   = "src_unpack"
	PhaseSrcPrepare                  = "src_prepare"
	PhaseKernelBuild                 = "kernel_build"
	PhaseKernelInstall               = "kernel_install"
	PhaseKernelCleanup               = "kernel_cleanup"
	PhaseKernelAddonPatchKernel      = "kernel_addon_patch_kernel"
	PhaseKernelAddonContributeConfig = "kernel_addon_contribute_config_rules"
	PhaseKernelAddonBuild            = "kernel_addon_build"
	PhaseKernelAddonInstall          = "kernel_addon_install"
	PhaseKernelAddonCleanup          = "kernel_addon_cleanup"
	PhaseInitramfsContributeConfig   = "initramfs_contribute_config_rules"
	PhaseInitramfsInstall            = "initramfs_install"
)

// KnownPhases lists the phases a recipe may define, others are ignored
func KnownPhases() []string {
	return []string{
		PhaseFetch,
		PhaseSrcUnpack,
		PhaseSrcPrepare,
		PhaseKernelBuild,
		PhaseKernelInstall,
		PhaseKernelCleanup,
		PhaseKernelAddonPatchKernel,
		PhaseKernelAddonContributeConfig,
		PhaseKernelAddonBuild,
		PhaseKernelAddonInstall,
		PhaseKernelAddonCleanup,
		PhaseInitramfsContributeConfig,
		PhaseInitramfsInstall,
	}
}

func knownPhase(name string) bool {
	for _, p := range KnownPhases() {
		if p == name {
			return true
		}
	}
	return false
}

var (
	varRegex   = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)="(.*)$`)
	phaseRegex = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\(\)\s*\{\s*$`)
)

// Recipe is the parsed content of a recipe file.
type Recipe struct {
	Vars map[string]string
	// VarOrder keeps declaration order, for stable output
	VarOrder []string
	Phases   map[string]string
}

func (r *Recipe) HasPhase(name string) bool {
	_, ok := r.Phases[name]
	return ok
}

func (r *Recipe) Var(name string) string {
	return r.Vars[name]
}

// Sources returns the downloads of the recipe. A recipe with its own fetch
// phase has a single custom source.
func (r *Recipe) Sources() ([]distfiles.Source, error) {
	if r.HasPhase(PhaseFetch) {
		return []distfiles.Source{{Method: distfiles.Custom}}, nil
	}
	return distfiles.ParseSrcURI(r.Vars["SRC_URI"])
}

// ParseRecipe tokenizes recipe text. Values are kept verbatim, including
// unexpanded shell references; see Expand.
func ParseRecipe(b []byte) (*Recipe, error) {
	r := &Recipe{Vars: map[string]string{}, Phases: map[string]string{}}
	sc := bufio.NewScanner(bytes.NewReader(b))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if m := varRegex.FindStringSubmatch(line); m != nil {
			name, rest := m[1], m[2]
			var value strings.Builder
			for {
				if end, ok := closingQuote(rest); ok {
					value.WriteString(rest[:end])
					if tail := strings.TrimSpace(rest[end+1:]); tail != "" && !strings.HasPrefix(tail, "#") {
						return nil, fmt.Errorf("line %d: unexpected %q after value of %s", lineNo, tail, name)
					}
					break
				}
				value.WriteString(rest)
				value.WriteString("\n")
				if !sc.Scan() {
					return nil, fmt.Errorf("line %d: unterminated value of %s", lineNo, name)
				}
				lineNo++
				rest = sc.Text()
			}
			if _, dup := r.Vars[name]; !dup {
				r.VarOrder = append(r.VarOrder, name)
			}
			r.Vars[name] = unescape(value.String())
			continue
		}

		if m := phaseRegex.FindStringSubmatch(line); m != nil {
			name := m[1]
			var body []string
			closed := false
			for sc.Scan() {
				lineNo++
				if sc.Text() == "}" {
					closed = true
					break
				}
				body = append(body, sc.Text())
			}
			if !closed {
				return nil, fmt.Errorf("line %d: function %s is not terminated", lineNo, name)
			}
			if !knownPhase(name) {
				continue
			}
			r.Phases[name] = strings.Join(body, "\n")
			continue
		}

		return nil, fmt.Errorf("line %d: unrecognized statement %q", lineNo, trimmed)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if _, ok := r.Vars["SRC_URI"]; ok && r.HasPhase(PhaseFetch) {
		return nil, constants.ErrFetchAndSrcURI
	}
	return r, nil
}

// closingQuote finds the first double quote not escaped by a backslash
func closingQuote(s string) (int, bool) {
	escaped := false
	for i, c := range s {
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			return i, true
		}
	}
	return 0, false
}

func unescape(s string) string {
	return strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(s)
}

// Expand resolves values holding shell references by sourcing the recipe in
// a sub-shell. recipeFile is the host path of the recipe.
func (r *Recipe) Expand(ctx context.Context, runner utils.Runner, recipeFile string) error {
	for _, name := range r.VarOrder {
		if !strings.Contains(r.Vars[name], "$") {
			continue
		}
		script := fmt.Sprintf(`. "$1" && printf '%%s' "${%s}"`, name)
		out, err := runner.Run(ctx, "sh", "-c", script, "sh", recipeFile)
		if err != nil {
			return fmt.Errorf("expanding %s: %w", name, err)
		}
		r.Vars[name] = out
	}
	return nil
}
