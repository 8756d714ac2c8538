package kernel

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/kconfig"
	"github.com/kairos-io/bbki/pkg/layout"
	"github.com/twpayne/go-vfs/v4"
)

// RulesProcessor turns a rules file into a .config inside the kernel tree.
type RulesProcessor interface {
	Apply(ctx context.Context, rulesFile, kernelDir string) error
}

// CmdRulesProcessor runs an external processor as `<command> <rules-file> <kernel-dir>`.
type CmdRulesProcessor struct {
	FS      vfs.FS
	Runner  utils.Runner
	Command string
}

func (c CmdRulesProcessor) Apply(ctx context.Context, rulesFile, kernelDir string) error {
	rawRules, err := c.FS.RawPath(rulesFile)
	if err != nil {
		return err
	}
	rawDir, err := c.FS.RawPath(kernelDir)
	if err != nil {
		return err
	}
	_, err = c.Runner.Run(ctx, c.Command, rawRules, rawDir)
	return err
}

// RulesBlock is one named section of a rules file.
type RulesBlock struct {
	Name    string
	Content string
}

// headRules are the decisions every kernel gets, ahead of bundled and contributed rules.
func headRules() string {
	lines := []string{
		"# framebuffer console",
		"FB=y",
		"FRAMEBUFFER_CONSOLE=y",
		"DRM_FBDEV_EMULATION=y",
		"# netfilter",
		"NETFILTER=y",
		"NETFILTER_ADVANCED=y",
		"NF_CONNTRACK=m",
		"# firmware loader",
		"FW_LOADER=y",
		"FW_LOADER_COMPRESS=y",
		"EXTRA_FIRMWARE=\"\"",
		"# symbol classes",
		"[debugging-symbols:]=n",
		"[deprecated-symbols:]=n",
		"[workaround-symbols:]=n",
		"[experimental-symbols:]=n",
		"[dangerous-symbols:]=n",
		"# initramfs",
	}
	req := kconfig.InitramfsRequirements()
	for _, sym := range utils.SortedKeys(req) {
		lines = append(lines, sym+"="+req[sym])
	}
	return strings.Join(lines, "\n")
}

// BundledRules reads every rules file of dir in lexicographic order.
func BundledRules(l *layout.Layout, dir string) ([]RulesBlock, error) {
	names, err := l.List(dir)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	var out []RulesBlock
	for _, n := range names {
		p := filepath.Join(dir, n)
		if l.IsDir(p) {
			continue
		}
		b, err := l.FS.ReadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, RulesBlock{Name: n, Content: string(b)})
	}
	return out, nil
}

// AssembleRules concatenates the head block, the given blocks and an empty custom block.
func AssembleRules(blocks []RulesBlock) string {
	var sb strings.Builder
	write := func(name, content string) {
		fmt.Fprintf(&sb, "## %s\n", name)
		if c := strings.TrimRight(content, "\n"); c != "" {
			sb.WriteString(c)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	write("head", headRules())
	for _, b := range blocks {
		write(b.Name, b.Content)
	}
	fmt.Fprintf(&sb, "## custom\n")
	return sb.String()
}
