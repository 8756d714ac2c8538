package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/internal/version"
	"github.com/kairos-io/bbki/pkg/bbki"
	"github.com/kairos-io/bbki/pkg/bootloader"
	"github.com/kairos-io/bbki/pkg/kernel"
	"github.com/kairos-io/bbki/pkg/topology"
	"github.com/twpayne/go-vfs/v4"
	"github.com/urfave/cli/v2"
)

// Flags are the global flags every command reads through newBbki.
var Flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "root",
		Usage:   "root filesystem whose boot stack is managed",
		Value:   "/",
		EnvVars: []string{"BBKI_ROOT"},
	},
	&cli.StringFlag{
		Name:    "config",
		Usage:   "configuration directory, inside root",
		EnvVars: []string{"BBKI_CONFIG_DIR"},
	},
	&cli.StringFlag{
		Name:    "repo",
		Usage:   "recipe repository, inside root",
		EnvVars: []string{"BBKI_REPO_DIR"},
	},
	&cli.StringFlag{
		Name:    "distfiles",
		Usage:   "distfiles cache, inside root",
		EnvVars: []string{"BBKI_DISTFILES_DIR"},
	},
	&cli.StringFlag{
		Name:    "tmp",
		Usage:   "working directory for builds, inside root",
		EnvVars: []string{"BBKI_TMP_DIR"},
	},
	&cli.StringFlag{
		Name:    "helper-dir",
		EnvVars: []string{"BBKI_HELPER_DIR"},
	},
	&cli.StringFlag{
		Name:    "resources-dir",
		EnvVars: []string{"BBKI_RESOURCES_DIR"},
	},
	&cli.StringFlag{
		Name:    "rules-dir",
		Usage:   "bundled kernel config rules",
		EnvVars: []string{"BBKI_RULES_DIR"},
	},
	&cli.StringFlag{
		Name:    "rules-processor",
		Usage:   "command applying a rules file to a kernel tree",
		EnvVars: []string{"BBKI_RULES_PROCESSOR"},
	},
	&cli.StringFlag{
		Name:    "arch",
		Usage:   "machine architecture, defaults to the running kernel's",
		EnvVars: []string{"BBKI_ARCH"},
	},
	&cli.StringFlag{
		Name:    "topology",
		Usage:   "yaml file describing the host storage topology instead of probing it",
		EnvVars: []string{"BBKI_TOPOLOGY"},
	},
	&cli.StringFlag{
		Name:    "boot-mode",
		Usage:   "boot mode of a target root probed through its fstab (efi or bios)",
		Value:   string(topology.BootModeEFI),
		EnvVars: []string{"BBKI_BOOT_MODE"},
	},
	&cli.BoolFlag{
		Name:    "debug",
		EnvVars: []string{"BBKI_DEBUG"},
	},
}

func rootOf(c *cli.Context) string {
	return filepath.Clean(c.String("root"))
}

func newBbki(c *cli.Context) (*bbki.Bbki, error) {
	opts := bbki.DefaultOptions()
	for flag, dst := range map[string]*string{
		"config":          &opts.ConfigDir,
		"repo":            &opts.RepoDir,
		"distfiles":       &opts.DistfilesDir,
		"tmp":             &opts.TmpDir,
		"helper-dir":      &opts.HelperDir,
		"resources-dir":   &opts.ResourcesDir,
		"rules-dir":       &opts.RulesDir,
		"rules-processor": &opts.RulesProcessor,
		"arch":            &opts.Arch,
	} {
		if v := c.String(flag); v != "" {
			*dst = v
		}
	}

	var fs vfs.FS = vfs.OSFS
	if root := rootOf(c); root != "/" {
		fs = vfs.NewPathFS(vfs.OSFS, root)
	}
	return bbki.New(fs, opts, utils.CmdRunner{}, utils.LiveMounts{})
}

// host returns the storage topology the initramfs and the bootloader are built for:
// the declared one, the live mounts of the running system, or the fstab of a target root.
func host(c *cli.Context) (*topology.Host, error) {
	if f := c.String("topology"); f != "" {
		return topology.Load(vfs.OSFS, f)
	}
	p := topology.NewProber(vfs.OSFS, utils.CmdRunner{})
	if root := rootOf(c); root != "/" {
		mode := topology.BootMode(c.String("boot-mode"))
		return p.ProbeFstab(c.Context, filepath.Join(root, "etc/fstab"), mode, "/", "/boot")
	}
	return p.ProbeHost(c.Context, "/", "/boot")
}

// parseAuxOS reads name:uuid[:chainloader] values.
func parseAuxOS(values []string) ([]bootloader.AuxOS, error) {
	var out []bootloader.AuxOS
	for _, v := range values {
		parts := strings.Split(v, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid auxiliary os %q, expected name:uuid[:chainloader]", v)
		}
		aux := bootloader.AuxOS{Name: parts[0], UUID: parts[1], Chainloader: 1}
		if len(parts) == 3 {
			n, err := strconv.Atoi(parts[2])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid chainloader index in %q", v)
			}
			aux.Chainloader = n
		}
		out = append(out, aux)
	}
	return out, nil
}

var auxOSFlag = &cli.StringSliceFlag{
	Name:  "aux-os",
	Usage: "chainloaded system as name:uuid[:chainloader], repeatable",
}

var Commands = []*cli.Command{
	{
		Name:  "check-env",
		Usage: "check directories and external tools",
		Action: func(c *cli.Context) error {
			b, err := newBbki(c)
			if err != nil {
				return err
			}
			if err := b.CheckEnv(); err != nil {
				return err
			}
			utils.Log.Info().Msg("environment is ready")
			return nil
		},
	},
	{
		Name:  "current-entry",
		Usage: "print the boot entry of the running kernel",
		Action: func(c *cli.Context) error {
			b, err := newBbki(c)
			if err != nil {
				return err
			}
			e, err := b.CurrentEntry()
			if err != nil {
				return err
			}
			if e != nil {
				fmt.Println(e.Postfix())
			}
			return nil
		},
	},
	{
		Name:  "pending-entry",
		Usage: "print the boot entry the next boot uses",
		Action: func(c *cli.Context) error {
			b, err := newBbki(c)
			if err != nil {
				return err
			}
			e, err := b.PendingEntry()
			if err != nil {
				return err
			}
			if e != nil {
				fmt.Println(e.Postfix())
			}
			return nil
		},
	},
	{
		Name:  "fetch",
		Usage: "download the sources of the configured kernel, add-ons and initramfs",
		Action: func(c *cli.Context) error {
			b, err := newBbki(c)
			if err != nil {
				return err
			}
			atoms, err := b.ResolveAtoms()
			if err != nil {
				return err
			}
			for _, a := range atoms.All() {
				if err := b.Fetch(c.Context, a); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		Name:  "install-kernel",
		Usage: "build and install the configured kernel as the new boot entry",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "dry-run",
				Usage:   "print the build steps without running them",
				EnvVars: []string{"BBKI_DRY_RUN"},
			},
		},
		Action: func(c *cli.Context) error {
			b, err := newBbki(c)
			if err != nil {
				return err
			}
			atoms, err := b.ResolveAtoms()
			if err != nil {
				return err
			}
			if c.Bool("dry-run") {
				p, err := b.KernelPipeline(atoms)
				if err != nil {
					return err
				}
				g, err := p.Graph()
				if err != nil {
					return err
				}
				utils.Log.Info().Str("entry", p.Entry().Postfix()).Msg(kernel.WriteDAG(g))
				return nil
			}
			for _, a := range atoms.All() {
				if err := b.Fetch(c.Context, a); err != nil {
					return err
				}
			}
			_, err = b.InstallKernel(c.Context, atoms)
			return err
		},
	},
	{
		Name:  "install-initramfs",
		Usage: "build the initramfs of the pending entry",
		Action: func(c *cli.Context) error {
			b, err := newBbki(c)
			if err != nil {
				return err
			}
			h, err := host(c)
			if err != nil {
				return err
			}
			return b.InstallInitramfs(c.Context, h)
		},
	},
	{
		Name:  "install-bootloader",
		Usage: "install grub with the pending entry as main entry",
		Flags: []cli.Flag{
			auxOSFlag,
			&cli.BoolFlag{
				Name:  "force",
				Usage: "skip the mount checks and replace an invalid installation",
			},
		},
		Action: func(c *cli.Context) error {
			b, err := newBbki(c)
			if err != nil {
				return err
			}
			aux, err := parseAuxOS(c.StringSlice("aux-os"))
			if err != nil {
				return err
			}
			h, err := host(c)
			if err != nil {
				return err
			}
			return b.InstallBootloader(c.Context, h, bbki.BootloaderOptions{AuxOS: aux, Force: c.Bool("force")})
		},
	},
	{
		Name:  "update-bootloader",
		Usage: "regenerate grub.cfg for the pending entry",
		Flags: []cli.Flag{auxOSFlag},
		Action: func(c *cli.Context) error {
			b, err := newBbki(c)
			if err != nil {
				return err
			}
			var aux *[]bootloader.AuxOS
			if c.IsSet("aux-os") {
				list, err := parseAuxOS(c.StringSlice("aux-os"))
				if err != nil {
					return err
				}
				aux = &list
			}
			return b.UpdateBootloader(c.Context, aux)
		},
	},
	{
		Name:  "stable-flag",
		Usage: "print, set or clear the grub stable flag",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "set"},
			&cli.BoolFlag{Name: "unset"},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("set") && c.Bool("unset") {
				return fmt.Errorf("--set and --unset are exclusive")
			}
			b, err := newBbki(c)
			if err != nil {
				return err
			}
			if c.Bool("set") || c.Bool("unset") {
				return b.SetStableFlag(c.Context, c.Bool("set"))
			}
			stable, err := b.StableFlag(c.Context)
			if err != nil {
				return err
			}
			fmt.Println(stable)
			return nil
		},
	},
	{
		Name:  "clean",
		Usage: "remove boot files, module trees and firmware nothing refers to",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "pretend",
				Usage: "only print what would be removed",
			},
			&cli.BoolFlag{
				Name:  "distfiles",
				Usage: "also clean the distfiles cache",
			},
		},
		Action: func(c *cli.Context) error {
			b, err := newBbki(c)
			if err != nil {
				return err
			}
			pretend := c.Bool("pretend")
			g, err := b.CleanBootDir(c.Context, pretend)
			if err != nil {
				return err
			}
			garbage := g.All()
			if c.Bool("distfiles") {
				d, err := b.CleanDistfiles(c.Context, pretend)
				if err != nil {
					return err
				}
				garbage = append(garbage, d...)
			}
			if pretend {
				for _, p := range garbage {
					fmt.Println(p)
				}
			}
			return nil
		},
	},
	{
		Name:  "remove-all",
		Usage: "uninstall the bootloader and every boot entry",
		Action: func(c *cli.Context) error {
			b, err := newBbki(c)
			if err != nil {
				return err
			}
			return b.RemoveAll(c.Context)
		},
	},
	{
		Name:  "topology",
		Usage: "print the storage topology bbki builds the boot stack for",
		Action: func(c *cli.Context) error {
			h, err := host(c)
			if err != nil {
				return err
			}
			out, err := topology.Marshal(h)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	},
	{
		Name:  "version",
		Usage: "version",
		Action: func(c *cli.Context) error {
			fmt.Println(version.Get())
			return nil
		},
	},
}
