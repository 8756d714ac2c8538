// Package config reads the bbki configuration directory.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/kairos-io/bbki/pkg/repo"
	"github.com/twpayne/go-vfs/v4"
	"gopkg.in/ini.v1"
)

const (
	KernelFile  = "bbki.kernel"
	AddonDir    = "bbki.kernel_addon"
	OptionsFile = "bbki.options"
	MaskDir     = "bbki.mask"
	MakeConf    = "make.conf"
)

// Init commands for the known init systems. Anything else must be an absolute path.
var initCommands = map[string]string{
	"sysvinit": "/sbin/init",
	"openrc":   "/sbin/openrc-init",
	"systemd":  "/usr/lib/systemd/systemd",
}

// known option keys per section
var optionKeys = map[string][]string{
	"bootloader": {"wait-time"},
	"kernel":     {"init-cmdline"},
	"system":     {"init", "remount-boot-rw"},
	"initramfs":  {"atom"},
}

type Config struct {
	Dir string

	KernelType string
	KernelName string
	Addons     []string
	// InitramfsAtom names the initramfs atom, none when empty
	InitramfsAtom string
	Masks         []repo.Mask

	WaitTime      int
	InitCmdline   string
	Init          string
	RemountBootRW bool

	MakeOpts string
	MakeConf map[string]string
}

// Load reads every configuration file below dir. Missing files leave their defaults.
func Load(fs vfs.FS, dir string) (*Config, error) {
	c := &Config{Dir: dir, Init: "sysvinit", MakeConf: map[string]string{}}
	for _, load := range []func(vfs.FS) error{c.loadKernel, c.loadAddons, c.loadOptions, c.loadMasks, c.loadMakeConf} {
		if err := load(fs); err != nil {
			return nil, err
		}
	}
	utils.Log.Debug().Str("kernel", c.KernelType+"/"+c.KernelName).Strs("addons", c.Addons).Int("masks", len(c.Masks)).Msg("configuration loaded")
	return c, nil
}

func (c *Config) path(name string) string {
	return filepath.Join(c.Dir, name)
}

// InitCmd is the command the initramfs switches to.
func (c *Config) InitCmd() string {
	if cmd, ok := initCommands[c.Init]; ok {
		return cmd
	}
	return c.Init
}

func (c *Config) loadKernel(fs vfs.FS) error {
	lines, err := readLines(fs, c.path(KernelFile))
	if err != nil || lines == nil {
		return err
	}
	if len(lines) != 1 {
		return &bbkierr.ConfigError{File: c.path(KernelFile), Err: fmt.Errorf("expected one line, got %d", len(lines))}
	}
	kt, name, ok := strings.Cut(lines[0], "/")
	if !ok || kt == "" || name == "" || strings.Contains(name, "/") {
		return &bbkierr.ConfigError{File: c.path(KernelFile), Err: fmt.Errorf("invalid kernel %q, expected <type>/<name>", lines[0])}
	}
	c.KernelType, c.KernelName = kt, name
	return nil
}

func (c *Config) loadAddons(fs vfs.FS) error {
	files, err := listFiles(fs, c.path(AddonDir))
	if err != nil {
		return &bbkierr.ConfigError{File: c.path(AddonDir), Err: err}
	}
	for _, f := range files {
		lines, err := readLines(fs, f)
		if err != nil {
			return err
		}
		for _, l := range lines {
			if name, ok := strings.CutPrefix(l, "-"); ok {
				c.Addons = removeString(c.Addons, strings.TrimSpace(name))
				continue
			}
			c.Addons = utils.UniqueSlice(append(c.Addons, l))
		}
	}
	return nil
}

func (c *Config) loadMasks(fs vfs.FS) error {
	files, err := listFiles(fs, c.path(MaskDir))
	if err != nil {
		return &bbkierr.ConfigError{File: c.path(MaskDir), Err: err}
	}
	for _, f := range files {
		lines, err := readLines(fs, f)
		if err != nil {
			return err
		}
		for _, l := range lines {
			m, err := repo.ParseMask(l)
			if err != nil {
				return &bbkierr.ConfigError{File: f, Err: err}
			}
			c.Masks = append(c.Masks, m)
		}
	}
	return nil
}

func (c *Config) loadOptions(fs vfs.FS) error {
	file := c.path(OptionsFile)
	b, err := fs.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &bbkierr.ConfigError{File: file, Err: err}
	}
	f, err := ini.Load(b)
	if err != nil {
		return &bbkierr.ConfigError{File: file, Err: err}
	}
	if err := checkKeys(f); err != nil {
		return &bbkierr.ConfigError{File: file, Err: err}
	}

	if k := f.Section("bootloader").Key("wait-time"); k.String() != "" {
		n, err := k.Int()
		if err != nil || n < 0 {
			return &bbkierr.ConfigError{File: file, Err: fmt.Errorf("invalid wait-time %q", k.String())}
		}
		c.WaitTime = n
	}
	c.InitCmdline = f.Section("kernel").Key("init-cmdline").String()
	if v := f.Section("system").Key("init").String(); v != "" {
		if _, ok := initCommands[v]; !ok && !filepath.IsAbs(v) {
			return &bbkierr.ConfigError{File: file, Err: fmt.Errorf("invalid init %q", v)}
		}
		c.Init = v
	}
	if k := f.Section("system").Key("remount-boot-rw"); k.String() != "" {
		v, err := k.Bool()
		if err != nil {
			return &bbkierr.ConfigError{File: file, Err: fmt.Errorf("invalid remount-boot-rw %q", k.String())}
		}
		c.RemountBootRW = v
	}
	c.InitramfsAtom = f.Section("initramfs").Key("atom").String()
	return nil
}

func checkKeys(f *ini.File) error {
	for _, s := range f.Sections() {
		if s.Name() == ini.DefaultSection {
			if len(s.Keys()) > 0 {
				return fmt.Errorf("option %q outside of a section", s.Keys()[0].Name())
			}
			continue
		}
		known, ok := optionKeys[s.Name()]
		if !ok {
			return fmt.Errorf("unknown section %q", s.Name())
		}
		for _, k := range s.KeyStrings() {
			if !contains(known, k) {
				return fmt.Errorf("unknown option %q in section %q", k, s.Name())
			}
		}
	}
	return nil
}

func (c *Config) loadMakeConf(fs vfs.FS) error {
	file := c.path(MakeConf)
	env, err := utils.ReadEnv(fs, file)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &bbkierr.ConfigError{File: file, Err: err}
	}
	c.MakeConf = env
	c.MakeOpts = env["MAKEOPTS"]
	return nil
}

// readLines returns the non-empty, non-comment lines of a file, nil if it does not exist.
func readLines(fs vfs.FS, file string) ([]string, error) {
	b, err := fs.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &bbkierr.ConfigError{File: file, Err: err}
	}
	lines := []string{}
	sc := bufio.NewScanner(strings.NewReader(string(b)))
	for sc.Scan() {
		l := strings.TrimSpace(sc.Text())
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		lines = append(lines, l)
	}
	return lines, sc.Err()
}

// listFiles returns p itself when it is a file, or the files directly in p in lexicographic order.
func listFiles(fs vfs.FS, p string) ([]string, error) {
	fi, err := fs.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return []string{p}, nil
	}
	entries, err := fs.ReadDir(p)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, filepath.Join(p, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func removeString(s []string, v string) []string {
	var out []string
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
