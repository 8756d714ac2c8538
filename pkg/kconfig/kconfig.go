// Package kconfig reads kernel .config files.
package kconfig

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/kairos-io/bbki/internal/utils"
	"github.com/twpayne/go-vfs/v4"
)

// Config maps symbols, without the CONFIG_ prefix, to their value. Symbols
// written as "# CONFIG_FOO is not set" map to "n".
type Config map[string]string

func Parse(b []byte) Config {
	c := Config{}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "# CONFIG_") && strings.HasSuffix(line, " is not set") {
			c[strings.TrimSuffix(strings.TrimPrefix(line, "# CONFIG_"), " is not set")] = "n"
			continue
		}
		if !strings.HasPrefix(line, "CONFIG_") {
			continue
		}
		k, v, ok := strings.Cut(strings.TrimPrefix(line, "CONFIG_"), "=")
		if !ok {
			continue
		}
		c[k] = strings.Trim(v, `"`)
	}
	return c
}

func Load(fs vfs.FS, file string) (Config, error) {
	b, err := fs.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return Parse(b), nil
}

func (c Config) Get(sym string) string {
	return c[sym]
}

func (c Config) IsBuiltin(sym string) bool {
	return c[sym] == "y"
}

func (c Config) IsModule(sym string) bool {
	return c[sym] == "m"
}

// Require checks every symbol against its expected value and reports the first mismatch
func (c Config) Require(want map[string]string) error {
	for _, sym := range utils.SortedKeys(want) {
		if got := c[sym]; got != want[sym] {
			if got == "" {
				got = "unset"
			}
			return fmt.Errorf("kernel config symbol CONFIG_%s is %s, expected %s", sym, got, want[sym])
		}
	}
	return nil
}

// InitramfsRequirements are the symbols the initramfs builder depends on.
func InitramfsRequirements() map[string]string {
	return map[string]string{
		"RD_XZ":      "y",
		"RD_LZMA":    "y",
		"BCACHE":     "m",
		"BLK_DEV_SD": "m",
		"BLK_DEV_DM": "m",
		"EXT4_FS":    "m",
		"VFAT_FS":    "m",
	}
}
