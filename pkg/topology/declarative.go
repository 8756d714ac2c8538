package topology

import (
	"fmt"
	"regexp"

	"github.com/gofrs/uuid"
	"github.com/twpayne/go-vfs/v4"
	"gopkg.in/yaml.v3"
)

// vfat and iso9660 volume ids are not RFC 4122 uuids
var volumeIDRegex = regexp.MustCompile(`^[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}$`)

// Load reads a declarative host topology, for installs targeting a host other than the running one.
func Load(fs vfs.FS, file string) (*Host, error) {
	b, err := fs.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return Unmarshal(b)
}

func Unmarshal(b []byte) (*Host, error) {
	h := &Host{}
	if err := yaml.Unmarshal(b, h); err != nil {
		return nil, err
	}
	for _, mp := range h.MountPoints {
		if err := checkUUID(mp.UUID); err != nil {
			return nil, fmt.Errorf("mount point %s: %w", mp.Path, err)
		}
		if mp.Disk == nil {
			continue
		}
		for _, d := range mp.Disk.PostOrder() {
			if d.UUID == "" {
				continue
			}
			if err := checkUUID(d.UUID); err != nil {
				return nil, fmt.Errorf("device %s: %w", d.Dev, err)
			}
		}
	}
	return h, nil
}

// Marshal renders a host topology in the format Load reads.
func Marshal(h *Host) ([]byte, error) {
	return yaml.Marshal(h)
}

func checkUUID(s string) error {
	if volumeIDRegex.MatchString(s) {
		return nil
	}
	if _, err := uuid.FromString(s); err != nil {
		return fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return nil
}
