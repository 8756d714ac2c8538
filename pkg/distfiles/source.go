package distfiles

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/shlex"
)

type Method string

const (
	Archive Method = "archive"
	Git     Method = "git"
	// Custom sources are produced by the recipe's own fetch phase
	Custom Method = "custom"
)

// Source describes one download of an atom.
type Source struct {
	Method Method
	URL    string
	// LocalName is the file name under the cache for archives, the
	// git-src relative path for git sources, or the custom-src directory
	// of the atom for custom sources
	LocalName string
}

func (s Source) String() string {
	return fmt.Sprintf("%s(%s)", s.Method, s.URL)
}

// CustomSource is the cache directory a recipe's own fetch phase fills for
// the atom called name.
func CustomSource(name string) Source {
	return Source{Method: Custom, LocalName: name}
}

// CloneURL returns the URL handed to git, without the git+ prefix.
func (s Source) CloneURL() string {
	return strings.TrimPrefix(s.URL, "git+")
}

// ParseSrcURI parses a SRC_URI value. Each non blank line is a URL, a URL
// followed by "-> localname", or a git:// / git+http(s):// URL.
func ParseSrcURI(value string) ([]Source, error) {
	var out []Source
	for _, line := range strings.Split(value, "\n") {
		tokens, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("parsing SRC_URI line %q: %w", line, err)
		}
		if len(tokens) == 0 {
			continue
		}
		src, err := parseSource(tokens)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

func parseSource(tokens []string) (Source, error) {
	raw := tokens[0]
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Source{}, fmt.Errorf("invalid SRC_URI entry %q", raw)
	}

	if u.Scheme == "git" || strings.HasPrefix(u.Scheme, "git+") {
		if len(tokens) != 1 {
			return Source{}, fmt.Errorf("git SRC_URI entry %q takes no local name", raw)
		}
		p := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
		if p == "" {
			return Source{}, fmt.Errorf("git SRC_URI entry %q has no path", raw)
		}
		return Source{Method: Git, URL: raw, LocalName: path.Join(u.Host, p)}, nil
	}

	switch len(tokens) {
	case 1:
		name := path.Base(u.Path)
		if name == "/" || name == "." || name == "" {
			return Source{}, fmt.Errorf("SRC_URI entry %q has no file name", raw)
		}
		return Source{Method: Archive, URL: raw, LocalName: name}, nil
	case 3:
		if tokens[1] != "->" || strings.Contains(tokens[2], "/") {
			return Source{}, fmt.Errorf("invalid SRC_URI rename in %q", strings.Join(tokens, " "))
		}
		return Source{Method: Archive, URL: raw, LocalName: tokens[2]}, nil
	}
	return Source{}, fmt.Errorf("invalid SRC_URI entry %q", strings.Join(tokens, " "))
}
