package distfiles

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-getter/v2"
	"github.com/kairos-io/bbki/internal/constants"
	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/twpayne/go-vfs/v4"
)

// Downloader fetches a single file to a host path.
type Downloader interface {
	Download(ctx context.Context, src, dst string) error
}

// HTTPDownloader downloads through go-getter, archives are stored as is.
type HTTPDownloader struct {
	Timeout time.Duration
}

func (h HTTPDownloader) Download(ctx context.Context, src, dst string) error {
	timeout := h.Timeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	client := getter.Client{
		Getters: []getter.Getter{
			&getter.HttpGetter{
				HeadFirstTimeout: timeout,
				ReadTimeout:      timeout,
			},
		},
	}
	_, err := client.Get(ctx, &getter.Request{
		Src:     src + separator(src) + "archive=false",
		Dst:     dst,
		GetMode: getter.ModeFile,
	})
	return err
}

func separator(u string) string {
	if strings.Contains(u, "?") {
		return "&"
	}
	return "?"
}

// Cache is the shared distfiles directory.
type Cache struct {
	Dir        string
	FS         vfs.FS
	Runner     utils.Runner
	Downloader Downloader
	Attempts   uint
	Delay      time.Duration
}

func New(fs vfs.FS, dir string, runner utils.Runner) *Cache {
	return &Cache{
		Dir:        dir,
		FS:         fs,
		Runner:     runner,
		Downloader: HTTPDownloader{},
		Attempts:   5,
		Delay:      2 * time.Second,
	}
}

// PathOf returns the cached file of an archive source or the working tree of a git source.
func (c *Cache) PathOf(src Source) string {
	return filepath.Join(c.Dir, c.RelPath(src))
}

// RelPath returns the path of src relative to the cache directory.
func (c *Cache) RelPath(src Source) string {
	switch src.Method {
	case Git:
		return filepath.Join(constants.GitSrcDir, src.LocalName)
	case Custom:
		return filepath.Join(constants.CustomSrcDir, src.LocalName)
	}
	return src.LocalName
}

// Ensure makes src available in the cache. Archives already present are not
// downloaded again, git trees are fast-forwarded and recloned if the pull fails.
func (c *Cache) Ensure(ctx context.Context, src Source) error {
	if err := vfs.MkdirAll(c.FS, c.Dir, 0o755); err != nil {
		return err
	}
	var op func() error
	switch src.Method {
	case Archive:
		if _, err := c.FS.Stat(c.PathOf(src)); err == nil {
			utils.Log.Debug().Str("file", src.LocalName).Msg("distfile already cached")
			return nil
		}
		op = func() error { return c.download(ctx, src) }
	case Git:
		op = func() error { return c.pull(ctx, src) }
	default:
		return constants.ErrCustomFetch
	}

	err := retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(c.Attempts),
		retry.Delay(c.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			utils.Log.Warn().Err(err).Uint("attempt", n+1).Str("url", src.URL).Msg("fetch failed, retrying")
		}),
	)
	if err != nil {
		return &bbkierr.FetchError{URL: src.URL, Err: err}
	}
	return nil
}

func (c *Cache) download(ctx context.Context, src Source) error {
	dst := c.PathOf(src)
	partial := dst + ".partial"
	rawPartial, err := c.FS.RawPath(partial)
	if err != nil {
		return err
	}
	_ = c.FS.Remove(partial)
	utils.Log.Info().Str("url", src.URL).Str("file", src.LocalName).Msg("downloading")
	if err := c.Downloader.Download(ctx, src.URL, rawPartial); err != nil {
		_ = c.FS.Remove(partial)
		return err
	}
	return c.FS.Rename(partial, dst)
}

func (c *Cache) pull(ctx context.Context, src Source) error {
	dir := c.PathOf(src)
	raw, err := c.FS.RawPath(dir)
	if err != nil {
		return err
	}
	if _, err := c.FS.Stat(filepath.Join(dir, ".git")); err == nil {
		utils.Log.Info().Str("url", src.URL).Msg("updating git tree")
		_, err = c.Runner.Run(ctx, "git", "-C", raw, "pull", "--ff-only", "--quiet")
		if err == nil {
			return nil
		}
		utils.Log.Warn().Err(err).Str("dir", dir).Msg("pull failed, recloning")
	}
	if err := c.FS.RemoveAll(dir); err != nil {
		return err
	}
	if err := vfs.MkdirAll(c.FS, filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	utils.Log.Info().Str("url", src.URL).Msg("cloning")
	_, err = c.Runner.Run(ctx, "git", "clone", "--quiet", src.CloneURL(), raw)
	return err
}

// Entries lists the cache content as relative paths: top level entries,
// except under git-src where entries are listed at the second level and
// under custom-src where each atom directory is one entry.
func (c *Cache) Entries() ([]string, error) {
	top, err := c.FS.ReadDir(c.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range top {
		if e.Name() == constants.CustomSrcDir && e.IsDir() {
			atoms, err := c.FS.ReadDir(filepath.Join(c.Dir, constants.CustomSrcDir))
			if err != nil {
				return nil, err
			}
			for _, a := range atoms {
				out = append(out, filepath.Join(constants.CustomSrcDir, a.Name()))
			}
			continue
		}
		if e.Name() != constants.GitSrcDir || !e.IsDir() {
			out = append(out, e.Name())
			continue
		}
		hosts, err := c.FS.ReadDir(filepath.Join(c.Dir, constants.GitSrcDir))
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			if !h.IsDir() {
				out = append(out, filepath.Join(constants.GitSrcDir, h.Name()))
				continue
			}
			items, err := c.FS.ReadDir(filepath.Join(c.Dir, constants.GitSrcDir, h.Name()))
			if err != nil {
				return nil, err
			}
			for _, i := range items {
				out = append(out, filepath.Join(constants.GitSrcDir, h.Name(), i.Name()))
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// GC removes every entry not covered by keep, which holds paths relative
// to the cache directory. It returns the removed paths.
func (c *Cache) GC(keep []string, pretend bool) ([]string, error) {
	entries, err := c.Entries()
	if err != nil {
		return nil, err
	}
	var garbage []string
	for _, e := range entries {
		if kept(e, keep) {
			continue
		}
		p := filepath.Join(c.Dir, e)
		garbage = append(garbage, p)
		if pretend {
			continue
		}
		utils.Log.Info().Str("path", p).Msg("removing distfile")
		if err := c.FS.RemoveAll(p); err != nil {
			return garbage, fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return garbage, nil
}

func kept(entry string, keep []string) bool {
	for _, k := range keep {
		if k == entry || strings.HasPrefix(k, entry+"/") {
			return true
		}
	}
	return false
}
