package initramfs

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/kairos-io/bbki/pkg/layout"
	"github.com/ulikunitz/xz/lzma"
)

func skeleton() []string {
	return []string{
		"/bin", "/dev", "/etc", "/lib", "/lib64", "/proc", "/run", "/sbin", "/sys", "/tmp",
		"/usr/bin", "/usr/sbin", "/usr/lib", "/usr/lib64", "/var", "/sysroot",
	}
}

const lvmConf = `devices {
    write_cache_state = 0
    obtain_device_list_from_udev = 0
}
global {
    locking_type = 4
    use_lvmetad = 0
}
backup {
    backup = 0
    archive = 0
}
`

// Apply stages the planned image and writes the initramfs and its inspection
// tarball to the paths of the plan's entry.
func (b *Builder) Apply(ctx context.Context, p *Plan) error {
	if err := b.apply(ctx, p); err != nil {
		return &bbkierr.InitramfsInstallError{Err: err}
	}
	return nil
}

func (b *Builder) apply(ctx context.Context, p *Plan) error {
	l := b.Layout
	stage := filepath.Join(b.TmpDir, "initramfs-"+p.Entry.Postfix())
	if err := l.FS.RemoveAll(stage); err != nil {
		return err
	}
	defer func() {
		utils.LogIfError(l.FS.RemoveAll(stage), "removing initramfs staging dir")
	}()

	dirs := append(skeleton(), p.Entry.Files().ModulesDir, layout.FirmwareDir)
	for _, d := range dirs {
		if err := l.EnsureDir(filepath.Join(stage, d)); err != nil {
			return err
		}
	}

	for _, f := range append(append([]string{}, p.Modules...), p.Firmware...) {
		if err := b.copyInto(stage, f); err != nil {
			return err
		}
	}

	if err := l.FS.WriteFile(filepath.Join(stage, "/etc/passwd"), []byte("root:x:0:0::/root:/bin/sh\n"), 0o644); err != nil {
		return err
	}
	if err := l.FS.WriteFile(filepath.Join(stage, "/etc/group"), []byte("root:x:0:\n"), 0o644); err != nil {
		return err
	}
	if len(p.Modules) > 0 {
		if err := b.copyBinary(stage, "insmod"); err != nil {
			return err
		}
	}
	if p.NeedLVM {
		if err := b.copyBinary(stage, "lvm"); err != nil {
			return err
		}
		if err := l.EnsureDir(filepath.Join(stage, "/etc/lvm")); err != nil {
			return err
		}
		if err := l.FS.WriteFile(filepath.Join(stage, "/etc/lvm/lvm.conf"), []byte(lvmConf), 0o644); err != nil {
			return err
		}
	}
	if err := l.FS.WriteFile(filepath.Join(stage, "/etc/blkid.conf"), []byte("EVALUATE=scan\n"), 0o644); err != nil {
		return err
	}
	init, err := l.FS.ReadFile(filepath.Join(b.ResourcesDir, "initramfs", "init"))
	if err != nil {
		return fmt.Errorf("reading bundled init: %w", err)
	}
	if err := l.FS.WriteFile(filepath.Join(stage, "/init"), init, 0o755); err != nil {
		return err
	}
	if err := l.FS.WriteFile(filepath.Join(stage, StartupRC), []byte(p.StartupRC), 0o644); err != nil {
		return err
	}

	return b.pack(ctx, stage, p)
}

// copyInto copies src into the staging root at the same path. A symlink is
// copied as a link and copying continues along its target.
func (b *Builder) copyInto(stage, src string) error {
	chain, err := b.Layout.LinkChain(src)
	if err != nil {
		return err
	}
	for _, p := range chain {
		dst := filepath.Join(stage, p)
		if b.Layout.Exists(dst) {
			return nil
		}
		if err := b.Layout.CopyFile(p, dst); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) findBinary(name string) (string, error) {
	for _, d := range []string{"/sbin", "/usr/sbin", "/bin", "/usr/bin"} {
		if p := filepath.Join(d, name); b.Layout.Exists(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s not found", name)
}

func (b *Builder) copyBinary(stage, name string) error {
	bin, err := b.findBinary(name)
	if err != nil {
		return err
	}
	if err := b.copyInto(stage, bin); err != nil {
		return err
	}
	libs, err := sharedLibraries(b.Layout, bin)
	if err != nil {
		return fmt.Errorf("resolving libraries of %s: %w", bin, err)
	}
	for _, lib := range libs {
		if err := b.copyInto(stage, lib); err != nil {
			return err
		}
	}
	return nil
}

// pack writes the newc cpio of the staging root compressed as lzma, then a bzip2 tarball of the same tree.
func (b *Builder) pack(ctx context.Context, stage string, p *Plan) error {
	l := b.Layout
	files := p.Entry.Files()
	rawStage, err := l.RawPath(stage)
	if err != nil {
		return err
	}
	archive := stage + ".cpio"
	rawArchive, err := l.RawPath(archive)
	if err != nil {
		return err
	}
	defer func() {
		utils.LogIfError(l.FS.Remove(archive), "removing cpio archive")
	}()
	_, err = b.Runner.Run(ctx, "sh", "-c", `cd "$1" && find . -print0 | cpio --null -H newc -o --quiet > "$2"`, "sh", rawStage, rawArchive)
	if err != nil {
		return fmt.Errorf("creating cpio archive: %w", err)
	}

	if err := l.EnsureDir(filepath.Dir(files.Initramfs)); err != nil {
		return err
	}
	if err := compress(l, archive, files.Initramfs); err != nil {
		return err
	}

	rawTar, err := l.RawPath(files.InitramfsTar)
	if err != nil {
		return err
	}
	if _, err := b.Runner.Run(ctx, "tar", "-cjf", rawTar, "-C", rawStage, "."); err != nil {
		return fmt.Errorf("creating initramfs tarball: %w", err)
	}

	if fi, err := l.FS.Stat(files.Initramfs); err == nil {
		utils.Log.Info().Str("file", files.Initramfs).Str("size", humanize.Bytes(uint64(fi.Size()))).Msg("initramfs written")
	}
	return nil
}

func compress(l *layout.Layout, src, dst string) (err error) {
	in, err := l.FS.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := l.FS.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	w, err := lzma.NewWriter(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		return err
	}
	return w.Close()
}
