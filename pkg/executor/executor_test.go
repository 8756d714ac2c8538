package executor_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/kairos-io/bbki/internal/mocks"
	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/kairos-io/bbki/pkg/bootentry"
	"github.com/kairos-io/bbki/pkg/distfiles"
	"github.com/kairos-io/bbki/pkg/executor"
	"github.com/kairos-io/bbki/pkg/layout"
	"github.com/kairos-io/bbki/pkg/repo"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"
)

const kernelRecipe = `SRC_URI="https://cdn.kernel.org/pub/linux/kernel/v5.x/linux-5.10.tar.xz
https://example.org/fix-build.patch"

src_prepare() {
	patch -p1 < "${WORKDIR}/fix-build.patch"
}
`

const addonRecipe = `kernel_addon_contribute_config_rules() {
	echo "WIREGUARD=m"
}

fetch() {
	git clone https://example.org/wg "${WORKDIR}/wg"
}
`

var _ = Describe("recipe executor", func() {
	var fs vfs.FS
	var cleanup func()
	var runner *mocks.FakeRunner
	var shell *mocks.FakeShell
	var ex *executor.Executor
	var kernel, addon *repo.Atom
	ctx := context.Background()

	raw := func(p string) string {
		r, err := fs.RawPath(p)
		Expect(err).ToNot(HaveOccurred())
		return r
	}

	BeforeEach(func() {
		var err error
		fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
			"/repo/linux/kernel/vanilla/5.10.0.recipe":      kernelRecipe,
			"/repo/linux/kernel-addon/wireguard/1.0.recipe": addonRecipe,
			"/distfiles/linux-5.10.tar.xz":                  "xz",
			"/distfiles/fix-build.patch":                    "--- a\n+++ b\n",
			"/boot":                                         &vfst.Dir{Perm: 0o755},
		})
		Expect(err).ToNot(HaveOccurred())
		runner = &mocks.FakeRunner{}
		shell = &mocks.FakeShell{}

		r := repo.New(fs, "/repo", runner)
		kernel, err = r.Find("linux", repo.CategoryKernel, "vanilla", "5.10.0")
		Expect(err).ToNot(HaveOccurred())
		addon, err = r.Find("linux", repo.CategoryKernelAddon, "wireguard", "1.0")
		Expect(err).ToNot(HaveOccurred())

		ex = executor.New(layout.New(fs), distfiles.New(fs, "/distfiles", runner), runner, "/var/tmp/bbki", "x86_64")
		ex.Shell = shell
		ex.MakeOpts = "-j4 V=1"
		ex.HelperDir = "/usr/libexec/bbki/helpers"
	})
	AfterEach(func() {
		cleanup()
	})

	It("allocates and disposes the workspace", func() {
		ws, err := ex.Prepare(kernel)
		Expect(err).ToNot(HaveOccurred())
		Expect(ws.Root).To(Equal("/var/tmp/bbki/kernel/vanilla"))
		Expect(ws.Temp).To(Equal("/var/tmp/bbki/kernel/vanilla/temp"))
		Expect(ws.Work).To(Equal("/var/tmp/bbki/kernel/vanilla/work"))
		_, err = fs.Stat(ws.Work)
		Expect(err).ToNot(HaveOccurred())

		Expect(ex.Dispose(kernel)).To(Succeed())
		_, err = fs.Stat(ws.Root)
		Expect(err).To(HaveOccurred())
	})

	It("runs recipe functions with the environment prelude", func() {
		_, err := ex.Prepare(kernel)
		Expect(err).ToNot(HaveOccurred())
		Expect(ex.RunPhase(ctx, kernel, repo.PhaseSrcPrepare, executor.Env{})).To(Succeed())

		Expect(shell.Phases()).To(Equal([]string{repo.PhaseSrcPrepare}))
		c := shell.Commands[0]
		Expect(c.Dir).To(Equal(raw("/var/tmp/bbki/kernel/vanilla/work")))
		Expect(c.Recipe).To(Equal(raw("/repo/linux/kernel/vanilla/5.10.0.recipe")))
		Expect(c.Script()).To(Equal(`. "$1"; src_prepare`))

		for k, v := range map[string]string{
			"P":        "vanilla-5.10.0",
			"PN":       "vanilla",
			"PV":       "5.10.0",
			"ARCH":     "x86_64",
			"MAKEOPTS": "-j4 V=1",
			"WORKDIR":  raw("/var/tmp/bbki/kernel/vanilla/work"),
			"T":        raw("/var/tmp/bbki/kernel/vanilla/temp"),
			"FILESDIR": raw("/repo/linux/kernel/vanilla/files"),
			"A":        fmt.Sprintf("%s %s", raw("/distfiles/linux-5.10.tar.xz"), raw("/distfiles/fix-build.patch")),
			"DISTDIR":  raw("/distfiles"),
		} {
			got, ok := shell.EnvOf(0, k)
			Expect(ok).To(BeTrue(), k)
			Expect(got).To(Equal(v), k)
		}
		path, _ := shell.EnvOf(0, "PATH")
		Expect(path).To(HavePrefix("/usr/libexec/bbki/helpers:"))
		_, ok := shell.EnvOf(0, "KERNEL_DIR")
		Expect(ok).To(BeFalse())
	})

	It("does not export A to the fetch phase", func() {
		_, err := ex.Prepare(addon)
		Expect(err).ToNot(HaveOccurred())
		Expect(ex.RunPhase(ctx, addon, repo.PhaseFetch, executor.Env{})).To(Succeed())
		_, ok := shell.EnvOf(0, "A")
		Expect(ok).To(BeFalse())
	})

	It("gives a recipe's own fetch a cache directory before any workspace exists", func() {
		Expect(ex.RunPhase(ctx, addon, repo.PhaseFetch, executor.Env{})).To(Succeed())
		c := shell.Commands[0]
		Expect(c.Dir).To(Equal(raw("/var/tmp/bbki/kernel-addon/wireguard/work")))
		_, err := fs.Stat("/var/tmp/bbki/kernel-addon/wireguard/work")
		Expect(err).ToNot(HaveOccurred())

		distdir, ok := shell.EnvOf(0, "DISTDIR")
		Expect(ok).To(BeTrue())
		Expect(distdir).To(Equal(raw("/distfiles/custom-src/wireguard-1.0")))
		_, err = fs.Stat("/distfiles/custom-src/wireguard-1.0")
		Expect(err).ToNot(HaveOccurred())
	})

	It("unpacks archives and copies other distfiles by default", func() {
		_, err := ex.Prepare(kernel)
		Expect(err).ToNot(HaveOccurred())
		Expect(ex.RunPhase(ctx, kernel, repo.PhaseSrcUnpack, executor.Env{})).To(Succeed())
		Expect(shell.Commands).To(BeEmpty())
		Expect(runner.CmdsContain("tar", "-xf", raw("/distfiles/linux-5.10.tar.xz"), "-C", raw("/var/tmp/bbki/kernel/vanilla/work"))).To(BeTrue())
		b, err := fs.ReadFile("/var/tmp/bbki/kernel/vanilla/work/fix-build.patch")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(b)).To(HavePrefix("--- a"))
	})

	It("builds and installs the kernel by default", func() {
		_, err := ex.Prepare(kernel)
		Expect(err).ToNot(HaveOccurred())
		kdir := "/var/tmp/bbki/kernel/vanilla/work/linux-5.10"
		Expect(vfs.MkdirAll(fs, kdir+"/arch/x86/boot", 0o755)).To(Succeed())
		Expect(fs.WriteFile(kdir+"/arch/x86/boot/bzImage", []byte("image"), 0o644)).To(Succeed())
		Expect(fs.WriteFile(kdir+"/.config", []byte("CONFIG_EXT4_FS=m\n"), 0o644)).To(Succeed())
		Expect(ex.SourceDir(kernel)).To(Equal(kdir))

		Expect(ex.RunPhase(ctx, kernel, repo.PhaseKernelBuild, executor.Env{})).To(Succeed())
		Expect(runner.Calls).To(HaveLen(2))
		Expect(runner.Calls[0]).To(Equal([]string{"make", "-C", raw(kdir), "-j4", "V=1"}))
		Expect(runner.Calls[1]).To(Equal([]string{"make", "-C", raw(kdir), "-j4", "V=1", "modules"}))

		entry, err := bootentry.New("x86_64", "5.10.0", bootentry.Current)
		Expect(err).ToNot(HaveOccurred())
		runner.ClearCmds()
		Expect(ex.RunPhase(ctx, kernel, repo.PhaseKernelInstall, executor.Env{Entry: entry})).To(Succeed())
		b, err := fs.ReadFile("/boot/kernel-x86_64-5.10.0")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(b)).To(Equal("image"))
		_, err = fs.Stat("/boot/config-x86_64-5.10.0")
		Expect(err).ToNot(HaveOccurred())
		Expect(runner.CmdsContain("make", "-C", raw(kdir), "-j4", "V=1", "modules_install", "INSTALL_MOD_PATH="+raw("/"))).To(BeTrue())
	})

	It("treats absent hook phases as no-ops", func() {
		for _, p := range []string{repo.PhaseSrcPrepare, repo.PhaseKernelAddonPatchKernel, repo.PhaseKernelCleanup, repo.PhaseInitramfsInstall} {
			Expect(ex.RunPhase(ctx, addon, p, executor.Env{})).To(Succeed())
		}
		Expect(shell.Commands).To(BeEmpty())
		Expect(runner.Calls).To(BeEmpty())
	})

	It("captures the output of rules contributors", func() {
		shell.SideEffect = func(c executor.PhaseCommand) (string, string, error) {
			return "WIREGUARD=m\n", "", nil
		}
		out, err := ex.Capture(ctx, addon, repo.PhaseKernelAddonContributeConfig, executor.Env{})
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal("WIREGUARD=m\n"))

		out, err = ex.Capture(ctx, kernel, repo.PhaseKernelAddonContributeConfig, executor.Env{})
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(BeEmpty())
		Expect(shell.Commands).To(HaveLen(1))
	})

	It("reports failing phases with their stderr", func() {
		shell.SideEffect = func(c executor.PhaseCommand) (string, string, error) {
			return "", "patch: **** malformed patch\n", errors.New("exit status 2")
		}
		err := ex.RunPhase(ctx, kernel, repo.PhaseSrcPrepare, executor.Env{})
		var failed *bbkierr.RecipePhaseFailed
		Expect(errors.As(err, &failed)).To(BeTrue())
		Expect(failed.Phase).To(Equal(repo.PhaseSrcPrepare))
		Expect(failed.Atom).To(Equal(kernel.String()))
		Expect(failed.Stderr).To(ContainSubstring("malformed patch"))
	})
})
