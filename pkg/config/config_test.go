package config_test

import (
	"errors"

	"github.com/kairos-io/bbki/pkg/bbkierr"
	"github.com/kairos-io/bbki/pkg/config"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4/vfst"
)

func load(files map[string]interface{}) (*config.Config, error) {
	root := map[string]interface{}{"/etc/bbki": &vfst.Dir{Perm: 0o755}}
	for k, v := range files {
		root["/etc/bbki/"+k] = v
	}
	fs, cleanup, err := vfst.NewTestFS(root)
	Expect(err).ToNot(HaveOccurred())
	DeferCleanup(cleanup)
	return config.Load(fs, "/etc/bbki")
}

func expectConfigError(err error) {
	var cerr *bbkierr.ConfigError
	ExpectWithOffset(1, errors.As(err, &cerr)).To(BeTrue(), "%v", err)
}

var _ = Describe("config", func() {
	It("defaults everything when the directory is empty", func() {
		c, err := load(nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(c.KernelType).To(BeEmpty())
		Expect(c.Addons).To(BeEmpty())
		Expect(c.WaitTime).To(Equal(0))
		Expect(c.InitCmd()).To(Equal("/sbin/init"))
		Expect(c.RemountBootRW).To(BeFalse())
	})

	It("reads the full surface", func() {
		c, err := load(map[string]interface{}{
			"bbki.kernel":               "# kernel\nlinux/vanilla\n",
			"bbki.kernel_addon/10-base": "wireless-regdb\nzfs\nnvidia\n",
			"bbki.kernel_addon/20-drop": "-zfs\nbbr\n",
			"bbki.options": `[bootloader]
wait-time = 5

[kernel]
init-cmdline = quiet loglevel=3

[system]
init = openrc
remount-boot-rw = yes

[initramfs]
atom = minitrd
`,
			"bbki.mask/kernels": ">linux/vanilla-5.15\n",
			"make.conf":         "JOBS=8\nMAKEOPTS=\"-j${JOBS}\"\n",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(c.KernelType).To(Equal("linux"))
		Expect(c.KernelName).To(Equal("vanilla"))
		Expect(c.Addons).To(Equal([]string{"wireless-regdb", "nvidia", "bbr"}))
		Expect(c.WaitTime).To(Equal(5))
		Expect(c.InitCmdline).To(Equal("quiet loglevel=3"))
		Expect(c.InitCmd()).To(Equal("/sbin/openrc-init"))
		Expect(c.RemountBootRW).To(BeTrue())
		Expect(c.InitramfsAtom).To(Equal("minitrd"))
		Expect(c.Masks).To(HaveLen(1))
		Expect(c.Masks[0].String()).To(Equal(">linux/vanilla-5.15"))
		Expect(c.MakeOpts).To(Equal("-j8"))
	})

	It("accepts a plain add-on file and an absolute init", func() {
		c, err := load(map[string]interface{}{
			"bbki.kernel_addon": "bbr\n",
			"bbki.options":      "[system]\ninit = /usr/local/sbin/myinit\n",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(c.Addons).To(Equal([]string{"bbr"}))
		Expect(c.InitCmd()).To(Equal("/usr/local/sbin/myinit"))
	})

	DescribeTable("rejects bad input",
		func(files map[string]interface{}) {
			_, err := load(files)
			expectConfigError(err)
		},
		Entry("kernel without type", map[string]interface{}{"bbki.kernel": "vanilla\n"}),
		Entry("two kernels", map[string]interface{}{"bbki.kernel": "linux/vanilla\nlinux/lts\n"}),
		Entry("relative init", map[string]interface{}{"bbki.options": "[system]\ninit = runit\n"}),
		Entry("negative wait time", map[string]interface{}{"bbki.options": "[bootloader]\nwait-time = -1\n"}),
		Entry("non-numeric wait time", map[string]interface{}{"bbki.options": "[bootloader]\nwait-time = soon\n"}),
		Entry("bad boolean", map[string]interface{}{"bbki.options": "[system]\nremount-boot-rw = maybe\n"}),
		Entry("unknown section", map[string]interface{}{"bbki.options": "[grub]\ntheme = dark\n"}),
		Entry("unknown key", map[string]interface{}{"bbki.options": "[kernel]\ncmdline = quiet\n"}),
		Entry("key outside a section", map[string]interface{}{"bbki.options": "wait-time = 3\n"}),
		Entry("bad mask", map[string]interface{}{"bbki.mask/x": "<linux/vanilla-5.15\n"}),
	)
})
