package version_test

import (
	"runtime"

	"github.com/kairos-io/bbki/internal/version"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("version", func() {
	It("always names a commit", func() {
		v := version.Get()
		Expect(v.Version).To(Equal(version.GetVersion()))
		Expect(v.GitCommit).ToNot(BeEmpty())
		Expect(v.Platform).To(Equal(runtime.GOOS + "/" + runtime.GOARCH))
	})
	It("marks dirty builds", func() {
		v := version.BuildInfo{Version: "v0.1.0", GitCommit: "abc123", Dirty: true, GoVersion: "go1.22.0", Platform: "linux/amd64"}
		Expect(v.String()).To(Equal("v0.1.0 (abc123-dirty, go1.22.0, linux/amd64)"))
	})
})
