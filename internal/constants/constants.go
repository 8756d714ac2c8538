package constants

import "errors"

// DefaultRequiredTools are the external binaries the core shells out to.
// If one is missing, most verbs will fail halfway through.
func DefaultRequiredTools() []string {
	return []string{"make", "grub-install", "grub-editenv", "modinfo", "cpio", "find", "tar", "git", "blkid", "sh"}
}

var (
	ErrAlreadyMounted   = errors.New("already mounted")
	ErrNoMainEntry      = errors.New("no main boot entry")
	ErrMultipleMain     = errors.New("multiple main boot entries")
	ErrRescueIncomplete = errors.New("rescue os referenced without its files")
	ErrCustomFetch      = errors.New("custom sources are fetched by the recipe fetch phase")
	ErrFetchAndSrcURI   = errors.New("recipe declares both a fetch phase and SRC_URI")
	ErrNotInstalled     = errors.New("bootloader not installed")
)

const (
	OpUnpack    = "unpack"
	OpPatch     = "patch"
	OpConfigure = "configure"
	OpBuild     = "build"
	OpInstall   = "install"

	DefaultConfigDir    = "/etc/bbki"
	DefaultRepoDir      = "/var/lib/bbki/repo"
	DefaultDistfilesDir = "/var/cache/bbki/distfiles"
	DefaultTmpDir       = "/var/tmp/bbki"
	DefaultHelperDir    = "/usr/libexec/bbki/helpers"
	DefaultResourcesDir = "/usr/share/bbki"
	DefaultRulesDir     = "/usr/share/bbki/kconfig-rules"

	DefaultRulesProcessor = "kcfg-rules-apply"

	GitSrcDir    = "git-src"
	CustomSrcDir = "custom-src"
)
