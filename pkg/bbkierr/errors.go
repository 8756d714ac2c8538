// Package bbkierr holds the typed errors surfaced by the boot-stack coordinator.
// Every type wraps its cause, so callers should match with errors.As.
package bbkierr

import (
	"fmt"
	"strings"
)

// RunningEnvironmentError is raised when a directory or external tool required at runtime is missing.
type RunningEnvironmentError struct {
	What string
	Err  error
}

func (e *RunningEnvironmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("running environment: %s: %s", e.What, e.Err)
	}
	return fmt.Sprintf("running environment: %s", e.What)
}

func (e *RunningEnvironmentError) Unwrap() error { return e.Err }

// ConfigError is raised for malformed configuration files or unrecognized option values.
type ConfigError struct {
	File string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.File, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// RepoError covers recipe parse failures, mutually exclusive recipe fields and missing atoms.
type RepoError struct {
	Atom string
	Err  error
}

func (e *RepoError) Error() string {
	return fmt.Sprintf("repository %s: %s", e.Atom, e.Err)
}

func (e *RepoError) Unwrap() error { return e.Err }

// FetchError is raised once a download or a source control pull exhausted its retries.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %s", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// RecipePhaseFailed is raised when a recipe phase exits non-zero.
type RecipePhaseFailed struct {
	Atom   string
	Phase  string
	Stderr string
	Err    error
}

func (e *RecipePhaseFailed) Error() string {
	msg := fmt.Sprintf("phase %s of %s failed", e.Phase, e.Atom)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg = fmt.Sprintf("%s\n%s", msg, s)
	}
	return msg
}

func (e *RecipePhaseFailed) Unwrap() error { return e.Err }

// KernelBuildError wraps a failure inside the kernel pipeline.
// State is the last state the pipeline completed successfully.
type KernelBuildError struct {
	Phase string
	Atom  string
	State string
	Err   error
}

func (e *KernelBuildError) Error() string {
	return fmt.Sprintf("kernel pipeline %s (%s, state %s): %s", e.Phase, e.Atom, e.State, e.Err)
}

func (e *KernelBuildError) Unwrap() error { return e.Err }

// InitramfsInstallError covers missing kernel config symbols, missing module trees and unusable devices.
type InitramfsInstallError struct {
	Err error
}

func (e *InitramfsInstallError) Error() string {
	return fmt.Sprintf("initramfs: %s", e.Err)
}

func (e *InitramfsInstallError) Unwrap() error { return e.Err }

// BootloaderInstallError is raised when the bootloader can not be installed or regenerated consistently.
type BootloaderInstallError struct {
	Err error
}

func (e *BootloaderInstallError) Error() string {
	return fmt.Sprintf("bootloader: %s", e.Err)
}

func (e *BootloaderInstallError) Unwrap() error { return e.Err }

// InvalidMountPoint is raised when an advertised device does not match what is mounted.
type InvalidMountPoint struct {
	MountPoint string
	Want       string
	Got        string
}

func (e *InvalidMountPoint) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("%s is not a mount point, expected %s", e.MountPoint, e.Want)
	}
	return fmt.Sprintf("%s is mounted from %s, expected %s", e.MountPoint, e.Got, e.Want)
}

// UnknownDevice is raised when the topology probe can not classify a device path.
type UnknownDevice struct {
	Device string
}

func (e *UnknownDevice) Error() string {
	return fmt.Sprintf("unknown device %s", e.Device)
}
