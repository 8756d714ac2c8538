// Package kver orders kernel and recipe version strings.
//
// Accepted shape: dot separated numbers, an optional single letter,
// any number of dash separated alphanumeric suffixes and an optional
// trailing -r<revision>. Anything else is rejected instead of being
// compared in an arbitrary way.
package kver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var preReleaseRegex = regexp.MustCompile(`^(rc|pre|alpha|beta)\d*$`)

var versionRegex = regexp.MustCompile(`^(\d+(?:\.\d+)*)([a-z]?)((?:-[A-Za-z][A-Za-z0-9_]*)*?)(?:-r(\d+))?$`)

type Version struct {
	raw    string
	nums   []int
	letter string
	suffix []string
	Rev    int
}

// Parse parses a version string, with or without revision.
func Parse(s string) (Version, error) {
	m := versionRegex.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("invalid version string %q", s)
	}
	v := Version{raw: s, letter: m[2]}
	for _, seg := range strings.Split(m[1], ".") {
		n, err := strconv.Atoi(seg)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version string %q: %w", s, err)
		}
		v.nums = append(v.nums, n)
	}
	if m[3] != "" {
		v.suffix = strings.Split(strings.TrimPrefix(m[3], "-"), "-")
	}
	if m[4] != "" {
		rev, err := strconv.Atoi(m[4])
		if err != nil {
			return Version{}, fmt.Errorf("invalid revision in %q: %w", s, err)
		}
		v.Rev = rev
	}
	return v, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Valid reports whether s is an accepted version string
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

func (v Version) String() string {
	return v.raw
}

// Base returns the version without its revision
func (v Version) Base() string {
	if v.Rev == 0 {
		return strings.TrimSuffix(v.raw, "-r0")
	}
	return strings.TrimSuffix(v.raw, fmt.Sprintf("-r%d", v.Rev))
}

// preRelease suffixes like rc1 sort before the bare version
func preRelease(s string) bool {
	return preReleaseRegex.MatchString(s)
}

// Compare returns -1, 0 or 1. Numbers compare component-wise, a missing
// component sorts first (5.10 < 5.10.0 < 5.10.1), then the letter, then
// the suffixes, then the revision.
func (v Version) Compare(o Version) int {
	for i := 0; i < len(v.nums) || i < len(o.nums); i++ {
		switch {
		case i >= len(v.nums):
			return -1
		case i >= len(o.nums):
			return 1
		case v.nums[i] < o.nums[i]:
			return -1
		case v.nums[i] > o.nums[i]:
			return 1
		}
	}
	if c := strings.Compare(v.letter, o.letter); c != 0 {
		return c
	}
	for i := 0; i < len(v.suffix) || i < len(o.suffix); i++ {
		switch {
		case i >= len(v.suffix):
			if preRelease(o.suffix[i]) {
				return 1
			}
			return -1
		case i >= len(o.suffix):
			if preRelease(v.suffix[i]) {
				return -1
			}
			return 1
		}
		if c := strings.Compare(v.suffix[i], o.suffix[i]); c != 0 {
			return c
		}
	}
	switch {
	case v.Rev < o.Rev:
		return -1
	case v.Rev > o.Rev:
		return 1
	}
	return 0
}

// Compare parses and compares two version strings.
func Compare(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}
