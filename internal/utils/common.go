package utils

import (
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/twpayne/go-vfs/v4"
)

// UniqueSlice removes duplicated entries from a slice, keeping the first seen order
func UniqueSlice(slice []string) []string {
	keys := make(map[string]bool)
	var list []string
	for _, entry := range slice {
		if _, value := keys[entry]; !value {
			keys[entry] = true
			list = append(list, entry)
		}
	}
	return list
}

// CleanupSlice will clean a slice of strings of empty items
// Typos in config files can introduce empty items
// in the lists that we need to go over
func CleanupSlice(slice []string) []string {
	var cleanSlice []string
	for _, item := range slice {
		if strings.Trim(item, " ") == "" {
			continue
		}
		cleanSlice = append(cleanSlice, item)
	}
	return cleanSlice
}

// ReadEnv reads a shell variable file, expanding ${OTHER} references.
func ReadEnv(fs vfs.FS, file string) (map[string]string, error) {
	b, err := fs.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return godotenv.UnmarshalBytes(b)
}

// ParseEnv parses KEY=value lines as printed by tools like `blkid -o export`.
func ParseEnv(s string) (map[string]string, error) {
	return godotenv.Unmarshal(s)
}

// SortedKeys returns the keys of a map in lexicographic order
func SortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
