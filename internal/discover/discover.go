// Package discover finds the spec files a run extracts test cases from.
package discover

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultSuffix is the file-name suffix searched for when the path names a
// directory.
const DefaultSuffix = "_spec.rb"

// Files returns the spec files under root for the given relative search path.
//
// A path ending in ".rb" names a single file, which must exist. Any other
// path is walked recursively for files ending in suffix. Files whose
// slash-separated relative path matches the exclude expression are dropped.
// Results are relative to root, slash-separated, and sorted.
func Files(root, path, exclude, suffix string) ([]string, error) {
	if path == "" {
		path = "."
	}
	if suffix == "" {
		suffix = DefaultSuffix
	}
	var excludeRe *regexp.Regexp
	if exclude != "" {
		re, err := regexp.Compile(exclude)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", exclude, err)
		}
		excludeRe = re
	}

	full := filepath.Join(root, path)
	if strings.HasSuffix(path, ".rb") {
		if _, err := os.Stat(full); err != nil {
			return nil, fmt.Errorf("spec file: %w", err)
		}
		rel := filepath.ToSlash(filepath.Clean(path))
		if excludeRe != nil && excludeRe.MatchString(rel) {
			return nil, nil
		}
		return []string{rel}, nil
	}

	var files []string
	err := filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if excludeRe != nil && excludeRe.MatchString(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", full, err)
	}
	sort.Strings(files)
	return files, nil
}
