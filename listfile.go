// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
)

// listFileName is the pseudo-file holding the names of the archive's files.
const listFileName = "(listfile)"

// ListFiles returns the names recorded in the archive's (listfile) that
// resolve to existing files. Without a listfile the archive cannot be
// enumerated and ErrNotFound is returned.
func (a *Archive) ListFiles() ([]string, error) {
	f, err := a.OpenFile(listFileName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.logger.Debug("listfileMissing", "path", a.path)
		}
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read listfile: %w", err)
	}

	var names []string
	for _, name := range splitListFile(string(data)) {
		if a.Has(name) {
			names = append(names, name)
		}
	}
	return names, nil
}

// splitListFile splits a listfile on CR, LF and ';', dropping blanks and
// case-insensitive duplicates.
func splitListFile(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '\r' || r == '\n' || r == ';'
	})

	seen := make(map[uint64]struct{}, len(fields))
	names := fields[:0]
	for _, name := range fields {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := nameKey(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, name)
	}
	return names
}

// nameKey hashes the case-folded, backslash-separated form of name.
func nameKey(name string) uint64 {
	return xxhash.Sum64String(strings.ToUpper(normalizeName(name)))
}

// Glob returns the listed names matching a doublestar pattern. Matching
// is case-insensitive and '\' in names is treated as '/'.
func (a *Archive) Glob(pattern string) ([]string, error) {
	names, err := a.ListFiles()
	if err != nil {
		return nil, err
	}
	return globNames(names, pattern)
}

func globNames(names []string, pattern string) ([]string, error) {
	pattern = strings.ToUpper(strings.ReplaceAll(pattern, "\\", "/"))
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: %q", doublestar.ErrBadPattern, pattern)
	}

	var matches []string
	for _, name := range names {
		ok, err := doublestar.Match(pattern, strings.ToUpper(strings.ReplaceAll(name, "\\", "/")))
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, name)
		}
	}
	return matches, nil
}
