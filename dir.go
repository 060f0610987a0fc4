// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DirProvider serves files from a directory tree. Names use '/' or '\'
// as separators and may not leave the root.
type DirProvider struct {
	root string
}

// NewDirProvider returns a provider rooted at root.
func NewDirProvider(root string) *DirProvider {
	return &DirProvider{root: root}
}

func (d *DirProvider) path(name string) (string, bool) {
	rel := filepath.FromSlash(strings.TrimLeft(strings.ReplaceAll(name, "\\", "/"), "/"))
	if !filepath.IsLocal(rel) {
		return "", false
	}
	return filepath.Join(d.root, rel), true
}

// Has reports whether name is a regular file under the root.
func (d *DirProvider) Has(name string) bool {
	p, ok := d.path(name)
	if !ok {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// Open opens name for reading.
func (d *DirProvider) Open(name string) (Stream, error) {
	p, ok := d.path(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	} else if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, name)
	}
	return &dirFile{File: f, size: fi.Size()}, nil
}

// ListFiles returns every regular file under the root, '\'-separated.
func (d *DirProvider) ListFiles() ([]string, error) {
	var names []string
	err := filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		names = append(names, strings.ReplaceAll(filepath.ToSlash(rel), "/", "\\"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", d.root, err)
	}
	return names, nil
}

type dirFile struct {
	*os.File
	size int64
}

func (f *dirFile) Size() int64 { return f.size }
