// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Extract copies name from p to destPath, creating parent directories.
// A partially written file is removed on failure.
func Extract(p Provider, name, destPath string) error {
	src, err := p.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(destPath)
		return fmt.Errorf("extract %s: %w", name, err)
	}
	return out.Close()
}

// ExtractFile copies name out of the archive to destPath.
func (a *Archive) ExtractFile(name, destPath string) error {
	return Extract(a, name, destPath)
}

// ExtractFile copies name, as resolved by the loader, to destPath.
func (l *Loader) ExtractFile(name, destPath string) error {
	return Extract(l, name, destPath)
}
