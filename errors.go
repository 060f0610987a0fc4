// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrCorruptArchive indicates a structurally invalid archive: bad magic,
	// tables outside the file, or sector offsets out of range.
	ErrCorruptArchive = errors.New("mpq: corrupt archive")

	// ErrNotFound is returned when a name does not resolve to an existing,
	// non-deleted file. It matches fs.ErrNotExist.
	ErrNotFound = fmt.Errorf("mpq: file not found: %w", fs.ErrNotExist)

	// ErrUnsupportedCompression is matched by *UnsupportedCompressionError.
	ErrUnsupportedCompression = errors.New("mpq: unsupported compression")

	// ErrMissingEncryptionKey is returned for encrypted files whose key
	// cannot be derived.
	ErrMissingEncryptionKey = errors.New("mpq: missing encryption key")

	// ErrDecompression is returned when a codec fails or produces a
	// different number of bytes than the block table promises.
	ErrDecompression = errors.New("mpq: decompression failed")

	// ErrClosed is returned by operations on a closed archive or file.
	ErrClosed = fs.ErrClosed
)

// UnsupportedCompressionError reports the compression method byte of a
// sector that no codec can decode.
type UnsupportedCompressionError struct {
	Method byte
}

func (e *UnsupportedCompressionError) Error() string {
	return fmt.Sprintf("mpq: unsupported compression method 0x%02X", e.Method)
}

func (e *UnsupportedCompressionError) Is(target error) bool {
	return target == ErrUnsupportedCompression
}
