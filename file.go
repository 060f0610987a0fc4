// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// File is a seekable stream over one file of an archive. Sectors are
// read, decrypted and decompressed on demand; only the sector under the
// cursor is kept.
//
// A File is not safe for concurrent use, but several Files of the same
// Archive may be used from different goroutines.
type File struct {
	src        *source
	name       string
	block      blockEntry
	base       int64 // absolute offset of the file data
	key        uint32
	sectorSize uint32
	positions  []uint32 // sector start offsets relative to base, plus end
	logger     *slog.Logger

	offset int64 // cursor
	sector int   // index of the buffered sector, -1 if none
	buf    []byte
	closed bool
}

var _ Stream = (*File)(nil)

// newFile binds a File to block. A zero key on an encrypted block means
// the name is unknown and the key must be recovered.
func (a *Archive) newFile(name string, block blockEntry, key uint32) (*File, error) {
	if a.closed.Load() || !a.src.acquire() {
		return nil, ErrClosed
	}

	f := &File{
		src:        a.src,
		name:       name,
		block:      block,
		base:       a.base + int64(block.filePos64()),
		key:        key,
		sectorSize: a.sectorSize,
		logger:     a.logger,
		sector:     -1,
	}

	if err := f.init(); err != nil {
		f.src.release()
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

func (f *File) init() error {
	b := &f.block
	if f.base+int64(b.CompressedSize) > f.src.size {
		return fmt.Errorf("%w: data [0x%X, +%d) beyond end of file", ErrCorruptArchive, f.base, b.CompressedSize)
	}

	encrypted := b.Flags&FileEncrypted != 0
	switch {
	case b.Flags&FileSingleUnit != 0:
		if encrypted && f.key == 0 {
			return ErrMissingEncryptionKey
		}
		if b.Flags&fileCompressMask == 0 && b.CompressedSize < b.FileSize {
			return fmt.Errorf("%w: stored file is %d bytes, want %d", ErrCorruptArchive, b.CompressedSize, b.FileSize)
		}
		f.sectorSize = b.FileSize
		f.positions = []uint32{0, b.CompressedSize}
		return nil

	case b.Flags&fileCompressMask == 0:
		if encrypted && f.key == 0 {
			return ErrMissingEncryptionKey
		}
		if b.CompressedSize < b.FileSize {
			return fmt.Errorf("%w: stored file is %d bytes, want %d", ErrCorruptArchive, b.CompressedSize, b.FileSize)
		}
		f.positions = make([]uint32, f.sectorCount()+1)
		for i := range f.positions {
			f.positions[i] = min(uint32(i)*f.sectorSize, b.FileSize)
		}
		return nil
	}

	return f.readPositions()
}

// readPositions loads the sector position table that precedes the data
// of a compressed, sectored file.
func (f *File) readPositions() error {
	b := &f.block
	n := f.sectorCount() + 1
	if b.Flags&FileSectorCRC != 0 {
		n++
	}

	raw := make([]byte, n*4)
	if err := f.src.readAt(raw, f.base); err != nil {
		return fmt.Errorf("read sector positions: %w", err)
	}
	words := make([]uint32, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}

	if b.Flags&FileEncrypted != 0 {
		if f.key == 0 {
			if n < 2 {
				return ErrMissingEncryptionKey
			}
			f.key = detectFileKey(words[0], words[1], uint32(n*4), uint32(n*4)+f.sectorSize)
			if f.key == 0 {
				f.logger.Warn("fileKeyMissing", "name", f.name)
				return ErrMissingEncryptionKey
			}
			f.logger.Debug("fileKeyDetected", "name", f.name, "key", f.key)
		}
		DecryptBlock(words, f.key-1)
	}

	for i, pos := range words {
		if pos > b.CompressedSize || (i > 0 && pos < words[i-1]) {
			return fmt.Errorf("%w: sector position %d is 0x%X", ErrCorruptArchive, i, pos)
		}
	}
	f.positions = words[:f.sectorCount()+1]
	return nil
}

// sectorCount is the number of sectors of a sectored file.
func (f *File) sectorCount() int {
	if f.sectorSize == 0 {
		return 0
	}
	return int((f.block.FileSize + f.sectorSize - 1) / f.sectorSize)
}

// sectorLen is the decoded size of sector i.
func (f *File) sectorLen(i int) uint32 {
	start := uint32(i) * f.sectorSize
	return min(f.sectorSize, f.block.FileSize-start)
}

// loadSector reads, decrypts and decompresses sector i into f.buf.
func (f *File) loadSector(i int) error {
	if i < 0 || i+1 >= len(f.positions) {
		return fmt.Errorf("%w: sector %d out of range", ErrCorruptArchive, i)
	}
	start, end := f.positions[i], f.positions[i+1]

	raw := make([]byte, end-start)
	if err := f.src.readAt(raw, f.base+int64(start)); err != nil {
		return fmt.Errorf("read sector %d: %w", i, err)
	}

	// files shorter than a dword are stored in the clear
	if f.block.Flags&FileEncrypted != 0 && f.block.FileSize > 3 {
		decryptBytes(raw, f.key+uint32(i))
	}

	want := f.sectorLen(i)
	var data []byte
	var err error
	switch {
	case uint32(len(raw)) >= want:
		data = raw[:want]
	case f.block.Flags&FileImplode != 0:
		data, err = explode(raw, want)
		if err == nil && uint32(len(data)) != want {
			err = fmt.Errorf("%w: pkware produced %d bytes, want %d", ErrDecompression, len(data), want)
		}
	default:
		data, err = decompressData(raw, want)
	}
	if err != nil {
		return fmt.Errorf("sector %d: %w", i, err)
	}

	f.buf = data
	f.sector = i
	return nil
}

// Read reads up to len(p) bytes from the current offset.
func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}

	size := int64(f.block.FileSize)
	if f.offset >= size {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && f.offset < size {
		i := int(f.offset / int64(f.sectorSize))
		if i != f.sector {
			if err := f.loadSector(i); err != nil {
				return n, err
			}
		}

		k := copy(p[n:], f.buf[f.offset-int64(i)*int64(f.sectorSize):])
		n += k
		f.offset += int64(k)
	}
	return n, nil
}

var errNegativeOffset = errors.New("mpq: seek to negative offset")

// Seek sets the offset for the next Read. Seeking within the buffered
// sector does no I/O.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, ErrClosed
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.offset
	case io.SeekEnd:
		offset += int64(f.block.FileSize)
	default:
		return 0, fmt.Errorf("mpq: invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, errNegativeOffset
	}

	if f.sectorSize == 0 || int(offset/int64(f.sectorSize)) != f.sector {
		f.sector = -1
		f.buf = nil
	}
	f.offset = offset
	return offset, nil
}

// Size returns the uncompressed size of the file.
func (f *File) Size() int64 {
	return int64(f.block.FileSize)
}

// CompressedSize returns the size the file occupies in the archive.
func (f *File) CompressedSize() int64 {
	return int64(f.block.CompressedSize)
}

// Flags returns the block table flags of the file.
func (f *File) Flags() uint32 {
	return f.block.Flags
}

// Name returns the name the file was opened with.
func (f *File) Name() string {
	return f.name
}

// Close releases the file's hold on the archive.
func (f *File) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	f.buf = nil
	return f.src.release()
}
