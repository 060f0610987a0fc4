// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Archive is an MPQ archive opened for reading.
//
// An Archive is safe for concurrent use. Files opened from it keep the
// underlying file open until the last of them is closed, even after the
// Archive itself has been closed.
type Archive struct {
	src        *source
	path       string
	base       int64 // offset of the archive header in the file
	header     archiveHeader
	hashTable  []hashEntry
	blockTable []blockEntry
	sectorSize uint32
	locale     uint16
	logger     *slog.Logger
	closeOnce  sync.Once
	closed     atomic.Bool
}

// An Option configures Open and OpenReader.
type Option func(*options)

type options struct {
	locale uint16
	logger *slog.Logger
}

// WithLocale sets the preferred locale. When a name has several locale
// variants, the preferred one wins, then LocaleNeutral, then the first
// variant in probe order.
func WithLocale(locale uint16) Option {
	return func(o *options) { o.locale = locale }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// source is the archive's backing file shared by the Archive and every
// File opened from it. Raw reads are serialized; refs counts owners.
type source struct {
	mu     sync.Mutex
	r      io.ReadSeeker
	closer io.Closer // nil when the caller owns r
	size   int64
	refs   atomic.Int32
}

func newSource(r io.ReadSeeker, closer io.Closer) (*source, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("seek to end: %w", err)
	}
	s := &source{r: r, closer: closer, size: size}
	s.refs.Store(1)
	return s, nil
}

// acquire adds an owner. It fails once the last owner has released.
func (s *source) acquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *source) release() error {
	if s.refs.Add(-1) == 0 && s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// readAt fills p from absolute offset off.
func (s *source) readAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > s.size {
		return fmt.Errorf("%w: read [%d, +%d) beyond end of file (%d)", ErrCorruptArchive, off, len(p), s.size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.r.Seek(off, io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(s.r, p)
	return err
}

// Open opens an existing MPQ archive for reading.
// Supports both V1 and V2 format archives.
func Open(path string, opts ...Option) (*Archive, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	a, err := openSource(file, file, path, opts)
	if err != nil {
		file.Close()
		return nil, err
	}
	return a, nil
}

// OpenReader opens an archive held by r, for example a bytes.Reader.
// The caller keeps ownership of r and must not use it while the archive
// or any file opened from it is in use.
func OpenReader(r io.ReadSeeker, opts ...Option) (*Archive, error) {
	return openSource(r, nil, "", opts)
}

func openSource(r io.ReadSeeker, closer io.Closer, path string, opts []Option) (*Archive, error) {
	o := options{locale: LocaleNeutral, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	src, err := newSource(r, closer)
	if err != nil {
		return nil, err
	}

	a := &Archive{
		src:    src,
		path:   path,
		locale: o.locale,
		logger: o.logger,
	}

	if a.base, err = a.locateHeader(); err != nil {
		return nil, err
	}

	var raw [headerSizeV2]byte
	n := min(int64(len(raw)), src.size-a.base)
	if err := src.readAt(raw[:n], a.base); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header, err := readArchiveHeader(bytes.NewReader(raw[:n]))
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrCorruptArchive, err)
	}
	if err := header.validate(a.base, src.size); err != nil {
		return nil, err
	}
	a.header = *header
	a.sectorSize = header.SectorSize()

	if err := a.loadTables(); err != nil {
		return nil, err
	}

	a.logger.Debug("archiveOpen",
		"path", path,
		"base", a.base,
		"formatVersion", header.FormatVersion,
		"sectorSize", a.sectorSize,
		"hashEntries", header.HashTableEntries,
		"blockEntries", header.BlockTableEntries)

	return a, nil
}

// locateHeader finds the archive header: at offset 0, at any 512-byte
// boundary, or where a user data shunt points.
func (a *Archive) locateHeader() (int64, error) {
	var buf [12]byte
	for off := int64(0); off+headerSizeV1 <= a.src.size; off += headerAlign {
		if err := a.src.readAt(buf[:], off); err != nil {
			return 0, fmt.Errorf("read header: %w", err)
		}

		switch binary.LittleEndian.Uint32(buf[0:]) {
		case mpqMagic:
			return off, nil

		case userDataMagic:
			// user data: magic, size, header offset
			headerOff := off + int64(binary.LittleEndian.Uint32(buf[8:]))
			if headerOff+headerSizeV1 > a.src.size {
				return 0, fmt.Errorf("%w: user data points beyond end of file", ErrCorruptArchive)
			}
			var magic [4]byte
			if err := a.src.readAt(magic[:], headerOff); err != nil {
				return 0, fmt.Errorf("read header: %w", err)
			}
			if binary.LittleEndian.Uint32(magic[:]) == mpqMagic {
				return headerOff, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: no MPQ header found", ErrCorruptArchive)
}

// loadTables reads and decrypts the hash and block tables.
func (a *Archive) loadTables() error {
	h := &a.header

	raw := make([]byte, int(h.HashTableEntries)*hashEntrySize)
	if err := a.src.readAt(raw, a.base+int64(h.hashTableOffset64())); err != nil {
		return fmt.Errorf("read hash table: %w", err)
	}
	a.hashTable = decodeHashTable(raw)

	raw = make([]byte, int(h.BlockTableEntries)*blockEntrySize)
	if err := a.src.readAt(raw, a.base+int64(h.blockTableOffset64())); err != nil {
		return fmt.Errorf("read block table: %w", err)
	}
	a.blockTable = decodeBlockTable(raw)

	if h.FormatVersion >= formatVersion2 && h.HiBlockTableOffset64 != 0 {
		raw = make([]byte, int(h.BlockTableEntries)*2)
		if err := a.src.readAt(raw, a.base+int64(h.HiBlockTableOffset64)); err != nil {
			return fmt.Errorf("read hi-block table: %w", err)
		}
		for i := range a.blockTable {
			a.blockTable[i].FilePosHi = binary.LittleEndian.Uint16(raw[i*2:])
		}
	}

	return nil
}

// Header returns a copy of the archive header.
func (a *Archive) Header() Header {
	return a.header.Header
}

// Close releases the archive and refuses further opens. The underlying
// file stays open while files opened from the archive are still open.
func (a *Archive) Close() error {
	err := ErrClosed
	a.closeOnce.Do(func() {
		a.logger.Debug("archiveClose", "path", a.path)
		a.closed.Store(true)
		err = a.src.release()
	})
	return err
}

// normalizeName converts forward slashes to the archive's backslashes.
func normalizeName(name string) string {
	return strings.ReplaceAll(name, "/", "\\")
}

// find returns the hash entry for name, honouring the locale preference.
// Deleted hash slots are skipped; an empty slot ends the probe.
func (a *Archive) find(name string) (*hashEntry, bool) {
	name = normalizeName(name)
	hashA := HashString(name, HashTypeNameA)
	hashB := HashString(name, HashTypeNameB)

	size := uint32(len(a.hashTable))
	start := HashString(name, HashTypeTableOffset) & (size - 1)

	var first, neutral *hashEntry
	for i := uint32(0); i < size; i++ {
		entry := &a.hashTable[(start+i)&(size-1)]

		if entry.BlockIndex == hashTableEmpty {
			break
		}
		if entry.BlockIndex == hashTableDeleted {
			continue
		}
		if entry.HashA != hashA || entry.HashB != hashB {
			continue
		}
		if entry.BlockIndex >= uint32(len(a.blockTable)) {
			continue
		}

		if entry.Locale == a.locale {
			return entry, true
		}
		if entry.Locale == LocaleNeutral && neutral == nil {
			neutral = entry
		}
		if first == nil {
			first = entry
		}
	}

	if neutral != nil {
		a.logger.Debug("localeFallback", "name", name, "want", a.locale, "got", LocaleNeutral)
		return neutral, true
	}
	if first != nil {
		a.logger.Debug("localeFallback", "name", name, "want", a.locale, "got", first.Locale)
		return first, true
	}
	return nil, false
}

// findHash scans the whole hash table for a composite name hash.
// Without the name the probe start is unknown.
func (a *Archive) findHash(h uint64) (*hashEntry, bool) {
	hashA, hashB := uint32(h), uint32(h>>32)

	var first *hashEntry
	for i := range a.hashTable {
		entry := &a.hashTable[i]
		if entry.BlockIndex >= uint32(len(a.blockTable)) {
			continue
		}
		if entry.HashA != hashA || entry.HashB != hashB {
			continue
		}
		if entry.Locale == a.locale {
			return entry, true
		}
		if first == nil || (entry.Locale == LocaleNeutral && first.Locale != LocaleNeutral) {
			first = entry
		}
	}
	return first, first != nil
}

func (a *Archive) live(entry *hashEntry, ok bool) (*blockEntry, bool) {
	if !ok {
		return nil, false
	}
	block := &a.blockTable[entry.BlockIndex]
	if block.Flags&FileExists == 0 || block.Flags&FileDeleteMarker != 0 {
		return nil, false
	}
	return block, true
}

// Has reports whether the archive contains name.
// The name is matched case-insensitively; '/' and '\' are equivalent.
func (a *Archive) Has(name string) bool {
	_, ok := a.live(a.find(name))
	return ok
}

// HasHash is Has for a name hash computed by HashFileName.
func (a *Archive) HasHash(h uint64) bool {
	_, ok := a.live(a.findHash(h))
	return ok
}

// Deleted reports whether the archive carries a deletion marker for name.
// A patch archive uses these to hide files of lower-priority archives.
func (a *Archive) Deleted(name string) bool {
	entry, ok := a.find(name)
	if !ok {
		return false
	}
	return a.blockTable[entry.BlockIndex].Flags&FileDeleteMarker != 0
}

// Locales lists the locales in which name is present.
func (a *Archive) Locales(name string) []uint16 {
	name = normalizeName(name)
	hashA := HashString(name, HashTypeNameA)
	hashB := HashString(name, HashTypeNameB)

	size := uint32(len(a.hashTable))
	start := HashString(name, HashTypeTableOffset) & (size - 1)

	var locales []uint16
	for i := uint32(0); i < size; i++ {
		entry := &a.hashTable[(start+i)&(size-1)]
		if entry.BlockIndex == hashTableEmpty {
			break
		}
		if entry.HashA == hashA && entry.HashB == hashB {
			if _, ok := a.live(entry, entry.BlockIndex < uint32(len(a.blockTable))); ok {
				locales = append(locales, entry.Locale)
			}
		}
	}
	return locales
}

// Open opens name for reading. It returns the file as a Stream so that an
// Archive can serve as a Provider; see OpenFile for the concrete type.
func (a *Archive) Open(name string) (Stream, error) {
	f, err := a.OpenFile(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OpenFile opens name for reading.
func (a *Archive) OpenFile(name string) (*File, error) {
	block, ok := a.live(a.find(name))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	name = normalizeName(name)
	var key uint32
	if block.Flags&FileEncrypted != 0 {
		key = fileKey(name, block.FilePos, block.FileSize, block.Flags)
		if key == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingEncryptionKey, name)
		}
	}
	return a.newFile(name, *block, key)
}

// OpenHash opens the file whose name hash is h. Encrypted files can only
// be opened this way when their key can be recovered from the sector
// position table.
func (a *Archive) OpenHash(h uint64) (*File, error) {
	block, ok := a.live(a.findHash(h))
	if !ok {
		return nil, fmt.Errorf("%w: hash %016X", ErrNotFound, h)
	}
	return a.newFile(fmt.Sprintf("%016X", h), *block, 0)
}
