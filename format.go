// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MPQ format constants
const (
	// Magic signature "MPQ\x1A" in little-endian
	mpqMagic = 0x1A51504D

	// Magic signature of the user data shunt "MPQ\x1B"
	userDataMagic = 0x1B51504D

	// Format versions
	formatVersion1 = 0 // Original format (up to 4GB)
	formatVersion2 = 1 // Extended format (Burning Crusade+)

	// Header sizes
	headerSizeV1 = 0x20 // 32 bytes
	headerSizeV2 = 0x2C // 44 bytes

	// Archives not at offset 0 start on a disk sector boundary
	headerAlign = 0x200

	hashEntrySize  = 16
	blockEntrySize = 16
)

// Block table entry flags.
const (
	FileImplode      = 0x00000100 // Imploded (PKWARE compression)
	FileCompress     = 0x00000200 // Compressed (multi-algorithm)
	FileEncrypted    = 0x00010000 // Encrypted
	FileFixKey       = 0x00020000 // Key adjusted by block offset
	FilePatchFile    = 0x00100000 // Patch file
	FileSingleUnit   = 0x01000000 // Single unit (not split into sectors)
	FileDeleteMarker = 0x02000000 // File is a deletion marker
	FileSectorCRC    = 0x04000000 // Sector CRC values after data
	FileExists       = 0x80000000 // File exists

	fileCompressMask = FileImplode | FileCompress
)

// Hash table entry block indices with special meaning.
const (
	hashTableEmpty   = 0xFFFFFFFF
	hashTableDeleted = 0xFFFFFFFE
)

// LocaleNeutral is the language-neutral (default) locale.
const LocaleNeutral = 0

// Header is the MPQ archive header.
type Header struct {
	Magic             uint32 // "MPQ\x1A"
	HeaderSize        uint32 // Size of this header (0x20 for V1, 0x2C for V2)
	ArchiveSize       uint32 // Size of the entire archive (deprecated in V2)
	FormatVersion     uint16 // Format version (0 = V1, 1 = V2)
	SectorSizeShift   uint16 // Power of 2 for sector size
	HashTableOffset   uint32 // Offset to hash table (low 32 bits)
	BlockTableOffset  uint32 // Offset to block table (low 32 bits)
	HashTableEntries  uint32 // Number of entries in hash table
	BlockTableEntries uint32 // Number of entries in block table
}

// extendedHeader contains V2 extended header fields (12 bytes)
type extendedHeader struct {
	HiBlockTableOffset64 uint64 // 64-bit offset to the hi-block table
	HashTableOffsetHi    uint16 // High 16 bits of hash table offset
	BlockTableOffsetHi   uint16 // High 16 bits of block table offset
}

// archiveHeader combines V1 and V2 headers
type archiveHeader struct {
	Header
	extendedHeader
}

// SectorSize returns the size of a logical sector in bytes.
func (h Header) SectorSize() uint32 {
	return 0x200 << h.SectorSizeShift
}

func (h *archiveHeader) hashTableOffset64() uint64 {
	if h.FormatVersion >= formatVersion2 {
		return uint64(h.HashTableOffset) | (uint64(h.HashTableOffsetHi) << 32)
	}
	return uint64(h.HashTableOffset)
}

func (h *archiveHeader) blockTableOffset64() uint64 {
	if h.FormatVersion >= formatVersion2 {
		return uint64(h.BlockTableOffset) | (uint64(h.BlockTableOffsetHi) << 32)
	}
	return uint64(h.BlockTableOffset)
}

// hashEntry represents an entry in the hash table
type hashEntry struct {
	HashA      uint32 // First hash of the file name
	HashB      uint32 // Second hash of the file name
	Locale     uint16 // Locale ID
	Platform   uint16 // Platform ID (0 = default)
	BlockIndex uint32 // Index into the block table
}

// blockEntry represents an entry in the block table
type blockEntry struct {
	FilePos        uint32 // Offset of the file data (low 32 bits)
	CompressedSize uint32 // Compressed file size
	FileSize       uint32 // Uncompressed file size
	Flags          uint32 // File flags
	FilePosHi      uint16 // High 16 bits of file offset (from hi-block table)
}

func (b *blockEntry) filePos64() uint64 {
	return uint64(b.FilePos) | (uint64(b.FilePosHi) << 32)
}

// readArchiveHeader reads the header at the reader's current position.
func readArchiveHeader(r io.Reader) (*archiveHeader, error) {
	h := &archiveHeader{}

	if err := binary.Read(r, binary.LittleEndian, &h.Header); err != nil {
		return nil, err
	}

	if h.FormatVersion >= formatVersion2 && h.HeaderSize >= headerSizeV2 {
		if err := binary.Read(r, binary.LittleEndian, &h.extendedHeader); err != nil {
			return nil, err
		}
	}

	return h, nil
}

// decodeHashTable decrypts a raw hash table and splits it into entries.
func decodeHashTable(raw []byte) []hashEntry {
	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	DecryptBlock(words, keyHashTable)

	table := make([]hashEntry, len(words)/4)
	for i := range table {
		table[i] = hashEntry{
			HashA:      words[i*4],
			HashB:      words[i*4+1],
			Locale:     uint16(words[i*4+2] & 0xFFFF),
			Platform:   uint16(words[i*4+2] >> 16),
			BlockIndex: words[i*4+3],
		}
	}
	return table
}

// decodeBlockTable decrypts a raw block table and splits it into entries.
func decodeBlockTable(raw []byte) []blockEntry {
	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	DecryptBlock(words, keyBlockTable)

	table := make([]blockEntry, len(words)/4)
	for i := range table {
		table[i] = blockEntry{
			FilePos:        words[i*4],
			CompressedSize: words[i*4+1],
			FileSize:       words[i*4+2],
			Flags:          words[i*4+3],
		}
	}
	return table
}

// maxSectorSizeShift keeps SectorSize within a uint32.
const maxSectorSizeShift = 22

// validate checks the structural invariants of a freshly read header
// against the size of the containing file.
func (h *archiveHeader) validate(base, fileSize int64) error {
	if h.Magic != mpqMagic {
		return fmt.Errorf("%w: invalid magic 0x%08X", ErrCorruptArchive, h.Magic)
	}
	if h.FormatVersion > formatVersion2 {
		return fmt.Errorf("%w: unsupported format version %d", ErrCorruptArchive, h.FormatVersion)
	}
	n := h.HashTableEntries
	if n == 0 || n&(n-1) != 0 {
		return fmt.Errorf("%w: hash table size %d is not a power of two", ErrCorruptArchive, n)
	}
	if h.SectorSizeShift > maxSectorSizeShift {
		return fmt.Errorf("%w: sector size shift %d", ErrCorruptArchive, h.SectorSizeShift)
	}

	check := func(what string, off uint64, count uint32) error {
		end := base + int64(off) + int64(count)*hashEntrySize
		if int64(off) < 0 || end > fileSize {
			return fmt.Errorf("%w: %s [0x%X, +%d entries) beyond end of file", ErrCorruptArchive, what, off, count)
		}
		return nil
	}
	if err := check("hash table", h.hashTableOffset64(), h.HashTableEntries); err != nil {
		return err
	}
	return check("block table", h.blockTableOffset64(), h.BlockTableEntries)
}
