// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/ulikunitz/xz/lzma"
)

// testEntry is one file of a synthesized archive.
type testEntry struct {
	name   string
	data   []byte
	locale uint16
	flags  uint32 // FileEncrypted, FileFixKey, FileSingleUnit, FileSectorCRC, FileImplode
	method byte   // compression mask per sector; 0 stores the data

	// sectors replaces the encoded sectors (before encryption), for
	// payloads the builder cannot produce itself.
	sectors [][]byte

	deleteMarker bool // block is a deletion marker
	tombstone    bool // hash slot is a deleted slot
}

// testArchive synthesizes MPQ archives in memory.
type testArchive struct {
	version     uint16 // formatVersion1 or formatVersion2
	sectorShift uint16
	hashSize    uint32 // power of two; 16 when zero
	prefix      int    // bytes before the header, a multiple of headerAlign
	userData    bool   // put a user data shunt at offset 0
	hiBlock     bool   // write a hi-block table (V2 only)
	listfile    bool   // add a (listfile) naming every entry
	entries     []testEntry
}

func (b *testArchive) build(t testing.TB) []byte {
	t.Helper()

	hashSize := b.hashSize
	if hashSize == 0 {
		hashSize = 16
	}
	headerSize := uint32(headerSizeV1)
	if b.version >= formatVersion2 {
		headerSize = headerSizeV2
	}
	sectorSize := uint32(0x200) << b.sectorShift

	var out bytes.Buffer
	out.Write(make([]byte, b.prefix))

	if b.userData {
		// shunt at offset 0, header one aligned block later
		var ud [16]byte
		binary.LittleEndian.PutUint32(ud[0:], userDataMagic)
		binary.LittleEndian.PutUint32(ud[4:], headerAlign-16)
		binary.LittleEndian.PutUint32(ud[8:], headerAlign)
		binary.LittleEndian.PutUint32(ud[12:], 16)
		start := out.Len()
		out.Write(ud[:])
		out.Write(make([]byte, headerAlign-(out.Len()-start)))
	}

	base := out.Len()
	out.Write(make([]byte, headerSize))

	entries := b.entries
	if b.listfile {
		var list bytes.Buffer
		for _, e := range entries {
			if !e.tombstone && !e.deleteMarker {
				list.WriteString(e.name + "\r\n")
			}
		}
		entries = append(entries[:len(entries):len(entries)], testEntry{
			name:   listFileName,
			data:   list.Bytes(),
			method: compressionZlib,
		})
	}

	hashTable := make([]hashEntry, hashSize)
	for i := range hashTable {
		hashTable[i] = hashEntry{HashA: 0xFFFFFFFF, HashB: 0xFFFFFFFF, Locale: 0xFFFF, Platform: 0xFFFF, BlockIndex: hashTableEmpty}
	}

	var blockTable []blockEntry
	for _, e := range entries {
		index := uint32(len(blockTable))
		if e.tombstone {
			index = hashTableDeleted
		} else {
			pos := uint32(out.Len() - base)
			block := blockEntry{FilePos: pos, FileSize: uint32(len(e.data)), Flags: FileExists}
			if e.deleteMarker {
				block.FileSize = 0
				block.Flags |= FileDeleteMarker
			} else {
				raw := encodeTestFile(t, e, pos, sectorSize)
				block.CompressedSize = uint32(len(raw))
				block.Flags |= e.flags
				if e.method != 0 || e.sectors != nil {
					block.Flags |= FileCompress
				}
				if e.flags&FileImplode != 0 {
					block.Flags &^= FileCompress
				}
				out.Write(raw)
			}
			blockTable = append(blockTable, block)
		}
		insertTestHash(t, hashTable, e.name, e.locale, index)
	}

	hashOffset := uint32(out.Len() - base)
	out.Write(encodeTestHashTable(hashTable))
	blockOffset := uint32(out.Len() - base)
	out.Write(encodeTestBlockTable(blockTable))

	var hiOffset uint64
	if b.version >= formatVersion2 && b.hiBlock {
		hiOffset = uint64(out.Len() - base)
		out.Write(make([]byte, 2*len(blockTable)))
	}

	h := archiveHeader{
		Header: Header{
			Magic:             mpqMagic,
			HeaderSize:        headerSize,
			ArchiveSize:       uint32(out.Len() - base),
			FormatVersion:     b.version,
			SectorSizeShift:   b.sectorShift,
			HashTableOffset:   hashOffset,
			BlockTableOffset:  blockOffset,
			HashTableEntries:  hashSize,
			BlockTableEntries: uint32(len(blockTable)),
		},
		extendedHeader: extendedHeader{HiBlockTableOffset64: hiOffset},
	}

	result := out.Bytes()
	var hdr bytes.Buffer
	if err := binary.Write(&hdr, binary.LittleEndian, &h.Header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if b.version >= formatVersion2 {
		if err := binary.Write(&hdr, binary.LittleEndian, &h.extendedHeader); err != nil {
			t.Fatalf("write extended header: %v", err)
		}
	}
	copy(result[base:], hdr.Bytes())
	return result
}

// encodeTestFile produces the stored bytes of e at archive-relative pos.
func encodeTestFile(t testing.TB, e testEntry, pos, sectorSize uint32) []byte {
	t.Helper()

	size := uint32(len(e.data))
	var key uint32
	if e.flags&FileEncrypted != 0 {
		key = fileKey(normalizeName(e.name), pos, size, e.flags)
	}
	encrypt := func(p []byte, k uint32) {
		if e.flags&FileEncrypted != 0 && size > 3 {
			encryptTestBytes(p, k)
		}
	}

	if e.flags&FileSingleUnit != 0 {
		var raw []byte
		switch {
		case e.sectors != nil:
			raw = bytes.Clone(e.sectors[0])
		case e.method != 0:
			raw = encodeTestSector(t, e.method, e.data)
		default:
			raw = bytes.Clone(e.data)
		}
		encrypt(raw, key)
		return raw
	}

	var sectors [][]byte
	switch {
	case e.sectors != nil:
		for _, s := range e.sectors {
			sectors = append(sectors, bytes.Clone(s))
		}
	default:
		for off := uint32(0); off < size; off += sectorSize {
			chunk := e.data[off:min(off+sectorSize, size)]
			if e.method != 0 {
				sectors = append(sectors, encodeTestSector(t, e.method, chunk))
			} else {
				sectors = append(sectors, bytes.Clone(chunk))
			}
		}
	}

	if e.method == 0 && e.sectors == nil && e.flags&FileImplode == 0 {
		// stored sectored file: no position table
		var raw []byte
		for i, s := range sectors {
			encrypt(s, key+uint32(i))
			raw = append(raw, s...)
		}
		return raw
	}

	n := len(sectors) + 1
	if e.flags&FileSectorCRC != 0 {
		n++
	}
	positions := make([]uint32, n)
	positions[0] = uint32(n * 4)
	for i, s := range sectors {
		positions[i+1] = positions[i] + uint32(len(s))
	}
	if e.flags&FileSectorCRC != 0 {
		positions[n-1] = positions[n-2] + uint32(4*len(sectors))
	}

	if e.flags&FileEncrypted != 0 {
		EncryptBlock(positions, key-1)
	}
	var raw []byte
	for _, p := range positions {
		raw = binary.LittleEndian.AppendUint32(raw, p)
	}
	for i, s := range sectors {
		encrypt(s, key+uint32(i))
		raw = append(raw, s...)
	}
	if e.flags&FileSectorCRC != 0 {
		raw = append(raw, make([]byte, 4*len(sectors))...)
	}
	return raw
}

// encodeTestSector compresses one sector with method. Like real
// archives, a sector that does not shrink is stored raw.
func encodeTestSector(t testing.TB, method byte, data []byte) []byte {
	t.Helper()

	var payload []byte
	switch method {
	case compressionZlib:
		payload = zlibTestData(t, data)
	case compressionLZMA:
		payload = lzmaTestData(t, data)
	case compressionSparse:
		payload = sparseTestData(data)
	case compressionZlib | compressionSparse:
		payload = zlibTestData(t, sparseTestData(data))
	default:
		t.Fatalf("builder cannot encode method 0x%02X", method)
	}

	if len(payload)+1 >= len(data) {
		return bytes.Clone(data)
	}
	return append([]byte{method}, payload...)
}

func zlibTestData(t testing.TB, data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}
	return buf.Bytes()
}

// lzmaTestData returns the MPQ LZMA payload: filter byte, properties,
// raw stream.
func lzmaTestData(t testing.TB, data []byte) []byte {
	var buf bytes.Buffer
	cfg := lzma.WriterConfig{SizeInHeader: true, Size: int64(len(data)), EOSMarker: false}
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		t.Fatalf("lzma writer: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("lzma write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("lzma close: %v", err)
	}

	classic := buf.Bytes()
	payload := []byte{0}
	payload = append(payload, classic[:5]...)
	return append(payload, classic[lzma.HeaderLen:]...)
}

// sparseTestData encodes data as zero runs and literal runs.
func sparseTestData(data []byte) []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(len(data)))
	for i := 0; i < len(data); {
		zeros := 0
		for i+zeros < len(data) && data[i+zeros] == 0 && zeros < 0x7F+3 {
			zeros++
		}
		if zeros >= 3 {
			out = append(out, byte(zeros-3))
			i += zeros
			continue
		}

		start := i
		for i < len(data) && i-start < 0x80 {
			if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 {
				break
			}
			i++
		}
		out = append(out, 0x80|byte(i-start-1))
		out = append(out, data[start:i]...)
	}
	return out
}

func insertTestHash(t testing.TB, table []hashEntry, name string, locale uint16, blockIndex uint32) {
	t.Helper()

	size := uint32(len(table))
	start := HashString(name, HashTypeTableOffset) & (size - 1)
	for i := uint32(0); i < size; i++ {
		entry := &table[(start+i)&(size-1)]
		if entry.BlockIndex == hashTableEmpty {
			*entry = hashEntry{
				HashA:      HashString(name, HashTypeNameA),
				HashB:      HashString(name, HashTypeNameB),
				Locale:     locale,
				BlockIndex: blockIndex,
			}
			return
		}
	}
	t.Fatalf("hash table full inserting %s", name)
}

func encodeTestHashTable(table []hashEntry) []byte {
	words := make([]uint32, len(table)*4)
	for i, entry := range table {
		words[i*4] = entry.HashA
		words[i*4+1] = entry.HashB
		words[i*4+2] = uint32(entry.Locale) | (uint32(entry.Platform) << 16)
		words[i*4+3] = entry.BlockIndex
	}
	EncryptBlock(words, keyHashTable)
	return testWordsToBytes(words)
}

func encodeTestBlockTable(table []blockEntry) []byte {
	words := make([]uint32, len(table)*4)
	for i, entry := range table {
		words[i*4] = entry.FilePos
		words[i*4+1] = entry.CompressedSize
		words[i*4+2] = entry.FileSize
		words[i*4+3] = entry.Flags
	}
	EncryptBlock(words, keyBlockTable)
	return testWordsToBytes(words)
}

func testWordsToBytes(words []uint32) []byte {
	b := make([]byte, 0, len(words)*4)
	for _, w := range words {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

// encryptTestBytes is the inverse of decryptBytes.
func encryptTestBytes(data []byte, key uint32) {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	EncryptBlock(words, key)
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
}

// openTestArchive builds b and opens it from memory.
func openTestArchive(t testing.TB, b *testArchive, opts ...Option) *Archive {
	t.Helper()

	a, err := OpenReader(bytes.NewReader(b.build(t)), opts...)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}
