// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"sync"
)

// Hash types for HashString.
const (
	HashTypeTableOffset = 0
	HashTypeNameA       = 1
	HashTypeNameB       = 2
	HashTypeFileKey     = 3
)

// keyMix is the start of the crypt table region used by the stream cipher.
const keyMix = 0x400

var (
	keyHashTable  = HashString("(hash table)", HashTypeFileKey)
	keyBlockTable = HashString("(block table)", HashTypeFileKey)
)

// cryptTable returns the encryption/hash lookup table. It is built on first
// use and never modified afterwards.
var cryptTable = sync.OnceValue(func() *[0x500]uint32 {
	var table [0x500]uint32
	seed := uint32(0x00100001)

	for index1 := 0; index1 < 0x100; index1++ {
		index2 := index1
		for i := 0; i < 5; i++ {
			seed = (seed*125 + 3) % 0x2AAAAB
			temp1 := (seed & 0xFFFF) << 0x10

			seed = (seed*125 + 3) % 0x2AAAAB
			temp2 := seed & 0xFFFF

			table[index2] = temp1 | temp2
			index2 += 0x100
		}
	}
	return &table
})

// HashString computes the MPQ hash of s for the given hash type.
// ASCII letters are folded to upper case and '/' is treated as '\'.
func HashString(s string, hashType uint32) uint32 {
	table := cryptTable()
	seed1 := uint32(0x7FED7FED)
	seed2 := uint32(0xEEEEEEEE)

	for i := 0; i < len(s); i++ {
		ch := uint32(s[i])
		if ch >= 'a' && ch <= 'z' {
			ch -= 0x20
		}
		if ch == '/' {
			ch = '\\'
		}

		seed1 = table[hashType*0x100+ch] ^ (seed1 + seed2)
		seed2 = ch + seed1 + seed2 + (seed2 << 5) + 3
	}

	return seed1
}

// HashFileName returns the composite hash-table key of name:
// HashNameB in the upper 32 bits, HashNameA in the lower 32 bits.
func HashFileName(name string) uint64 {
	return uint64(HashString(name, HashTypeNameB))<<32 | uint64(HashString(name, HashTypeNameA))
}

// EncryptBlock encrypts data in place with key.
func EncryptBlock(data []uint32, key uint32) {
	table := cryptTable()
	seed := uint32(0xEEEEEEEE)

	for i := range data {
		seed += table[keyMix+(key&0xFF)]
		plain := data[i]
		data[i] = plain ^ (key + seed)
		key = ((^key << 0x15) + 0x11111111) | (key >> 0x0B)
		seed = plain + seed + (seed << 5) + 3
	}
}

// DecryptBlock decrypts data in place with key.
func DecryptBlock(data []uint32, key uint32) {
	table := cryptTable()
	seed := uint32(0xEEEEEEEE)

	for i := range data {
		seed += table[keyMix+(key&0xFF)]
		plain := data[i] ^ (key + seed)
		key = ((^key << 0x15) + 0x11111111) | (key >> 0x0B)
		seed = plain + seed + (seed << 5) + 3
		data[i] = plain
	}
}

// decryptBytes decrypts the whole little-endian dwords of data in place.
// Trailing bytes that do not fill a dword are stored in the clear.
func decryptBytes(data []byte, key uint32) {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}

	DecryptBlock(words, key)

	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
}

// fileKey computes the encryption key for a file from its name and block.
func fileKey(name string, filePos uint32, fileSize uint32, flags uint32) uint32 {
	key := HashString(plainName(name), HashTypeFileKey)
	if flags&FileFixKey != 0 {
		key = (key + filePos) ^ fileSize
	}
	return key
}

// plainName strips the directory part of an archive path.
func plainName(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\\' || s[i] == '/' {
			return s[i+1:]
		}
	}
	return s
}

// detectFileKey recovers the key of an encrypted sector position table
// whose first entry is known to decrypt to first. maxSecond bounds the
// second entry. It returns 0 if no key fits.
func detectFileKey(enc0, enc1 uint32, first, maxSecond uint32) uint32 {
	table := cryptTable()
	sum := (enc0 ^ first) - 0xEEEEEEEE

	for i := uint32(0); i < 0x100; i++ {
		key := sum - table[keyMix+i]
		seed := uint32(0xEEEEEEEE) + table[keyMix+(key&0xFF)]
		if enc0^(key+seed) != first {
			continue
		}

		saved := key
		seed = first + seed + (seed << 5) + 3
		key = ((^key << 0x15) + 0x11111111) | (key >> 0x0B)
		seed += table[keyMix+(key&0xFF)]
		if enc1^(key+seed) <= maxSecond {
			// the position table is encrypted with the file key minus one
			return saved + 1
		}
	}
	return 0
}
