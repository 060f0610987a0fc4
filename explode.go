// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"errors"
	"fmt"
	"sync"
)

// PKWare Data Compression Library "explode". The whole compressed sector is
// in memory and the output never exceeds one sector, so the output slice
// doubles as the sliding window.

const (
	explodeMaxBits = 13  // maximum code length
	explodeEndCode = 519 // copy length that terminates the stream
)

var (
	errExplodeEOF      = errors.New("pkware: unexpected end of input")
	errExplodeHeader   = errors.New("pkware: invalid literal mode")
	errExplodeDict     = errors.New("pkware: invalid dictionary size")
	errExplodeCode     = errors.New("pkware: invalid code")
	errExplodeDistance = errors.New("pkware: distance too far back")
	errExplodeOverflow = errors.New("pkware: output overflows sector")
)

// Compact code length tables: each byte is (count-1)<<4 | length.
var (
	literalLengths = []byte{
		11, 124, 8, 7, 28, 7, 188, 13, 76, 4, 10, 8, 12, 10, 12, 10, 8, 23, 8,
		9, 7, 6, 7, 8, 7, 6, 55, 8, 23, 24, 12, 11, 7, 9, 11, 12, 6, 7, 22, 5,
		7, 24, 6, 11, 9, 6, 7, 22, 7, 11, 38, 7, 9, 8, 25, 11, 8, 11, 9, 12,
		8, 12, 5, 38, 5, 38, 5, 11, 7, 5, 6, 21, 6, 10, 53, 8, 7, 24, 10, 27,
		44, 253, 253, 253, 252, 252, 252, 13, 12, 45, 12, 45, 12, 61, 12, 45,
		44, 173}
	lengthLengths   = []byte{2, 35, 36, 53, 38, 23}
	distanceLengths = []byte{2, 20, 53, 230, 247, 151, 248}

	lengthBase  = [16]int{3, 2, 4, 5, 6, 7, 8, 9, 10, 12, 16, 24, 40, 72, 136, 264}
	lengthExtra = [16]uint{0, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8}
)

// huffman is a canonical code: the number of symbols of each length and
// the symbols ordered by length.
type huffman struct {
	count  [explodeMaxBits + 1]int
	symbol []int
}

type explodeCodes struct {
	literal, length, distance huffman
}

var explodeTables = sync.OnceValue(func() *explodeCodes {
	return &explodeCodes{
		literal:  newHuffman(literalLengths, 256),
		length:   newHuffman(lengthLengths, 16),
		distance: newHuffman(distanceLengths, 64),
	}
})

func newHuffman(rep []byte, n int) huffman {
	lengths := make([]int, 0, n)
	for _, r := range rep {
		for k := int(r>>4) + 1; k > 0; k-- {
			lengths = append(lengths, int(r&15))
		}
	}

	h := huffman{symbol: make([]int, n)}
	for _, l := range lengths {
		h.count[l]++
	}

	var offs [explodeMaxBits + 1]int
	for l := 1; l < explodeMaxBits; l++ {
		offs[l+1] = offs[l] + h.count[l]
	}
	for sym, l := range lengths {
		if l != 0 {
			h.symbol[offs[l]] = sym
			offs[l]++
		}
	}
	return h
}

// bitReader yields bits least significant first.
type bitReader struct {
	src []byte
	pos int
	buf uint32
	n   uint
}

func (b *bitReader) bits(need uint) (int, error) {
	for b.n < need {
		if b.pos >= len(b.src) {
			return 0, errExplodeEOF
		}
		b.buf |= uint32(b.src[b.pos]) << b.n
		b.pos++
		b.n += 8
	}
	v := int(b.buf & (1<<need - 1))
	b.buf >>= need
	b.n -= need
	return v, nil
}

// decode reads one symbol. Codes are stored bit-reversed and inverted.
func (b *bitReader) decode(h *huffman) (int, error) {
	code, first, index := 0, 0, 0
	for l := 1; l <= explodeMaxBits; l++ {
		bit, err := b.bits(1)
		if err != nil {
			return 0, err
		}
		code |= bit ^ 1
		count := h.count[l]
		if code < first+count {
			return h.symbol[index+code-first], nil
		}
		index += count
		first = (first + count) << 1
		code <<= 1
	}
	return 0, errExplodeCode
}

// explode decompresses a PKWare DCL stream into at most size bytes.
func explode(src []byte, size uint32) ([]byte, error) {
	out, err := explodeInto(src, int(size))
	if err != nil {
		if errors.Is(err, errExplodeEOF) && len(out) == int(size) {
			// some writers omit the end code on a full sector
			return out, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrDecompression, err)
	}
	return out, nil
}

func explodeInto(src []byte, size int) ([]byte, error) {
	codes := explodeTables()
	br := &bitReader{src: src}

	coded, err := br.bits(8)
	if err != nil {
		return nil, err
	}
	if coded > 1 {
		return nil, errExplodeHeader
	}
	dict, err := br.bits(8)
	if err != nil {
		return nil, err
	}
	if dict < 4 || dict > 6 {
		return nil, errExplodeDict
	}

	out := make([]byte, 0, min(size, maxPrealloc))
	for {
		flag, err := br.bits(1)
		if err != nil {
			return out, err
		}

		if flag == 0 {
			var lit int
			if coded != 0 {
				lit, err = br.decode(&codes.literal)
			} else {
				lit, err = br.bits(8)
			}
			if err != nil {
				return out, err
			}
			if len(out) == size {
				return out, errExplodeOverflow
			}
			out = append(out, byte(lit))
			continue
		}

		sym, err := br.decode(&codes.length)
		if err != nil {
			return out, err
		}
		extra, err := br.bits(lengthExtra[sym])
		if err != nil {
			return out, err
		}
		length := lengthBase[sym] + extra
		if length == explodeEndCode {
			return out, nil
		}

		shift := uint(dict)
		if length == 2 {
			shift = 2
		}
		hi, err := br.decode(&codes.distance)
		if err != nil {
			return out, err
		}
		lo, err := br.bits(shift)
		if err != nil {
			return out, err
		}
		dist := hi<<shift + lo + 1
		if dist > len(out) {
			return out, errExplodeDistance
		}
		if len(out)+length > size {
			return out, errExplodeOverflow
		}
		// overlapping copies repeat the tail, so go byte by byte
		for ; length > 0; length-- {
			out = append(out, out[len(out)-dist])
		}
	}
}
