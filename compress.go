// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/ulikunitz/xz/lzma"
)

// Compression type constants
const (
	compressionHuffman   = 0x01 // Huffman (used on wave files only)
	compressionZlib      = 0x02 // Zlib compression
	compressionPKWare    = 0x08 // PKWare DCL compression
	compressionBzip2     = 0x10 // BZip2 compression
	compressionLZMA      = 0x12 // LZMA compression (SC2+), never combined
	compressionSparse    = 0x20 // Sparse/RLE compression (SC2+)
	compressionADPCMMono = 0x40 // ADPCM mono audio
	compressionADPCM     = 0x80 // ADPCM stereo audio

	compressionSupported = compressionZlib | compressionPKWare | compressionBzip2 | compressionSparse
)

// codec decodes src into at most size bytes. A short result is not an
// error at this level; decompressData checks the final length.
type codec func(src []byte, size uint32) ([]byte, error)

var primaryCodecs = map[byte]codec{
	compressionZlib:   decompressZlib,
	compressionPKWare: explode,
	compressionBzip2:  decompressBzip2,
}

// decompressData decodes a sector of a COMPRESS file. The first byte is a
// mask of the methods that were applied; they are undone in reverse order
// (primary codec first, then sparse). The result is exactly size bytes.
func decompressData(data []byte, size uint32) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty compressed sector", ErrDecompression)
	}

	method := data[0]
	result := data[1:]

	var err error
	switch {
	case method == compressionLZMA:
		result, err = decompressLZMA(result, size)
		if err != nil {
			return nil, err
		}

	case method == 0 || method&^compressionSupported != 0:
		return nil, &UnsupportedCompressionError{Method: method}

	default:
		if primary := method &^ compressionSparse; primary != 0 {
			decode, ok := primaryCodecs[primary]
			if !ok {
				// two primary codecs in one mask
				return nil, &UnsupportedCompressionError{Method: method}
			}
			if result, err = decode(result, size); err != nil {
				return nil, err
			}
		}
		if method&compressionSparse != 0 {
			if result, err = decompressSparse(result, size); err != nil {
				return nil, err
			}
		}
	}

	if uint32(len(result)) != size {
		return nil, fmt.Errorf("%w: method 0x%02X produced %d bytes, want %d", ErrDecompression, method, len(result), size)
	}
	return result, nil
}

// maxPrealloc caps the buffer reserved up front for a decoded block. The
// expected size comes from the block table and is not trusted further.
const maxPrealloc = 1 << 20

// readLimited reads up to size bytes from r, failing if r has more. The
// codec must also have consumed all of src.
func readLimited(name string, r io.Reader, src *bytes.Reader, size uint32) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, min(size, maxPrealloc)))
	if _, err := io.Copy(buf, io.LimitReader(r, int64(size)+1)); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecompression, name, err)
	}
	if uint32(buf.Len()) > size {
		return nil, fmt.Errorf("%w: %s output exceeds %d bytes", ErrDecompression, name, size)
	}
	if src.Len() != 0 {
		return nil, fmt.Errorf("%w: %s: %d trailing bytes", ErrDecompression, name, src.Len())
	}
	return buf.Bytes(), nil
}

// decompressZlib decompresses zlib-compressed data
func decompressZlib(data []byte, size uint32) ([]byte, error) {
	br := bytes.NewReader(data)
	r, err := zlib.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %w", ErrDecompression, err)
	}
	defer r.Close()

	return readLimited("zlib", r, br, size)
}

// decompressBzip2 decompresses bzip2-compressed data
func decompressBzip2(data []byte, size uint32) ([]byte, error) {
	br := bytes.NewReader(data)
	return readLimited("bzip2", bzip2.NewReader(br), br, size)
}

// decompressLZMA decodes an LZMA sector: a filter byte (always 0), the
// five LZMA property bytes, then the raw stream. The stream carries no
// length, so the classic header is rebuilt with the expected size.
func decompressLZMA(data []byte, size uint32) ([]byte, error) {
	if len(data) < 6 || data[0] != 0 {
		return nil, fmt.Errorf("%w: lzma: bad sector header", ErrDecompression)
	}

	stream := make([]byte, lzma.HeaderLen, lzma.HeaderLen+len(data)-6)
	copy(stream, data[1:6])
	binary.LittleEndian.PutUint64(stream[5:], uint64(size))
	stream = append(stream, data[6:]...)

	br := bytes.NewReader(stream)
	r, err := lzma.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: lzma: %w", ErrDecompression, err)
	}
	return readLimited("lzma", r, br, size)
}

var errSparseHeader = errors.New("sparse: truncated header")

// decompressSparse expands the RLE format: a big-endian output length,
// then runs of literals (high bit set, count+1 bytes) or zeros (count+3).
func decompressSparse(data []byte, size uint32) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %w", ErrDecompression, errSparseHeader)
	}
	declared := binary.BigEndian.Uint32(data)
	if declared > size {
		return nil, fmt.Errorf("%w: sparse declares %d bytes, want at most %d", ErrDecompression, declared, size)
	}
	data = data[4:]

	result := make([]byte, 0, min(declared, maxPrealloc))
	for len(data) > 0 && uint32(len(result)) < declared {
		op := data[0]
		data = data[1:]

		if op&0x80 != 0 {
			n := min(int(op&0x7F)+1, len(data))
			result = append(result, data[:n]...)
			data = data[n:]
		} else {
			n := int(op&0x7F) + 3
			for ; n > 0; n-- {
				result = append(result, 0)
			}
		}
	}

	if uint32(len(result)) > declared {
		result = result[:declared]
	}
	return result, nil
}
