// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

/*
Package mpq reads MPQ (Mo'PaQ) archives and resolves game resources across
an ordered set of archives and directories.

MPQ is the archive format of Blizzard's Diablo, StarCraft and Warcraft
games. This package reads format versions 1 and 2, including archives
embedded behind a user data block.

# Features

  - Hash table lookup with locale preference and hash-only access
  - Encrypted files, including FIX_KEY files and key recovery for files
    whose name is unknown
  - Zlib, PKWare DCL, bzip2, LZMA and sparse sector compression, and
    imploded files
  - Seekable streams that decode one sector at a time
  - Listfile enumeration with doublestar glob matching
  - A provider chain over archives and directory trees

# Basic Usage

Reading a file:

	archive, err := mpq.Open("d2data.mpq")
	if err != nil {
		log.Fatal(err)
	}
	defer archive.Close()

	f, err := archive.OpenFile("data\\global\\excel\\armor.txt")
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)

Resolving names across a patch, a base archive and loose files:

	loader := mpq.NewLoader([]mpq.Provider{patch, base, mpq.NewDirProvider("./data")})
	defer loader.Close()

	s, err := loader.Open("data/global/palette/act1/pal.dat")

The first provider that has a name serves it. A deletion marker in an
archive hides the name in every provider after it.

# Path Conventions

MPQ archives use backslash (\) as the path separator and compare names
case-insensitively. Forward slashes are accepted everywhere:

	archive.Has("Data\\SubDir\\file.txt") // native form
	archive.Has("data/subdir/FILE.TXT")   // same file

# Errors

Failures can be classified with [errors.Is] against [ErrCorruptArchive],
[ErrNotFound], [ErrUnsupportedCompression], [ErrMissingEncryptionKey],
[ErrDecompression] and [ErrClosed].

# Limitations

  - Read-only
  - No Huffman or ADPCM audio compression
  - No format versions 3 and 4 (HET/BET tables)
  - No verification of sector checksums, (attributes) or signatures
*/
package mpq
