// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"errors"
	"slices"
	"testing"

	"github.com/bmatcuk/doublestar/v4"
)

func TestSplitListFile(t *testing.T) {
	got := splitListFile("a.txt\r\nDir\\B.txt;c.txt\n\n  d.txt  \r\nA.TXT\ndir/b.txt")
	want := []string{"a.txt", "Dir\\B.txt", "c.txt", "d.txt"}
	if !slices.Equal(got, want) {
		t.Errorf("splitListFile = %q, want %q", got, want)
	}
}

func TestListFiles(t *testing.T) {
	a := openTestArchive(t, &testArchive{
		listfile: true,
		entries: []testEntry{
			{name: "data\\global\\excel\\armor.txt", data: []byte("armor")},
			{name: "data\\global\\excel\\weapons.txt", data: []byte("weapons")},
			{name: "data\\global\\ui\\panel.dc6", data: []byte("panel")},
			{name: "gone.txt", deleteMarker: true},
		},
	})

	names, err := a.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	want := []string{
		"data\\global\\excel\\armor.txt",
		"data\\global\\excel\\weapons.txt",
		"data\\global\\ui\\panel.dc6",
	}
	if !slices.Equal(names, want) {
		t.Errorf("ListFiles = %q, want %q", names, want)
	}

	tests := []struct {
		pattern string
		want    []string
	}{
		{"data/global/excel/*.txt", want[:2]},
		{"DATA\\GLOBAL\\**\\*.DC6", want[2:]},
		{"**/panel.*", want[2:]},
		{"*.txt", nil},
	}
	for _, test := range tests {
		t.Run(test.pattern, func(t *testing.T) {
			got, err := a.Glob(test.pattern)
			if err != nil {
				t.Fatalf("Glob: %v", err)
			}
			if !slices.Equal(got, test.want) {
				t.Errorf("Glob = %q, want %q", got, test.want)
			}
		})
	}

	if _, err := a.Glob("data/[unclosed"); !errors.Is(err, doublestar.ErrBadPattern) {
		t.Errorf("bad pattern: err = %v, want ErrBadPattern", err)
	}
}

func TestListFilesDropsUnresolved(t *testing.T) {
	a := openTestArchive(t, &testArchive{entries: []testEntry{
		{name: "real.txt", data: []byte("real")},
		{name: listFileName, data: []byte("real.txt\r\nimaginary.txt\r\n")},
	}})

	names, err := a.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if !slices.Equal(names, []string{"real.txt"}) {
		t.Errorf("ListFiles = %q", names)
	}
}
