// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

// Command mpqx inspects and extracts MPQ archives.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	mpq "github.com/AbyssEngine/AbyssEngineOld-sub001"
)

const usage = `mpqx - read MPQ archives

Usage:
  mpqx [flags] info <archive>
  mpqx [flags] list [-match glob] <archive>
  mpqx [flags] cat <archive> <name>
  mpqx [flags] extract [-o dir] [-match glob] <archive>

With -chain, the archive argument is dropped and names resolve through
the providers of the chain config:
  mpqx -chain chain.json list [-match glob]
  mpqx -chain chain.json cat <name>
  mpqx -chain chain.json extract [-o dir] [-match glob]

Flags:
`

func main() {
	err := run(os.Args[1:], os.Stdout, os.Stderr)
	if errors.Is(err, errUsage) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mpqx: %v\n", err)
		os.Exit(1)
	}
}

// store is what list, cat and extract need from an archive or a chain.
type store interface {
	mpq.Provider
	ListFiles() ([]string, error)
	Glob(pattern string) ([]string, error)
	Close() error
}

type cli struct {
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
	chain  string
	locale uint
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("mpqx", flag.ContinueOnError)
	fs.SetOutput(stderr)
	verbose := fs.Bool("v", false, "log debug events to stderr")
	c := &cli{stdout: stdout, stderr: stderr}
	fs.StringVar(&c.chain, "chain", "", "JSON provider chain config")
	fs.UintVar(&c.locale, "locale", mpq.LocaleNeutral, "preferred locale id")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	c.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if fs.NArg() < 1 {
		fs.Usage()
		return errUsage
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	var err error
	switch cmd {
	case "info":
		err = c.info(rest)
	case "list", "ls":
		err = c.list(rest)
	case "cat":
		err = c.cat(rest)
	case "extract", "x":
		err = c.extract(rest)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return errUsage
	}
	if errors.Is(err, errUsage) {
		fs.Usage()
	}
	return err
}

// open returns the store named by args: the chain when -chain is set,
// otherwise the archive in args[0]. It returns the remaining arguments.
func (c *cli) open(args []string) (store, []string, error) {
	if c.chain != "" {
		cfg, err := loadChainConfig(c.chain)
		if err != nil {
			return nil, nil, err
		}
		if c.locale != mpq.LocaleNeutral {
			cfg.Locale = uint16(c.locale)
		}
		l, err := openChain(cfg, c.logger)
		if err != nil {
			return nil, nil, err
		}
		return l, args, nil
	}

	if len(args) < 1 {
		return nil, nil, errUsage
	}
	a, err := mpq.Open(args[0], mpq.WithLocale(uint16(c.locale)), mpq.WithLogger(c.logger))
	if err != nil {
		return nil, nil, err
	}
	return a, args[1:], nil
}

func (c *cli) info(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	a, err := mpq.Open(args[0], mpq.WithLogger(c.logger))
	if err != nil {
		return err
	}
	defer a.Close()

	h := a.Header()
	fmt.Fprintf(c.stdout, "format version: %d\n", h.FormatVersion)
	fmt.Fprintf(c.stdout, "header size:    0x%X\n", h.HeaderSize)
	fmt.Fprintf(c.stdout, "archive size:   %d\n", h.ArchiveSize)
	fmt.Fprintf(c.stdout, "sector size:    %d\n", h.SectorSize())
	fmt.Fprintf(c.stdout, "hash entries:   %d\n", h.HashTableEntries)
	fmt.Fprintf(c.stdout, "block entries:  %d\n", h.BlockTableEntries)

	names, err := a.ListFiles()
	switch {
	case errors.Is(err, mpq.ErrNotFound):
		fmt.Fprintln(c.stdout, "listed files:   no (listfile)")
	case err != nil:
		return err
	default:
		fmt.Fprintf(c.stdout, "listed files:   %d\n", len(names))
	}
	return nil
}

// names lists s, filtered by pattern when it is not empty.
func names(s store, pattern string) ([]string, error) {
	if pattern != "" {
		return s.Glob(pattern)
	}
	return s.ListFiles()
}

func (c *cli) list(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	match := fs.String("match", "", "doublestar pattern, e.g. data/global/**/*.dc6")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	s, rest, err := c.open(fs.Args())
	if err != nil {
		return err
	}
	defer s.Close()
	if len(rest) != 0 {
		return errUsage
	}

	list, err := names(s, *match)
	if err != nil {
		return err
	}
	for _, name := range list {
		fmt.Fprintln(c.stdout, name)
	}
	return nil
}

func (c *cli) cat(args []string) error {
	s, rest, err := c.open(args)
	if err != nil {
		return err
	}
	defer s.Close()
	if len(rest) != 1 {
		return errUsage
	}

	f, err := s.Open(rest[0])
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(c.stdout, f)
	return err
}

func (c *cli) extract(args []string) error {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	out := fs.String("o", ".", "output directory")
	match := fs.String("match", "", "doublestar pattern selecting the files")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	s, rest, err := c.open(fs.Args())
	if err != nil {
		return err
	}
	defer s.Close()
	if len(rest) != 0 {
		return errUsage
	}

	list, err := names(s, *match)
	if err != nil {
		return err
	}

	var failed int
	for _, name := range list {
		if err := extractFile(s, name, *out); err != nil {
			c.logger.Error("extractFailed", "name", name, "err", err)
			failed++
			continue
		}
		c.logger.Debug("extracted", "name", name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed to extract", failed, len(list))
	}
	return nil
}

// extractFile writes name below dir, mapping '\' to the OS separator.
func extractFile(s store, name, dir string) error {
	rel := filepath.FromSlash(strings.ReplaceAll(name, "\\", "/"))
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("refusing to write %q outside %s", name, dir)
	}
	return mpq.Extract(s, name, filepath.Join(dir, rel))
}
