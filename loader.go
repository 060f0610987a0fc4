// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/dgryski/go-tinylfu"
)

// Stream is a seekable file handed out by a Provider.
type Stream interface {
	io.ReadSeekCloser
	Size() int64
}

// Provider is a source of named files: an Archive, a DirProvider or any
// other storage backend.
type Provider interface {
	Has(name string) bool
	Open(name string) (Stream, error)
}

// deleter is implemented by providers that can mark a name as deleted,
// hiding it in every later provider.
type deleter interface {
	Deleted(name string) bool
}

// lister is implemented by providers that can enumerate their names.
type lister interface {
	ListFiles() ([]string, error)
}

const defaultCacheSize = 4096

// Loader resolves names against an ordered list of providers.
// The first provider that has a name serves it.
// A Loader is safe for concurrent use.
type Loader struct {
	providers []Provider
	logger    *slog.Logger

	mu    sync.Mutex
	cache *tinylfu.T[uint64, int] // name key -> provider index
}

// A LoaderOption configures NewLoader.
type LoaderOption func(*loaderOptions)

type loaderOptions struct {
	cacheSize int
	logger    *slog.Logger
}

// WithCacheSize sets how many name resolutions the loader remembers.
func WithCacheSize(n int) LoaderOption {
	return func(o *loaderOptions) { o.cacheSize = n }
}

// WithLoaderLogger sets the loader's logger; the default is slog.Default().
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(o *loaderOptions) { o.logger = logger }
}

// NewLoader returns a loader over providers, highest priority first.
func NewLoader(providers []Provider, opts ...LoaderOption) *Loader {
	o := loaderOptions{cacheSize: defaultCacheSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.cacheSize = max(o.cacheSize, 1)

	return &Loader{
		providers: providers,
		logger:    o.logger,
		cache:     tinylfu.New[uint64, int](o.cacheSize, o.cacheSize*10, identityHash),
	}
}

// Keys are already xxhash values.
func identityHash(k uint64) uint64 { return k }

// resolve returns the index of the provider serving name, or -1.
func (l *Loader) resolve(name string) int {
	key := nameKey(name)

	l.mu.Lock()
	i, ok := l.cache.Get(key)
	l.mu.Unlock()
	if ok && l.providers[i].Has(name) {
		return i
	}

	for i, p := range l.providers {
		if d, ok := p.(deleter); ok && d.Deleted(name) {
			l.logger.Debug("providerDeleted", "name", name, "provider", i)
			return -1
		}
		if p.Has(name) {
			l.mu.Lock()
			l.cache.Add(key, i)
			l.mu.Unlock()
			l.logger.Debug("providerHit", "name", name, "provider", i)
			return i
		}
	}

	l.logger.Debug("providerMiss", "name", name)
	return -1
}

// Has reports whether any provider has name.
func (l *Loader) Has(name string) bool {
	return l.resolve(name) >= 0
}

// Open opens name from the first provider that has it.
func (l *Loader) Open(name string) (Stream, error) {
	i := l.resolve(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return l.providers[i].Open(name)
}

// ListFiles returns the union of the names listed by the providers that
// can enumerate themselves. Providers without a listfile are skipped.
func (l *Loader) ListFiles() ([]string, error) {
	seen := make(map[uint64]struct{})
	var result []string
	for _, p := range l.providers {
		ls, ok := p.(lister)
		if !ok {
			continue
		}
		names, err := ls.ListFiles()
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			key := nameKey(name)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			if l.Has(name) {
				result = append(result, name)
			}
		}
	}
	return result, nil
}

// Glob returns the listed names matching a doublestar pattern.
func (l *Loader) Glob(pattern string) ([]string, error) {
	names, err := l.ListFiles()
	if err != nil {
		return nil, err
	}
	return globNames(names, pattern)
}

// Close closes every provider that is an io.Closer.
func (l *Loader) Close() error {
	var firstErr error
	for _, p := range l.providers {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
