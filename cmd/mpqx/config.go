// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	mpq "github.com/AbyssEngine/AbyssEngineOld-sub001"
)

// ChainConfig describes a provider chain, highest priority first.
type ChainConfig struct {
	Locale    uint16           `json:"locale"`
	CacheSize int              `json:"cache_size"`
	Providers []ProviderConfig `json:"providers"`
}

// ProviderConfig names exactly one of an archive file or a directory.
type ProviderConfig struct {
	Archive string `json:"archive,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

// loadChainConfig reads a chain config. Relative paths are resolved
// against the directory of the config file.
func loadChainConfig(path string) (*ChainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain config: %w", err)
	}

	var cfg ChainConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse chain config: %w", err)
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("chain config %s lists no providers", path)
	}

	base := filepath.Dir(path)
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if (p.Archive == "") == (p.Dir == "") {
			return nil, fmt.Errorf("provider %d: set exactly one of archive and dir", i)
		}
		p.Archive = resolvePath(base, p.Archive)
		p.Dir = resolvePath(base, p.Dir)
	}
	return &cfg, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// openChain opens every provider of cfg and returns a loader over them.
// On failure the providers opened so far are closed.
func openChain(cfg *ChainConfig, logger *slog.Logger) (*mpq.Loader, error) {
	var providers []mpq.Provider
	closeAll := func() {
		for _, p := range providers {
			if a, ok := p.(*mpq.Archive); ok {
				a.Close()
			}
		}
	}

	for _, pc := range cfg.Providers {
		if pc.Dir != "" {
			providers = append(providers, mpq.NewDirProvider(pc.Dir))
			continue
		}
		a, err := mpq.Open(pc.Archive, mpq.WithLocale(cfg.Locale), mpq.WithLogger(logger))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open %s: %w", pc.Archive, err)
		}
		providers = append(providers, a)
	}

	opts := []mpq.LoaderOption{mpq.WithLoaderLogger(logger)}
	if cfg.CacheSize > 0 {
		opts = append(opts, mpq.WithCacheSize(cfg.CacheSize))
	}
	return mpq.NewLoader(providers, opts...), nil
}

var errUsage = errors.New("usage")
