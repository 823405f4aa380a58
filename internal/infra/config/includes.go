package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxIncludeDepth = 10

// includer overlays the files listed under "includes" onto a config. A
// network preset (endpoint, genesis hash, rate limits) is usually shared
// this way between machines. Each file is read at most once per load.
type includer struct {
	seen map[string]bool
}

func newIncluder(root string) *includer {
	return &includer{seen: map[string]bool{root: true}}
}

// apply merges the includes of cfg, found relative to dir, in list order.
// Nested includes are applied depth first.
func (in *includer) apply(cfg *Config, dir string, depth int) error {
	if depth >= maxIncludeDepth {
		return fmt.Errorf("config includes: nested deeper than max depth %d", maxIncludeDepth)
	}
	pending := cfg.Includes
	cfg.Includes = nil

	for _, entry := range pending {
		files, err := expandInclude(dir, entry)
		if err != nil {
			return err
		}
		for _, f := range files {
			if in.seen[f] {
				return fmt.Errorf("config includes: circular include of %s", f)
			}
			in.seen[f] = true
			if err := in.merge(cfg, f, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

func (in *includer) merge(cfg *Config, path string, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := decode(path, data, cfg); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}
	return in.apply(cfg, filepath.Dir(path), depth+1)
}

// expandInclude turns one includes entry into file paths. Globs expand in
// lexical order; an entry that leaves dir is refused.
func expandInclude(dir, entry string) ([]string, error) {
	p := entry
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	p = filepath.Clean(p)
	if rel, err := filepath.Rel(dir, p); err == nil && (rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return nil, fmt.Errorf("config includes: %s escapes %s", entry, dir)
	}

	if !strings.ContainsAny(p, "*?[") {
		return []string{p}, nil
	}
	files, err := filepath.Glob(p)
	if err != nil {
		return nil, fmt.Errorf("config includes: bad pattern %s: %w", entry, err)
	}
	return files, nil
}
