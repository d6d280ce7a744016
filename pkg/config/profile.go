package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrProfileNotFound = errors.New("config: profile not found")

// Profiles are partial YAML documents named <name>.yaml inside a profile
// directory. Applying one overlays only the keys it sets, so a "lab" or
// "demo" profile can retune a few components on top of the base file.

// ListProfiles returns the profile names found in dir, sorted.
func ListProfiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profile dir %q: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch filepath.Ext(name) {
		case ".yaml", ".yml":
			names = append(names, strings.TrimSuffix(name, filepath.Ext(name)))
		}
	}
	sort.Strings(names)
	return names, nil
}

// ApplyProfile overlays the named profile from dir onto c. The result is
// not validated; callers validate once all overlays are applied.
func (c *Config) ApplyProfile(dir, name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: invalid name %q", ErrProfileNotFound, name)
	}
	var data []byte
	var err error
	for _, ext := range []string{".yaml", ".yml"} {
		data, err = os.ReadFile(filepath.Join(dir, name+ext))
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read profile %q: %w", name, err)
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %s in %s", ErrProfileNotFound, name, dir)
	}
	if err := decode(data, c); err != nil {
		return fmt.Errorf("parse profile %q: %w", name, err)
	}
	return nil
}

// LoadWithProfile loads path, overlays profile from dir, then applies the
// environment and validates.
func LoadWithProfile(path, dir, profile string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if profile != "" {
		if err := cfg.ApplyProfile(dir, profile); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
