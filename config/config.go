// Package config handles patchpoint.toml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/patchpoint/code"
	"github.com/chazu/patchpoint/journal"
	"github.com/chazu/patchpoint/patcher"
)

// FileName is the name of the configuration file.
const FileName = "patchpoint.toml"

// Config represents a patchpoint.toml file.
type Config struct {
	Cache   Cache   `toml:"cache"`
	Patcher Patcher `toml:"patcher"`
	Journal Journal `toml:"journal"`
	Log     Log     `toml:"log"`

	// Dir is the directory containing the patchpoint.toml file (set at load time).
	Dir string `toml:"-"`
}

// Cache configures the code cache region.
type Cache struct {
	Base uint64 `toml:"base"`
	Size int    `toml:"size"`
	Mmap bool   `toml:"mmap"`
}

// Patcher configures the patcher service.
type Patcher struct {
	VerifyWrites bool `toml:"verify-writes"`
}

// Journal configures where patch events go.
type Journal struct {
	Backend  string `toml:"backend"`
	Path     string `toml:"path"`
	Capacity int    `toml:"capacity"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Cache:   Cache{Base: 0x10000000, Size: 1 << 20, Mmap: true},
		Patcher: Patcher{VerifyWrites: true},
		Journal: Journal{Backend: journal.BackendMemory, Capacity: journal.DefaultCapacity},
		Log:     Log{Verbosity: 1},
	}
}

// Load parses a patchpoint.toml file from the given directory. Keys the file
// leaves out keep their defaults.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a patchpoint.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	if c.Cache.Size <= 0 {
		return fmt.Errorf("cache.size must be positive, got %d", c.Cache.Size)
	}
	if c.Cache.Base%code.RegionAlignment != 0 {
		return fmt.Errorf("cache.base %#x is not %d-byte aligned", c.Cache.Base, code.RegionAlignment)
	}
	switch c.Journal.Backend {
	case "", journal.BackendNone, journal.BackendMemory:
	case journal.BackendCBOR, journal.BackendSQLite:
		if c.Journal.Path == "" {
			return fmt.Errorf("journal.path is required for the %s backend", c.Journal.Backend)
		}
	default:
		return fmt.Errorf("unknown journal.backend %q", c.Journal.Backend)
	}
	if c.Journal.Capacity < 0 {
		return fmt.Errorf("journal.capacity must not be negative, got %d", c.Journal.Capacity)
	}
	return nil
}

// JournalPath returns the journal path, resolved against Dir.
func (c *Config) JournalPath() string {
	if c.Journal.Path == "" || filepath.IsAbs(c.Journal.Path) || c.Dir == "" {
		return c.Journal.Path
	}
	return filepath.Join(c.Dir, c.Journal.Path)
}

// LogFile returns the log file path resolved against Dir, or nil for stderr.
func (c *Config) LogFile() *string {
	if c.Log.File == "" {
		return nil
	}
	path := c.Log.File
	if !filepath.IsAbs(path) && c.Dir != "" {
		path = filepath.Join(c.Dir, path)
	}
	return &path
}

// OpenRegion allocates the configured code cache region.
func (c *Config) OpenRegion() (*code.Region, error) {
	return code.NewRegion(uintptr(c.Cache.Base), c.Cache.Size, c.Cache.Mmap)
}

// OpenJournal opens the configured journal sink.
func (c *Config) OpenJournal() (journal.Sink, error) {
	return journal.Open(c.Journal.Backend, c.JournalPath(), c.Journal.Capacity)
}

// NewPatcher returns a patcher service recording to sink.
func (c *Config) NewPatcher(sink journal.Sink) *patcher.Patcher {
	return patcher.New(patcher.WithJournal(sink), patcher.WithVerifyWrites(c.Patcher.VerifyWrites))
}
