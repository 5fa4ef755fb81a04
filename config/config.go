// Package config handles ncsdecomp.toml decompiler configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "ncsdecomp.toml"

// Config represents an ncsdecomp.toml file.
type Config struct {
	Analysis Analysis `toml:"analysis"`
	Output   Output   `toml:"output"`
	Logging  Logging  `toml:"logging"`
	Actions  Actions  `toml:"actions"`
	Store    Store    `toml:"store"`

	// Dir is the directory containing the ncsdecomp.toml file (set at load time).
	Dir string `toml:"-"`
}

// Analysis tunes inference and structuring.
type Analysis struct {
	MaxRounds        int  `toml:"max-rounds"`
	MaxParams        int  `toml:"max-params"`
	SwitchDetection  bool `toml:"switch-detection"`
	FoldInitializers bool `toml:"fold-initializers"`
}

// Output configures what the trees carry.
type Output struct {
	Debug    bool `toml:"debug"`
	DeadCode bool `toml:"dead-code"`
}

// Logging configures commonlog.
type Logging struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Actions names an action catalog merged over the built-in one.
type Actions struct {
	Catalog string `toml:"catalog"`
}

// Store configures the result database. An empty path disables it.
type Store struct {
	Path string `toml:"path"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Analysis: Analysis{
			MaxRounds:        1000,
			MaxParams:        64,
			SwitchDetection:  true,
			FoldInitializers: true,
		},
		Output:  Output{DeadCode: true},
		Logging: Logging{Verbosity: 1},
	}
}

// Load parses an ncsdecomp.toml file from the given directory. Keys the
// file leaves out keep their defaults.
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

	// Defaults
	d := Default()
	if c.Analysis.MaxRounds <= 0 {
		c.Analysis.MaxRounds = d.Analysis.MaxRounds
	}
	if c.Analysis.MaxParams <= 0 {
		c.Analysis.MaxParams = d.Analysis.MaxParams
	}

	return c, nil
}

// FindAndLoad walks up from startDir to find an ncsdecomp.toml file,
// then loads and returns it. Returns Default() if no file is found.
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
			return Default(), nil
		}
		dir = parent
	}
}

// Resolve returns p relative to the configuration directory, or p itself
// when it is absolute or empty.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// CatalogPath returns the absolute path of the configured action catalog.
func (c *Config) CatalogPath() string {
	return c.Resolve(c.Actions.Catalog)
}

// StorePath returns the absolute path of the result database.
func (c *Config) StorePath() string {
	return c.Resolve(c.Store.Path)
}
