// Package config loads user settings from a JSON file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"autogeoref/internal/optimizer"
	"autogeoref/internal/params"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "AUTOGEOREF_CONFIG"

const appDir = "autogeoref"

// Config holds user-editable settings.
type Config struct {
	Logging   Logging   `json:"logging"`
	Optimizer Optimizer `json:"optimizer"`
	Render    Render    `json:"render"`
	Storage   Storage   `json:"storage"`
	Server    Server    `json:"server"`
	Watch     Watch     `json:"watch"`
	// Grid replaces the built-in default grid when set.
	Grid params.Grid `json:"grid,omitempty"`
}

// Logging controls verbosity and format.
type Logging struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// Optimizer holds search defaults. Command-line flags override them.
type Optimizer struct {
	Alpha       float64 `json:"alpha"`
	TestSize    float64 `json:"test_size"`
	Seed        int64   `json:"seed"`
	CVMode      string  `json:"cv_mode"`
	NSplits     int     `json:"n_splits"`
	WarmupPairs int     `json:"warmup_pairs"`
	HalvingEta  int     `json:"halving_eta"`
	Workers     int     `json:"workers"`
	FailureCost float64 `json:"failure_cost"`
}

// Render holds match diagram defaults.
type Render struct {
	MaxDraw  int  `json:"max_draw"`
	Annotate bool `json:"annotate"`
}

// Storage configures the run history database.
type Storage struct {
	Enabled      bool   `json:"enabled"`
	DatabasePath string `json:"database_path"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `json:"addr"`
}

// Watch configures file watching.
type Watch struct {
	DebounceMS int `json:"debounce_ms"`
}

// Debounce returns the debounce interval.
func (w Watch) Debounce() time.Duration {
	return time.Duration(w.DebounceMS) * time.Millisecond
}

// Path returns the config file location: $AUTOGEOREF_CONFIG if set,
// otherwise config.json under the user config directory.
func Path() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return expandUser(p)
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, appDir, "config.json"), nil
}

// Load reads the config from Path. A missing file yields the defaults.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config at path over the defaults, so a partial file
// only changes the fields it names.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory.
func (c *Config) Save(path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, append(data, '\n'), 0o644)
}

// Default returns the built-in settings.
func Default() *Config {
	def := optimizer.DefaultOptions()
	return &Config{
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Optimizer: Optimizer{
			Alpha:       def.Alpha,
			TestSize:    def.TestSize,
			Seed:        def.Seed,
			CVMode:      string(def.Mode),
			NSplits:     def.NSplits,
			WarmupPairs: def.WarmupPairs,
			HalvingEta:  def.HalvingEta,
			Workers:     def.Workers,
			FailureCost: def.FailureCost,
		},
		Render: Render{
			MaxDraw:  60,
			Annotate: true,
		},
		Storage: Storage{
			Enabled:      true,
			DatabasePath: defaultDatabasePath(),
		},
		Server: Server{
			Addr: ":8765",
		},
		Watch: Watch{
			DebounceMS: 250,
		},
	}
}

// Options converts the optimizer section. Early-exit thresholds have no
// config defaults and stay disabled.
func (o Optimizer) Options() (optimizer.Options, error) {
	mode, err := optimizer.ParseMode(o.CVMode)
	if err != nil {
		return optimizer.Options{}, err
	}
	opts := optimizer.DefaultOptions()
	opts.Alpha = o.Alpha
	opts.TestSize = o.TestSize
	opts.Seed = o.Seed
	opts.Mode = mode
	opts.NSplits = o.NSplits
	opts.WarmupPairs = o.WarmupPairs
	opts.HalvingEta = o.HalvingEta
	opts.Workers = o.Workers
	opts.FailureCost = o.FailureCost
	return opts, opts.Validate()
}

// SearchGrid returns the configured grid or the built-in default.
func (c *Config) SearchGrid() params.Grid {
	if len(c.Grid) > 0 {
		return c.Grid
	}
	return params.DefaultGrid()
}

func defaultDatabasePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, appDir, "runs.db")
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
