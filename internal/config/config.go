// Package config loads the icache configuration: defaults, then the global
// user file, then the project file (or an explicit one), then CLI flags.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/instcache/pkg/instcache"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
)

// FileName is the project config file name.
const FileName = ".icache.json"

// Config holds all configuration options.
type Config struct {
	// Segment is the path of the shared memory file.
	Segment string `json:"segment,omitempty"`

	MemoryLimit             ByteSize `json:"memory_limit,omitempty"`
	Workers                 int      `json:"workers,omitempty"`
	Slots                   int      `json:"slots,omitempty"`
	Shards                  int      `json:"shards,omitempty"`
	PurgeInterval           Duration `json:"purge_interval,omitempty"`
	PurgeDelay              Duration `json:"purge_delay,omitempty"`
	MaxPostDeletionLifetime Duration `json:"max_post_deletion_lifetime,omitempty"`
	PendingBudget           ByteSize `json:"pending_budget,omitempty"`

	// StatsFile, if set, receives a JSON stats snapshot on every maintenance
	// tick of serve.
	StatsFile string `json:"stats_file,omitempty"`

	// Sources tracks which config files were loaded (for diagnostics).
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string
	Project string
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Segment:                 defaultSegment(),
		MemoryLimit:             64 << 20,
		Workers:                 16,
		Slots:                   instcache.DefaultSlots,
		Shards:                  instcache.DefaultShards,
		PurgeInterval:           Duration(time.Second),
		PurgeDelay:              Duration(instcache.DefaultPurgeDelay),
		MaxPostDeletionLifetime: Duration(instcache.DefaultMaxPostDeletionLifetime),
		PendingBudget:           instcache.DefaultPendingBudget,
	}
}

func defaultSegment() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm/icache"
	}

	return filepath.Join(os.TempDir(), "icache")
}

// globalPath returns $XDG_CONFIG_HOME/icache/config.json, falling back to
// ~/.config/icache/config.json. Empty if neither variable is set.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "icache", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "icache", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDir    string            // if empty, os.Getwd() is used
	ConfigPath string            // --config flag value
	Overrides  Config            // non-zero fields win over every file
	Env        map[string]string // environment variables
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config
// 3. Project config (.icache.json in the work dir, if it exists) or the
// explicit config file
// 4. CLI overrides.
func Load(in LoadInput) (Config, error) {
	workDir := in.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if path := globalPath(in.Env); path != "" {
		global, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, global)
			cfg.Sources.Global = path
		}
	}

	path, mustExist := filepath.Join(workDir, FileName), false
	if in.ConfigPath != "" {
		path, mustExist = in.ConfigPath, true
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}
	}

	project, loaded, err := loadFile(path, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = merge(cfg, project)
		cfg.Sources.Project = path
	}

	cfg = merge(cfg, in.Overrides)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if !filepath.IsAbs(cfg.Segment) {
		cfg.Segment = filepath.Join(workDir, cfg.Segment)
	}

	if cfg.StatsFile != "" && !filepath.IsAbs(cfg.StatsFile) {
		cfg.StatsFile = filepath.Join(workDir, cfg.StatsFile)
	}

	return cfg, nil
}

func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case os.IsNotExist(err) && mustExist:
			return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		case os.IsNotExist(err):
			return Config{}, false, nil
		default:
			return Config{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
		}
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

// Parse decodes a JSONC config document. Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(std))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.Segment != "" {
		base.Segment = overlay.Segment
	}

	if overlay.MemoryLimit != 0 {
		base.MemoryLimit = overlay.MemoryLimit
	}

	if overlay.Workers != 0 {
		base.Workers = overlay.Workers
	}

	if overlay.Slots != 0 {
		base.Slots = overlay.Slots
	}

	if overlay.Shards != 0 {
		base.Shards = overlay.Shards
	}

	if overlay.PurgeInterval != 0 {
		base.PurgeInterval = overlay.PurgeInterval
	}

	if overlay.PurgeDelay != 0 {
		base.PurgeDelay = overlay.PurgeDelay
	}

	if overlay.MaxPostDeletionLifetime != 0 {
		base.MaxPostDeletionLifetime = overlay.MaxPostDeletionLifetime
	}

	if overlay.PendingBudget != 0 {
		base.PendingBudget = overlay.PendingBudget
	}

	if overlay.StatsFile != "" {
		base.StatsFile = overlay.StatsFile
	}

	return base
}

// Validate checks the fields the cache does not check itself.
func (c Config) Validate() error {
	switch {
	case c.Segment == "":
		return fmt.Errorf("%w: segment cannot be empty", ErrConfigInvalid)
	case c.PurgeInterval <= 0:
		return fmt.Errorf("%w: purge_interval must be positive", ErrConfigInvalid)
	case c.PurgeDelay < 0 || c.MaxPostDeletionLifetime < 0:
		return fmt.Errorf("%w: durations cannot be negative", ErrConfigInvalid)
	}

	if _, err := instcache.SegmentSize(c.Options()); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	return nil
}

// Options returns the cache options for c. Logger and clock are left to
// the caller.
func (c Config) Options() instcache.Options {
	return instcache.Options{
		MemoryLimit:             uint64(c.MemoryLimit),
		Workers:                 c.Workers,
		Slots:                   c.Slots,
		Shards:                  c.Shards,
		PurgeDelay:              time.Duration(c.PurgeDelay),
		MaxPostDeletionLifetime: time.Duration(c.MaxPostDeletionLifetime),
	}
}
