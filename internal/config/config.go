// Package config loads the engine's on-disk Options document: the page
// size, cache capacity, checkpoint cadence, durability mode, and lock
// timeout an embedder would otherwise have to wire up by hand in code.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tuplgo/tupl/internal/walog"
)

// Options is the engine's external configuration surface, loaded from a
// YAML file alongside (or instead of) the programmatic tupl.Options a
// caller builds in Go.
type Options struct {
	DataDir string `yaml:"data_dir"`

	PageSize   uint32 `yaml:"page_size"`
	CachePages int    `yaml:"cache_pages"`

	Durability  string        `yaml:"durability"`
	LockTimeout time.Duration `yaml:"lock_timeout"`

	CheckpointInterval      time.Duration `yaml:"checkpoint_interval"`
	CheckpointSizeThreshold uint64        `yaml:"checkpoint_size_threshold_bytes"`

	EncryptionKeyFile string `yaml:"encryption_key_file"`
}

// Defaults returns the engine's built-in option values, used to fill in
// anything a loaded document leaves unset.
func Defaults() Options {
	return Options{
		PageSize:                4096,
		CachePages:              4096,
		Durability:              "sync",
		LockTimeout:             5 * time.Second,
		CheckpointInterval:      30 * time.Second,
		CheckpointSizeThreshold: 64 << 20,
	}
}

// Load reads and parses a YAML options document at path, applying
// Defaults() for any field the document does not set. A field the
// document sets explicitly, even to zero, keeps the document's value.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	opts := Defaults()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate rejects combinations of settings the engine cannot operate
// with.
func (o Options) Validate() error {
	if o.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if o.PageSize == 0 || o.PageSize&(o.PageSize-1) != 0 {
		return fmt.Errorf("config: page_size must be a power of two, got %d", o.PageSize)
	}
	if _, err := o.DurabilityMode(); err != nil {
		return err
	}
	return nil
}

// DurabilityMode translates the YAML durability string into the redo
// log's DurabilityMode enum.
func (o Options) DurabilityMode() (walog.DurabilityMode, error) {
	switch o.Durability {
	case "", "sync":
		return walog.Sync, nil
	case "nosync":
		return walog.NoSync, nil
	case "noflush":
		return walog.NoFlush, nil
	case "noredo":
		return walog.NoRedo, nil
	default:
		return 0, fmt.Errorf("config: unknown durability mode %q", o.Durability)
	}
}
