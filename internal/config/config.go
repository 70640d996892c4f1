// Package config implements the process-wide configuration singleton:
// built-in defaults, overlaid by <dir>/config.json (unknown keys ignored),
// overlaid by environment variables - every knob reachable through both
// the file and the environment.
//
// Grounded on the teacher's internal/common/cmd-env-flags.go (explicit,
// hand-listed flag/env pairs rather than reflection-driven binding) for
// the overlay style, and on original_source/src/configuration.cpp for the
// exact key set, defaults, and -e/--edit-config semantics (spec.md 4.M).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Accuracy controls whether debug/coverage line info may be dropped during
// preprocessing.
type Accuracy string

const (
	AccuracyDefault Accuracy = "default"
	AccuracyStrict  Accuracy = "strict"
)

// Config holds every recognized knob (spec.md 4.M), exported for JSON/YAML
// (de)serialization.
type Config struct {
	Dir                string   `json:"dir" yaml:"dir"`
	MaxCacheSize       int64    `json:"max_cache_size" yaml:"max_cache_size"`
	MaxLocalEntrySize  int64    `json:"max_local_entry_size" yaml:"max_local_entry_size"`
	MaxRemoteEntrySize int64    `json:"max_remote_entry_size" yaml:"max_remote_entry_size"`
	HardLinks          bool     `json:"hard_links" yaml:"hard_links"`
	Compress           bool     `json:"compress" yaml:"compress"`
	CompressFormat     string   `json:"compress_format" yaml:"compress_format"`
	CompressLevel      int      `json:"compress_level" yaml:"compress_level"`
	Remote             string   `json:"remote" yaml:"remote"`
	RemoteLocks        bool     `json:"remote_locks" yaml:"remote_locks"`
	ReadOnly           bool     `json:"read_only" yaml:"read_only"`
	ReadOnlyRemote     bool     `json:"read_only_remote" yaml:"read_only_remote"`
	Accuracy           Accuracy `json:"accuracy" yaml:"accuracy"`
	Impersonate        string   `json:"impersonate" yaml:"impersonate"`
	Prefix             string   `json:"prefix" yaml:"prefix"`
	TerminateOnMiss    bool     `json:"terminate_on_miss" yaml:"terminate_on_miss"`
	LuaPaths           []string `json:"lua_paths" yaml:"lua_paths"`
	HashExtraFiles     []string `json:"hash_extra_files" yaml:"hash_extra_files"`
	Disable            bool     `json:"disable" yaml:"disable"`
	S3Access           string   `json:"s3_access" yaml:"s3_access"`
	S3Secret           string   `json:"s3_secret" yaml:"s3_secret"`
	CacheLinkCommands  bool     `json:"cache_link_commands" yaml:"cache_link_commands"`
	Perf               bool     `json:"perf" yaml:"perf"`
	Debug              bool     `json:"debug" yaml:"debug"`
	LogFile            string   `json:"log_file" yaml:"log_file"`
	DirectMode         bool     `json:"direct_mode" yaml:"direct_mode"`
}

// Defaults returns the built-in baseline configuration (spec.md 4.M).
func Defaults() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Dir:            filepath.Join(home, ".buildcache"),
		MaxCacheSize:   5 * 1024 * 1024 * 1024,
		HardLinks:      true,
		Compress:       true,
		CompressFormat: "lz4",
		CompressLevel:  -1,
		Accuracy:       AccuracyDefault,
	}
}

// configPath returns <dir>/config.json.
func configPath(dir string) string {
	return filepath.Join(dir, "config.json")
}

// Load builds the effective configuration: defaults, overlaid by
// <dir>/config.json if present (unknown keys ignored by
// encoding/json's default decode behavior), overlaid by environment
// variables. dir is itself resolved first from BUILDCACHE_DIR, then from
// the defaults.
func Load() (*Config, error) {
	cfg := Defaults()
	if dir := os.Getenv("BUILDCACHE_DIR"); dir != "" {
		cfg.Dir = dir
	}

	if raw, err := os.ReadFile(configPath(cfg.Dir)); err == nil {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", configPath(cfg.Dir), err)
		}
	}

	overlayFromEnv(cfg)
	return cfg, nil
}

func overlayFromEnv(cfg *Config) {
	str := func(dst *string, env string) {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}
	boolean := func(dst *bool, env string) {
		if v, ok := os.LookupEnv(env); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	integer := func(dst *int64, env string) {
		if v, ok := os.LookupEnv(env); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	intval := func(dst *int, env string) {
		if v, ok := os.LookupEnv(env); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str(&cfg.Dir, "BUILDCACHE_DIR")
	integer(&cfg.MaxCacheSize, "BUILDCACHE_MAX_CACHE_SIZE")
	integer(&cfg.MaxLocalEntrySize, "BUILDCACHE_MAX_LOCAL_ENTRY_SIZE")
	integer(&cfg.MaxRemoteEntrySize, "BUILDCACHE_MAX_REMOTE_ENTRY_SIZE")
	boolean(&cfg.HardLinks, "BUILDCACHE_HARD_LINKS")
	boolean(&cfg.Compress, "BUILDCACHE_COMPRESS")
	str(&cfg.CompressFormat, "BUILDCACHE_COMPRESS_FORMAT")
	intval(&cfg.CompressLevel, "BUILDCACHE_COMPRESS_LEVEL")
	str(&cfg.Remote, "BUILDCACHE_REMOTE")
	boolean(&cfg.RemoteLocks, "BUILDCACHE_REMOTE_LOCKS")
	boolean(&cfg.ReadOnly, "BUILDCACHE_READ_ONLY")
	boolean(&cfg.ReadOnlyRemote, "BUILDCACHE_READ_ONLY_REMOTE")
	if v, ok := os.LookupEnv("BUILDCACHE_ACCURACY"); ok {
		cfg.Accuracy = Accuracy(v)
	}
	str(&cfg.Impersonate, "BUILDCACHE_IMPERSONATE")
	str(&cfg.Prefix, "BUILDCACHE_PREFIX")
	boolean(&cfg.TerminateOnMiss, "BUILDCACHE_TERMINATE_ON_MISS")
	if v, ok := os.LookupEnv("BUILDCACHE_LUA_PATH"); ok {
		cfg.LuaPaths = filepath.SplitList(v)
	}
	if v, ok := os.LookupEnv("BUILDCACHE_HASH_EXTRA_FILES"); ok {
		cfg.HashExtraFiles = strings.Split(v, string(os.PathListSeparator))
	}
	boolean(&cfg.Disable, "BUILDCACHE_DISABLE")
	str(&cfg.S3Access, "BUILDCACHE_S3_ACCESS")
	str(&cfg.S3Secret, "BUILDCACHE_S3_SECRET")
	boolean(&cfg.CacheLinkCommands, "BUILDCACHE_CACHE_LINK_COMMANDS")
	boolean(&cfg.Perf, "BUILDCACHE_PERF")
	boolean(&cfg.Debug, "BUILDCACHE_DEBUG")
	str(&cfg.LogFile, "BUILDCACHE_LOG_FILE")
	boolean(&cfg.DirectMode, "BUILDCACHE_DIRECT_MODE")
}

// Save writes cfg as JSON to <dir>/config.json.
func (cfg *Config) Save() error {
	if err := os.MkdirAll(cfg.Dir, os.ModePerm); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(cfg.Dir), data, 0o644)
}

// Dump renders cfg as YAML for human consumption (buildcache --show-config).
// JSON remains the canonical on-disk format; this is presentation only.
func (cfg *Config) Dump() (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EditConfigFile opens $EDITOR (defaulting to "vi") on <dir>/config.json,
// creating it from the current defaults first if it doesn't already exist.
func EditConfigFile(cfg *Config) error {
	path := configPath(cfg.Dir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("config: creating %s before edit: %w", path, err)
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
