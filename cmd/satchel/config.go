// ABOUTME: config.go provides configuration file management for the satchel CLI.
// ABOUTME: Supports loading, saving, and auto-initialization with environment variable overrides.
package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
	"github.com/tailscale/hujson"
)

// Config represents the satchel CLI configuration.
type Config struct {
	Server    string `json:"server"`
	Token     string `json:"token"`
	DeviceID  string `json:"device_id"`
	MasterKey string `json:"master_key"` // hex-encoded 32-byte key sealing the local stores
	StoreDir  string `json:"store_dir"`  // directory holding queue.db and cache.db
}

// ConfigPath is a function that returns the path to the satchel config file.
// It can be overridden in tests.
var ConfigPath = func() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".satchel", "config.json")
	}
	return filepath.Join(home, ".satchel", "config.json")
}

// ConfigDir returns the directory containing the config file.
func ConfigDir() string {
	return filepath.Dir(ConfigPath())
}

// LoadConfig loads config from file and applies environment variable
// overrides. The file is parsed as JSONC, so comments and trailing commas
// are tolerated.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()
	path := ConfigPath()

	// #nosec G304 -- path is derived from the user's home directory
	data, err := os.ReadFile(path)
	if err == nil {
		standardized, hujErr := hujson.Standardize(data)
		if hujErr != nil {
			return nil, fmt.Errorf("config %s: %w\nRun 'satchel init' to create a new config", path, hujErr)
		}
		if jsonErr := json.Unmarshal(standardized, cfg); jsonErr != nil {
			return nil, fmt.Errorf("config %s: %w\nRun 'satchel init' to create a new config", path, jsonErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.StoreDir == "" {
		cfg.StoreDir = ConfigDir()
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{StoreDir: ConfigDir()}
}

func applyEnvOverrides(cfg *Config) {
	if server := os.Getenv("SATCHEL_SERVER"); server != "" {
		cfg.Server = server
	}
	if token := os.Getenv("SATCHEL_TOKEN"); token != "" {
		cfg.Token = token
	}
	if deviceID := os.Getenv("SATCHEL_DEVICE_ID"); deviceID != "" {
		cfg.DeviceID = deviceID
	}
	if dir := os.Getenv("SATCHEL_STORE_DIR"); dir != "" {
		cfg.StoreDir = expandPath(dir)
	}
}

// SaveConfig writes config to file atomically.
func SaveConfig(cfg *Config) error {
	if err := os.MkdirAll(ConfigDir(), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := atomic.WriteFile(ConfigPath(), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// InitConfig creates a new config with a fresh device id and master key.
func InitConfig(server string) (*Config, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}

	cfg := &Config{
		Server:    server,
		DeviceID:  ulid.Make().String(),
		MasterKey: hex.EncodeToString(key[:]),
		StoreDir:  ConfigDir(),
	}
	if err := SaveConfig(cfg); err != nil {
		return nil, err
	}

	fmt.Fprintf(os.Stderr, "Config created at %s\n", ConfigPath())
	fmt.Fprintf(os.Stderr, "Device ID: %s\n", cfg.DeviceID)
	return cfg, nil
}

// ConfigExists returns true if the config file exists.
func ConfigExists() bool {
	_, err := os.Stat(ConfigPath())
	return err == nil
}

// masterKey decodes the configured hex key.
func (c *Config) masterKey() ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(c.MasterKey)
	if err != nil {
		return key, fmt.Errorf("master_key is not valid hex: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("master_key must be %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
