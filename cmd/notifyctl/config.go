package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const defaultServer = "http://localhost:8080"

// cliConfig is ~/.config/notifyctl/config.yaml.
//
// The token is a bearer credential, so the file is written 0600.
type cliConfig struct {
	Server    string `yaml:"server"`
	Token     string `yaml:"token,omitempty"`
	SessionID string `yaml:"session_id,omitempty"`
	Login     string `yaml:"login,omitempty"`
}

// defaultConfigPath returns $XDG_CONFIG_HOME/notifyctl/config.yaml
// (~/.config/notifyctl/config.yaml on Linux).
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".notifyctl", "config.yaml")
	}
	return filepath.Join(dir, "notifyctl", "config.yaml")
}

// loadConfig reads path. A missing file is an empty config pointing at the
// default server.
func loadConfig(path string) (*cliConfig, error) {
	cfg := &cliConfig{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if cfg.Server == "" {
		cfg.Server = defaultServer
	}
	return cfg, nil
}

func saveConfig(path string, cfg *cliConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
