// Package config loads the settings of the Scout binaries: a YAML file in the user config directory,
// overridden by environment variables, which may come from a .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PathEnv names the environment variable that points at the config file, replacing the default
// location.
const PathEnv = "SCOUT_CONFIG"

const appDir = "scoutwebui"

// Dir returns the directory holding the config and data files, creating it if needed.
func Dir() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	dir := filepath.Join(cfgDir, appDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return dir, nil
}

// Load decodes the YAML config file of the named binary into file, then applies the environment
// overrides declared with env tags on overrides. Both usually point into the same struct.
//
// The file is <config dir>/scoutwebui/<name>.yaml unless SCOUT_CONFIG names another one. A missing
// default file is not an error, since every setting can come from the environment; a missing file
// named by SCOUT_CONFIG is.
func Load(name string, file, overrides any) error {
	// A .env file is optional.
	_ = godotenv.Load()

	path, explicit := os.LookupEnv(PathEnv)
	if !explicit {
		dir, err := Dir()
		if err != nil {
			return err
		}
		path = filepath.Join(dir, name+".yaml")
	}

	if err := decodeFile(path, file); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || explicit {
			return err
		}
	}

	if err := env.Parse(overrides); err != nil {
		return fmt.Errorf("error parsing environment: %w", err)
	}
	return nil
}

func decodeFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	// An empty file decodes to io.EOF.
	if err := yaml.NewDecoder(f).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("error decoding config file %s: %w", path, err)
	}
	return nil
}

// NewLogger creates a text logger writing to w at the named level. An empty level means info.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if level != "" {
		if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}
