// Package paths resolves where cellar keeps its configuration and its
// databases.
//
// Each directory comes from the first of: a command-line flag, an
// environment variable, the config file (data directory only) and a
// platform default.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName names the per-user directories.
const AppName = "cellar"

// Environment variables overriding the directories.
const (
	EnvConfigDir = "CELLAR_CONFIG_DIR"
	EnvDataDir   = "CELLAR_DATA_DIR"
)

// ConfigFileName is the name of the config file in the config directory.
const ConfigFileName = "config.yaml"

// platform lookups, replaced in tests.
var (
	homeDir       = os.UserHomeDir
	userConfigDir = os.UserConfigDir
)

// DefaultConfigDir returns the per-user configuration directory:
// $XDG_CONFIG_HOME/cellar or ~/.config/cellar on Linux and the
// os.UserConfigDir location elsewhere.
func DefaultConfigDir() (string, error) {
	if runtime.GOOS == "linux" {
		return xdg("XDG_CONFIG_HOME", ".config")
	}
	dir, err := userConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AppName), nil
}

// DefaultDataDir returns the per-user data directory:
// $XDG_DATA_HOME/cellar or ~/.local/share/cellar on Linux and a data
// subdirectory of the configuration directory elsewhere.
func DefaultDataDir() (string, error) {
	if runtime.GOOS == "linux" {
		return xdg("XDG_DATA_HOME", filepath.Join(".local", "share"))
	}
	dir, err := userConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AppName, "data"), nil
}

func xdg(env, fallback string) (string, error) {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, AppName), nil
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, fallback, AppName), nil
}

// ResolveConfigDir returns the configuration directory:
// flag > CELLAR_CONFIG_DIR > DefaultConfigDir.
func ResolveConfigDir(flag string) (string, error) {
	return resolve(flag, os.Getenv(EnvConfigDir), "", DefaultConfigDir)
}

// ResolveDataDir returns the data directory:
// flag > CELLAR_DATA_DIR > configured > DefaultDataDir.
func ResolveDataDir(flag, configured string) (string, error) {
	return resolve(flag, os.Getenv(EnvDataDir), configured, DefaultDataDir)
}

func resolve(flag, env, configured string, def func() (string, error)) (string, error) {
	for _, p := range []string{flag, env, configured} {
		if p != "" {
			return filepath.Abs(p)
		}
	}
	return def()
}

// ConfigFile returns the path of the config file in dir.
func ConfigFile(dir string) string {
	return filepath.Join(dir, ConfigFileName)
}
