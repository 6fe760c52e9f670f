package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - POLLCAT_CONFIG_PATH: config file location (default: ~/.config/pollcat.toml)
//   - POLLCAT_HOME: base directory for pollcat state (default: ~/.local/share/pollcat)
func GetDefaults() (map[string]string, error) {
	configPath, err := fromEnvOrHome("POLLCAT_CONFIG_PATH", ".config", "pollcat.toml")
	if err != nil {
		return nil, err
	}

	baseDir, err := fromEnvOrHome("POLLCAT_HOME", ".local", "share", "pollcat")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// fromEnvOrHome returns the value of env if set, otherwise the given path under the home directory.
func fromEnvOrHome(env string, elem ...string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{homeDir}, elem...)...), nil
}
