package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ResolveDataDir returns the application data directory, creating it
// if needed. PAGEPULSE_DATA_DIR wins; otherwise the platform default.
func (c Config) ResolveDataDir() (string, error) {
	directory := c.DataDir
	if directory == "" {
		homeDirectory, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		switch runtime.GOOS {
		case "darwin":
			directory = filepath.Join(homeDirectory, "Library", "Application Support", "PagePulse")
		case "windows":
			directory = filepath.Join(homeDirectory, "AppData", "Roaming", "PagePulse")
		default: // linux and others
			directory = filepath.Join(homeDirectory, ".local", "share", "PagePulse")
		}
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return directory, nil
}
