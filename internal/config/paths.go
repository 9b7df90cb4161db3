package config

import (
	"os"
	"path/filepath"
)

// DataPath returns the root directory for Dermaflow data (uploads, reports,
// profile, audit store). It uses $DERMAFLOW_PATH if set, otherwise ~/.dermaflow.
func DataPath() string {
	if v := os.Getenv("DERMAFLOW_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".dermaflow")
	}
	return filepath.Join(home, ".dermaflow")
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	return filepath.Join(DataPath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(DataPath(), ".env")
}

// UploadsPath returns the directory for uploaded lesion images.
func UploadsPath() string {
	return filepath.Join(DataPath(), "uploads")
}

// ProfilePath returns the path of the saved patient profile.
func ProfilePath() string {
	return filepath.Join(DataPath(), "patient_profile.json")
}
