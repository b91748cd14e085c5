package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/receiverlink/
//   - Linux:   $XDG_DATA_HOME/receiverlink/ or ~/.local/share/receiverlink/
//   - Windows: %APPDATA%\receiverlink\
//
// Falls back to ~/.receiverlink if platform detection fails.
func PlatformDataDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "receiverlink")
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "receiverlink")
		}
		return filepath.Join(home, ".local", "share", "receiverlink")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "receiverlink")
		}
	}
	return filepath.Join(home, ".receiverlink")
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "receiverlink")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "receiverlink")
	default:
		// macOS and Windows keep config beside data
		return PlatformDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "receiverlink")
	case "linux":
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			return filepath.Join(xdg, "receiverlink")
		}
		return filepath.Join(home, ".local", "state", "receiverlink")
	default:
		return filepath.Join(PlatformDataDir(), "logs")
	}
}

// SupportedConfigFormats returns the config file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{"toml", "yaml", "yml", "json"}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir(), DataDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
