package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// SystemConfigDir is where a root-run daemon looks for its configuration.
const SystemConfigDir = "/etc/hwrng"

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - Linux (root):  /etc/hwrng/
//   - Linux (user):  $XDG_CONFIG_HOME/hwrng/ or ~/.config/hwrng/
//   - macOS:         ~/Library/Application Support/hwrng/
//   - Windows:       %APPDATA%\hwrng\
//
// HWRNG_CONFIG_DIR overrides all of them.
func PlatformConfigDir() string {
	if dir := os.Getenv("HWRNG_CONFIG_DIR"); dir != "" {
		return dir
	}

	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd", "netbsd":
		if os.Geteuid() == 0 {
			return SystemConfigDir
		}
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "hwrng")
		}
		return filepath.Join(homeDir(), ".config", "hwrng")
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "hwrng")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "hwrng")
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", "hwrng")
	default:
		return filepath.Join(homeDir(), ".hwrng")
	}
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches the current directory and then the platform
// config directory. It returns "" when nothing is found.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
