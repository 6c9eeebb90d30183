// Package paths resolves the XDG base directories used by cvm-tools.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appName = "cvm-tools"

// baseDir prefers $envVar/cvm-tools, then ~/<homeRel>/cvm-tools, then
// $XDG_RUNTIME_DIR/cvm-tools.
func baseDir(kind, envVar string, homeRel ...string) (string, error) {
	if dir := strings.TrimSpace(os.Getenv(envVar)); dir != "" {
		return filepath.Join(dir, appName), nil
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(append(append([]string{home}, homeRel...), appName)...), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	if err != nil {
		return "", err
	}
	return "", fmt.Errorf("unable to resolve %s directory from %s, runtime dir or home", kind, envVar)
}

func StateBaseDir() (string, error) {
	return baseDir("state", "XDG_STATE_HOME", ".local", "state")
}

func CacheBaseDir() (string, error) {
	return baseDir("cache", "XDG_CACHE_HOME", ".cache")
}

// ConfigDir has no runtime-dir fallback: configuration must survive reboots.
func ConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); dir != "" {
		return filepath.Join(dir, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName), nil
}

func ImageMetadataDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "images", "metadata.db"), nil
}

// VMRunDir holds one scratch directory per VM launch.
func VMRunDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "vms"), nil
}

func SeedDir() (string, error) {
	base, err := CacheBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "seed"), nil
}
