package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HomeEnvVar overrides the taskpilot home directory.
const HomeEnvVar = "TASKPILOT_HOME"

// GetTaskpilotHome returns the taskpilot home directory
// Priority order:
//  1. TASKPILOT_HOME environment variable (if set)
//  2. Nearest ancestor directory containing a .taskpilot directory
//  3. Current working directory (fallback)
//
// The directory is created if it doesn't exist
func GetTaskpilotHome() (string, error) {
	if home := os.Getenv(HomeEnvVar); home != "" {
		return home, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	if root, ok := findProjectRoot(cwd); ok {
		return filepath.Join(root, ".taskpilot"), nil
	}

	home := filepath.Join(cwd, ".taskpilot")
	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("create taskpilot home directory: %w", err)
	}
	return home, nil
}

// findProjectRoot walks up from start looking for an existing .taskpilot directory
func findProjectRoot(start string) (string, bool) {
	current := start
	for {
		info, err := os.Stat(filepath.Join(current, ".taskpilot"))
		if err == nil && info.IsDir() {
			return current, true
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}
		current = parent
	}
}

// ResolvePath anchors a relative configured path to the taskpilot home.
// Paths starting with ".taskpilot/" live inside home; other relative paths
// are resolved against home's parent. Absolute paths are returned unchanged.
func ResolvePath(home, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	rel := strings.TrimPrefix(path, "./")
	if inner, ok := strings.CutPrefix(rel, ".taskpilot/"); ok {
		return filepath.Join(home, inner)
	}
	return filepath.Join(filepath.Dir(home), rel)
}

// GetLearningDBPath returns the absolute learning database path for cfg,
// creating its parent directory.
func GetLearningDBPath(cfg *Config) (string, error) {
	home, err := GetTaskpilotHome()
	if err != nil {
		return "", err
	}
	dbPath := ResolvePath(home, cfg.Learning.DBPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return "", fmt.Errorf("create learning directory: %w", err)
	}
	return dbPath, nil
}
