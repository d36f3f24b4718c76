//go:build !windows

package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	home, _ := os.UserHomeDir()
	return []string{
		filepath.Join(home, ".a1agent", "config.yaml"),
		"/etc/a1agent/agent.yaml",
	}
}

func defaultBufferDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "a1agent", "buffer")
	}
	return filepath.Join(os.TempDir(), "a1agent-buffer")
}
