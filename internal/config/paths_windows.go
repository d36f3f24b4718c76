//go:build windows

package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	local := os.Getenv("LOCALAPPDATA")
	programData := os.Getenv("ProgramData")
	return []string{
		filepath.Join(local, "A1Agent", "config.yaml"),
		filepath.Join(programData, "A1Agent", "agent.yaml"),
	}
}

func defaultBufferDir() string {
	if programData := os.Getenv("ProgramData"); programData != "" {
		return filepath.Join(programData, "A1Agent", "buffer")
	}
	return filepath.Join(os.TempDir(), "A1Agent", "buffer")
}
