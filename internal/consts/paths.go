package consts

import (
	"os"
	"path/filepath"
)

const (
	GroupcastDirName = ".groupcast"
	ConfigFileName   = "config.yaml"
	DataDirName      = "data"
	KeyFileName      = "groupcast.key"
)

func GroupcastHomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, GroupcastDirName)
}

func DefaultConfigPath() string {
	return filepath.Join(GroupcastHomeDir(), ConfigFileName)
}

func DefaultDataDir() string {
	return filepath.Join(GroupcastHomeDir(), DataDirName)
}

func DefaultKeyPath() string {
	return filepath.Join(GroupcastHomeDir(), KeyFileName)
}
