package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

const defaultManagerAddr = "localhost:50051"

// targetsFile persists the manager endpoint configured for the client.
type targetsFile struct {
	ManagerAddr string `toml:"manager_addr"`
}

// resolveTarget picks the manager address: explicit flag first, then the
// targets file, then the default.
func resolveTarget(configPath, override string) (string, error) {
	if addr := strings.TrimSpace(override); addr != "" {
		return addr, nil
	}
	if configPath == "" {
		return defaultManagerAddr, nil
	}

	var raw targetsFile
	meta, err := toml.DecodeFile(configPath, &raw)
	if err != nil {
		return "", fmt.Errorf("load client config: %w", err)
	}
	if meta.IsDefined("manager_addr") {
		if addr := strings.TrimSpace(raw.ManagerAddr); addr != "" {
			return addr, nil
		}
	}
	return defaultManagerAddr, nil
}
