package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ManagerConfig is the parsed manager runtime configuration.
type ManagerConfig struct {
	ListenAddr     string
	AdminAddr      string
	CorsOrigins    []string
	Defective      bool
	MachineTimeout time.Duration
	StopTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// fileConfig is the on-disk TOML shape; durations are strings in the
// time.ParseDuration format.
type fileConfig struct {
	ListenAddr     string   `toml:"listen_addr"`
	AdminAddr      string   `toml:"admin_addr"`
	CorsOrigins    []string `toml:"cors_origins"`
	Defective      bool     `toml:"defective"`
	MachineTimeout string   `toml:"machine_timeout"`
	StopTimeout    string   `toml:"stop_timeout"`
	ReadTimeout    string   `toml:"read_timeout"`
	WriteTimeout   string   `toml:"write_timeout"`
}

// DefaultManagerConfig mirrors the manager service defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ListenAddr:     "localhost:50051",
		MachineTimeout: 5 * time.Second,
		StopTimeout:    2 * time.Second,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
	}
}

// LoadManagerConfig reads and validates one manager TOML file, filling in
// defaults for anything unset.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var raw fileConfig
	if err := loadToml(path, &raw); err != nil {
		return ManagerConfig{}, err
	}

	cfg := DefaultManagerConfig()
	if v := strings.TrimSpace(raw.ListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	cfg.CorsOrigins = raw.CorsOrigins
	cfg.Defective = raw.Defective

	for _, d := range []struct {
		name string
		raw  string
		out  *time.Duration
	}{
		{"machine_timeout", raw.MachineTimeout, &cfg.MachineTimeout},
		{"stop_timeout", raw.StopTimeout, &cfg.StopTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return ManagerConfig{}, fmt.Errorf("config parse %s: %w", d.name, err)
		}
		*d.out = v
	}

	if err := ValidateManagerConfig(cfg); err != nil {
		return ManagerConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateManagerConfig(cfg ManagerConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("manager config missing listen_addr")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"machine_timeout", cfg.MachineTimeout},
		{"stop_timeout", cfg.StopTimeout},
		{"read_timeout", cfg.ReadTimeout},
		{"write_timeout", cfg.WriteTimeout},
	} {
		if d.value <= 0 {
			return fmt.Errorf("manager config %s must be positive", d.name)
		}
	}
	return nil
}
