package main

import (
	"github.com/voidlake/machinectl/internal/config"
	"github.com/voidlake/machinectl/internal/manager"
)

// loadServiceConfig maps the parsed manager file config onto runtime
// service settings.
func loadServiceConfig(path string) (manager.ServiceConfig, error) {
	fileCfg, err := config.LoadManagerConfig(path)
	if err != nil {
		return manager.ServiceConfig{}, err
	}
	return manager.ServiceConfig{
		ListenAddr:     fileCfg.ListenAddr,
		AdminAddr:      fileCfg.AdminAddr,
		CorsOrigins:    fileCfg.CorsOrigins,
		Defective:      fileCfg.Defective,
		MachineTimeout: fileCfg.MachineTimeout,
		StopTimeout:    fileCfg.StopTimeout,
		ReadTimeout:    fileCfg.ReadTimeout,
		WriteTimeout:   fileCfg.WriteTimeout,
	}, nil
}
