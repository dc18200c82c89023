package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/voidlake/machinectl/internal/logging"
	"github.com/voidlake/machinectl/internal/manager"
)

func main() {
	logging.ConfigureRuntime()

	var (
		address    = flag.String("address", "localhost", "address to listen on")
		port       = flag.Int("port", 50051, "port to listen on")
		adminAddr  = flag.String("admin", "", "admin HTTP listen address (disabled when empty)")
		configPath = flag.String("config", "", "path to manager TOML config")
		defective  = flag.Bool("defective", false,
			"inject silent errors into run fingerprints -- FOR TESTING PURPOSES ONLY")
	)
	flag.Parse()

	cfg, err := resolveServiceConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "managerctl: %v\n", err)
		os.Exit(1)
	}

	// Explicit flags override anything the config file set.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "address", "port":
			cfg.ListenAddr = net.JoinHostPort(*address, strconv.Itoa(*port))
		case "admin":
			cfg.AdminAddr = *adminAddr
		case "defective":
			cfg.Defective = *defective
		}
	})

	svc := manager.NewService(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "managerctl: %v\n", err)
		os.Exit(1)
	}
}

// resolveServiceConfig loads the TOML config when given, defaults otherwise.
func resolveServiceConfig(path string) (manager.ServiceConfig, error) {
	if path == "" {
		return manager.DefaultServiceConfig(), nil
	}
	return loadServiceConfig(path)
}
