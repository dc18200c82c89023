package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voidlake/machinectl/internal/logging"
	"github.com/voidlake/machinectl/internal/machine"
)

func main() {
	logging.ConfigureRuntime()

	var (
		sessionID   = flag.String("session", "", "session id this worker serves (required)")
		managerAddr = flag.String("manager", "localhost:50051", "manager control address to announce to")
		listenAddr  = flag.String("listen", "127.0.0.1:0", "machine control listen address")
		timeout     = flag.Duration("timeout", 5*time.Second, "announce timeout")
	)
	flag.Parse()

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "machinectl: --session is required")
		os.Exit(1)
	}

	worker := machine.NewWorker(*sessionID)
	addr, err := worker.Start(*listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "machinectl: %v\n", err)
		os.Exit(1)
	}
	if err := worker.Announce(*managerAddr, *timeout); err != nil {
		worker.Shutdown()
		fmt.Fprintf(os.Stderr, "machinectl: %v\n", err)
		os.Exit(1)
	}
	log.Info().Str("session_id", *sessionID).Str("addr", addr).Msg("machine worker running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-worker.Done():
	case <-sigCh:
		worker.Shutdown()
	}
}
