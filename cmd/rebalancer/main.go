package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chainsafe/treasury-rebalancer/pkg/app/rebalancer"
	"github.com/chainsafe/treasury-rebalancer/pkg/config"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to configuration file")
	amount     = flag.String("amount", "", "Amount of the source asset to rebalance; empty resumes the persisted run")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := rebalancer.NewServer(cfg, *amount).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Rebalancer exited with error: %v\n", err)
		os.Exit(1)
	}
}
