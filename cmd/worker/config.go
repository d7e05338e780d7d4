package main

import (
	"os"

	coreconfig "github.com/mohammed-shakir/geocache-ingest/internal/core/config"
)

// loadConfig wraps core/config.FromEnv, the one place this process reads
// its own environment beyond what that package already covers.
func loadConfig() coreconfig.Config {
	return coreconfig.FromEnv()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return h
}
