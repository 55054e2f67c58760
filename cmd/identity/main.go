// Package main is the entrypoint for the identity service. It issues and
// verifies phone OTPs and email login links, and mints session tokens.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aelexs/identity-service/internal/config"
	"github.com/aelexs/identity-service/internal/server"
)

var version = "dev"

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "identity",
		Version:        version,
		PortFromConfig: func(cfg *config.Config) int { return cfg.HTTP.Port },
		Setup:          setup,
	}, nil)
}
