// Package main is the entry point for the openneuro-studies CLI.
package main

import (
	"os"

	"github.com/openneuro-studies/openneuro-studies/cmd/openneuro-studies/app"
	"github.com/openneuro-studies/openneuro-studies/pkg/logger"
)

func main() {
	defer logger.Sync()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
