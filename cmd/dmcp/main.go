// Package main is the entry point for the dmcp CLI.
package main

import (
	"os"

	"github.com/deechat/dmcp/cmd/dmcp/app"
	"github.com/deechat/dmcp/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
