// Package cli provides the command-line interface for testrt.
// This file re-exports config types from internal/config for public API,
// the same re-export shape the teacher's cli/config.go used.
package cli

import (
	"github.com/zot/testrt/internal/config"
)

// Re-export config types for public API.
type (
	Config        = config.Config
	LoggingConfig = config.LoggingConfig
)

// Re-export config functions for public API.
var (
	DefaultConfig = config.DefaultConfig
)
