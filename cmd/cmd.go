// Package cmd holds the subcommands of shadowserver-mail.
package cmd

import (
	"log/slog"

	"github.com/dhcgn/shadowserver-mail/config"
)

// LoggerFactory builds the logger for a command from its configuration. The
// returned cleanup func releases log files.
type LoggerFactory func(cfg config.Config) (*slog.Logger, func() error, error)
