// Package cli implements settingsctl, the command line client for settingsd.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	Format  string // "json" | "text"
	Timeout time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// DefaultServer is used when neither --server nor SETTINGSCTL_SERVER is set
const DefaultServer = "http://localhost:8080"

// NewRootCommand creates the root command for settingsctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	server := os.Getenv("SETTINGSCTL_SERVER")
	if server == "" {
		server = DefaultServer
	}

	cmd := &cobra.Command{
		Use:           "settingsctl",
		Short:         "Inspect and change settingsd advanced settings",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", server, "settingsd base URL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewSetCommand(opts))
	cmd.AddCommand(NewToggleCommand(opts))
	cmd.AddCommand(NewRemoveVPNCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
