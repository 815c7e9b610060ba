package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/devrev/settingsd/internal/handler"
	"github.com/devrev/settingsd/internal/model"
	"github.com/spf13/cobra"
)

// settableFlags maps CLI flag names to their settings endpoint
var settableFlags = map[string]string{
	"simplified-filters": "/v1/settings/simplified-filters",
	"show-status-bar":    "/v1/settings/show-status-bar",
	"restart-protection": "/v1/settings/restart-protection",
}

// ChangeOptions holds flags shared by commands that change a setting.
type ChangeOptions struct {
	*RootOptions
	Wait bool
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get",
		Short:         "Show the current advanced settings",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			var snap model.SettingsSnapshot
			if _, err := newAPIClient(rootOpts).do(ctx, http.MethodGet, "/v1/settings", nil, &snap); err != nil {
				return WrapExitError(ExitCommandError, "failed to read settings", err)
			}
			return newFormatter(rootOpts, cmd).Snapshot(&snap)
		},
	}
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChangeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "set <flag> <on|off>",
		Short: "Set a flag",
		Long: `Set a flag to on or off.

Flags: simplified-filters, show-status-bar, restart-protection.
Changing simplified-filters rebuilds the content blockers; use --wait to
block until the rebuild settles.

Example:
  settingsctl set simplified-filters on --wait`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, ok := settableFlags[args[0]]
			if !ok {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown flag %q", args[0]))
			}
			enabled, err := parseSwitch(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid value", err)
			}
			body := handler.SetFlagRequest{Enabled: &enabled}
			return runChange(cmd, opts, http.MethodPut, path, body)
		},
	}

	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "wait until the change settles")
	return cmd
}

// NewToggleCommand creates the toggle command.
func NewToggleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChangeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "toggle <row>",
		Short:         "Flip the value behind a settings row",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			row, ok := model.ParseRow(args[0])
			if !ok {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown row %q", args[0]))
			}
			path := "/v1/settings/rows/" + url.PathEscape(string(row)) + "/toggle"
			return runChange(cmd, opts, http.MethodPost, path, nil)
		},
	}

	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "wait until the change settles")
	return cmd
}

// NewRemoveVPNCommand creates the remove-vpn command.
func NewRemoveVPNCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remove-vpn",
		Short:         "Remove the system VPN profile",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
			defer cancel()

			if _, err := newAPIClient(rootOpts).do(ctx, http.MethodDelete, "/v1/vpn/profile", nil, nil); err != nil {
				return WrapExitError(ExitFailure, "failed to remove VPN profile", err)
			}
			return newFormatter(rootOpts, cmd).Message("VPN profile removed")
		},
	}
}

func runChange(cmd *cobra.Command, opts *ChangeOptions, method, path string, body interface{}) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	if opts.Wait {
		path += "?wait=" + strconv.FormatBool(true)
	}

	var resp handler.ChangeResponse
	if _, err := newAPIClient(opts.RootOptions).do(ctx, method, path, body, &resp); err != nil {
		return WrapExitError(ExitCommandError, "change request failed", err)
	}

	if err := newFormatter(opts.RootOptions, cmd).Change(&resp); err != nil {
		return err
	}
	if resp.Status == handler.StatusFailed {
		return NewExitError(ExitFailure, fmt.Sprintf("change %s", resp.Outcome))
	}
	return nil
}

func parseSwitch(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%q is not on or off", s)
	}
	return v, nil
}
