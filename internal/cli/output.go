package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/devrev/settingsd/internal/handler"
	"github.com/devrev/settingsd/internal/model"
	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the change did not commit
	ExitCommandError = 2 // bad arguments or settingsd unreachable
)

// ExitError carries the exit code a command should end with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

type formatter struct {
	format string
	w      io.Writer
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *formatter {
	return &formatter{format: opts.Format, w: cmd.OutOrStdout()}
}

func (f *formatter) json(v interface{}) error {
	enc := json.NewEncoder(f.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Snapshot prints the settings screen
func (f *formatter) Snapshot(s *model.SettingsSnapshot) error {
	if f.format == "json" {
		return f.json(s)
	}

	fmt.Fprintf(f.w, "simplified_filters:  %s\n", onOff(s.SimplifiedFilters))
	fmt.Fprintf(f.w, "show_status_bar:     %s\n", onOff(s.ShowStatusBar))
	fmt.Fprintf(f.w, "restart_protection:  %s\n", onOff(s.RestartProtection))

	rows := make([]string, 0, len(s.VisibleRows))
	for row, visible := range s.VisibleRows {
		if visible {
			rows = append(rows, string(row))
		}
	}
	sort.Strings(rows)
	fmt.Fprintln(f.w, "visible rows:")
	for _, row := range rows {
		fmt.Fprintf(f.w, "  %s\n", row)
	}
	if s.TunnelModeDescription != "" {
		fmt.Fprintf(f.w, "tunnel mode: %s\n", s.TunnelModeDescription)
	}
	return nil
}

// Change prints the answer to a change request
func (f *formatter) Change(r *handler.ChangeResponse) error {
	if f.format == "json" {
		return f.json(r)
	}

	target := r.Key
	if r.Row != "" {
		target = string(r.Row)
	}
	switch {
	case r.Status == handler.StatusAccepted:
		fmt.Fprintf(f.w, "%s: change accepted\n", target)
	case r.Value != nil:
		fmt.Fprintf(f.w, "%s: %s (%s)\n", target, r.Outcome, onOff(*r.Value))
	default:
		fmt.Fprintf(f.w, "%s: %s\n", target, r.Outcome)
	}
	if r.Reason != "" {
		fmt.Fprintf(f.w, "  reason: %s\n", r.Reason)
	}
	return nil
}

// Message prints a one-line confirmation
func (f *formatter) Message(msg string) error {
	if f.format == "json" {
		return f.json(map[string]string{"status": handler.StatusOK, "message": msg})
	}
	_, err := fmt.Fprintln(f.w, msg)
	return err
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
