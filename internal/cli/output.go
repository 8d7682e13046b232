package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // successful execution
	ExitFailure      = 1 // verification or validation failure
	ExitCommandError = 2 // command error (bad paths, unreadable database, etc.)
)

// ExitError represents an error with a specific exit code.
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
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose/diagnostic output; kept off Writer so JSON stays parseable
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// SuccessText outputs data as JSON, or the given text lines in text mode.
func (f *OutputFormatter) SuccessText(data any, lines ...string) error {
	if f.Format == "json" {
		return f.Success(data)
	}
	for _, l := range lines {
		fmt.Fprintln(f.Writer, l)
	}
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "error [%s]: %s\n", code, message)
	return nil
}

// VerboseLog writes a diagnostic line when verbose mode is on.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
