package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/keboola/osiris/internal/compiler"
	"github.com/keboola/osiris/internal/failure"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The run failed or was cancelled
	ExitCommandError = 2 // Command error (invalid spec, missing file, bad config, etc.)
)

// ErrCodeGeneric is reported for errors outside the failure taxonomy.
const ErrCodeGeneric = "error"

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
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
// Returns ExitFailure (1) if the error is not an ExitError.
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
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // stable failure code, e.g. "spec.cycle"
	Message string `json:"message"`           // human-readable message
	StepID  string `json:"step_id,omitempty"` // failing step, when known
	Path    string `json:"path,omitempty"`    // affected file, when known
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return f.writeJSON(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	return f.writeError(CLIError{Code: code, Message: message, Details: details})
}

// Failure outputs err with its failure code and step/path context.
func (f *OutputFormatter) Failure(err error) error {
	return f.writeError(describe(err))
}

func (f *OutputFormatter) writeError(e CLIError) error {
	if f.Format == "json" {
		return f.writeJSON(CLIResponse{Status: "error", Error: &e})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", e.Code, e.Message)
	if e.StepID != "" {
		fmt.Fprintf(f.Writer, "  step: %s\n", e.StepID)
	}
	if e.Path != "" {
		fmt.Fprintf(f.Writer, "  path: %s\n", e.Path)
	}
	if problems, ok := e.Details.([]compiler.ValidationError); ok {
		for _, p := range problems {
			fmt.Fprintf(f.Writer, "  - %s\n", p.Error())
		}
	} else if f.Verbose && e.Details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", e.Details)
	}
	return nil
}

func (f *OutputFormatter) writeJSON(r CLIResponse) error {
	return json.NewEncoder(f.Writer).Encode(r)
}

// describe maps any error onto a CLIError. Validation problems are listed
// individually in Details.
func describe(err error) CLIError {
	fe, ok := failure.As(err)
	if !ok {
		return CLIError{Code: ErrCodeGeneric, Message: err.Error()}
	}
	out := CLIError{Code: fe.Code, Message: fe.Message, StepID: fe.StepID, Path: fe.Path}
	var verrs compiler.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 1 {
		out.Message = fmt.Sprintf("%d problems, first: %s", len(verrs), verrs[0].Message)
		out.Details = []compiler.ValidationError(verrs)
	}
	return out
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
