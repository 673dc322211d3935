// Package failure defines the error taxonomy shared by the compiler, both
// execution adapters and the run index.
//
// Every fatal error surfaces a stable Code plus a human-readable message with
// step id and path context. Remote and local execution report the same codes;
// Source tells them apart.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the error category.
type Kind string

const (
	KindSpec             Kind = "spec"
	KindConnection       Kind = "connection"
	KindCompileIntegrity Kind = "compile_integrity"
	KindDriver           Kind = "driver"
	KindRemoteTransport  Kind = "remote_transport"
	KindRemoteTimeout    Kind = "remote_timeout"
	KindLocalTimeout     Kind = "local_timeout"
	KindCancelled        Kind = "cancelled"
	KindRetention        Kind = "retention"
)

// Source tags where a runtime error originated.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Stable error codes.
const (
	CodeSpecInvalid          = "spec.invalid"
	CodeDuplicateStep        = "spec.duplicate_step"
	CodeUnknownComponent     = "spec.unknown_component"
	CodeUnsupportedMode      = "spec.unsupported_mode"
	CodeUnknownStepRef       = "spec.unknown_step_ref"
	CodeUnknownOutput        = "spec.unknown_output"
	CodeCycle                = "spec.cycle"
	CodeInvalidConfig        = "spec.invalid_config"
	CodeInvalidProfile       = "spec.invalid_profile"
	CodeUnknownAlias         = "connection.unknown_alias"
	CodeMissingPlaceholder   = "connection.missing_secret_placeholder"
	CodeUnresolvedVariable   = "connection.unresolved_placeholder"
	CodeIntegrityMismatch    = "compile.integrity_mismatch"
	CodeExtractConnection    = "extract.connection_error"
	CodeWriteSchemaMismatch  = "write.schema_mismatch"
	CodeLocalTimeout         = "local.timeout"
	CodeRemoteTimeout        = "remote.timeout"
	CodeRemoteTransport      = "remote.transport_error"
	CodeRemoteUnknown        = "remote.unknown_error"
	CodeRunCancelled         = "run.cancelled"
	CodeRetentionDeleteError = "retention.delete_failed"
)

// Driver phases used to build <phase>.<reason> codes.
const (
	PhaseExtract   = "extract"
	PhaseWrite     = "write"
	PhaseTransform = "transform"
)

// Error is the structured error carried through every layer.
type Error struct {
	Kind    Kind
	Code    string
	Message string

	// StepID identifies the failing step, if any.
	StepID string

	// Path is the affected filesystem path, if any.
	Path string

	// Source is set for runtime errors.
	Source Source

	// Err is the wrapped cause. It is never serialized across the RPC channel.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)

	var ctx []string
	if e.StepID != "" {
		ctx = append(ctx, "step="+e.StepID)
	}
	if e.Path != "" {
		ctx = append(ctx, "path="+e.Path)
	}
	if e.Source != "" {
		ctx = append(ctx, "source="+string(e.Source))
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	if e.Err != nil && e.Err.Error() != e.Message {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around a cause.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// WithStep returns a copy annotated with a step id.
func (e *Error) WithStep(stepID string) *Error {
	c := *e
	c.StepID = stepID
	return &c
}

// WithPath returns a copy annotated with a path.
func (e *Error) WithPath(path string) *Error {
	c := *e
	c.Path = path
	return &c
}

// WithSource returns a copy annotated with a source.
func (e *Error) WithSource(src Source) *Error {
	c := *e
	c.Source = src
	return &c
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	fe, ok := As(err)
	return ok && fe.Kind == kind
}

// CodeOf returns the code of err, or "" if err is not an *Error.
func CodeOf(err error) string {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return ""
}

// IsSpecError reports whether err is a SpecError.
func IsSpecError(err error) bool { return IsKind(err, KindSpec) }

// IsConnectionError reports whether err is a ConnectionError.
func IsConnectionError(err error) bool { return IsKind(err, KindConnection) }

// IsIntegrityError reports whether err is a CompileIntegrityError.
func IsIntegrityError(err error) bool { return IsKind(err, KindCompileIntegrity) }

// Spec builds a SpecError.
func Spec(code, format string, args ...any) *Error {
	return Newf(KindSpec, code, format, args...)
}

// Connection builds a ConnectionError.
func Connection(code, format string, args ...any) *Error {
	return Newf(KindConnection, code, format, args...)
}

// Driver builds a DriverError for a step. phase is one of the Phase*
// constants; reason defaults to "driver_error".
func Driver(phase, reason, stepID string, err error) *Error {
	if reason == "" {
		reason = "driver_error"
	}
	msg := "driver failed"
	if err != nil {
		msg = err.Error()
	}
	return &Error{
		Kind:    KindDriver,
		Code:    phase + "." + reason,
		Message: msg,
		StepID:  stepID,
		Err:     err,
	}
}

// PhaseForMode maps a step mode to its driver phase.
func PhaseForMode(mode string) string {
	switch mode {
	case "read":
		return PhaseExtract
	case "write":
		return PhaseWrite
	}
	return PhaseTransform
}
