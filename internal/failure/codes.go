package failure

import (
	"regexp"
	"slices"
	"strings"
)

var fixedCodes = []string{
	CodeSpecInvalid, CodeDuplicateStep, CodeUnknownComponent, CodeUnsupportedMode,
	CodeUnknownStepRef, CodeUnknownOutput, CodeCycle, CodeInvalidConfig,
	CodeInvalidProfile, CodeUnknownAlias, CodeMissingPlaceholder,
	CodeUnresolvedVariable, CodeIntegrityMismatch, CodeLocalTimeout,
	CodeRemoteTimeout, CodeRemoteTransport, CodeRemoteUnknown, CodeRunCancelled,
	CodeRetentionDeleteError,
}

// driverCode matches <phase>.<reason> codes produced by Driver.
var driverCode = regexp.MustCompile(`^(extract|write|transform)\.[a-z][a-z0-9_]*$`)

// KnownCode reports whether code belongs to the taxonomy. The remote adapter
// uses this to decide whether a worker-reported code may be surfaced as is.
func KnownCode(code string) bool {
	return slices.Contains(fixedCodes, code) || driverCode.MatchString(code)
}

// KindForCode returns the kind implied by a runtime code reported by a
// step. Anything not listed is a driver failure.
func KindForCode(code string) Kind {
	switch code {
	case CodeLocalTimeout:
		return KindLocalTimeout
	case CodeRemoteTimeout:
		return KindRemoteTimeout
	case CodeRemoteTransport, CodeRemoteUnknown:
		return KindRemoteTransport
	case CodeRunCancelled:
		return KindCancelled
	case CodeIntegrityMismatch:
		return KindCompileIntegrity
	case CodeRetentionDeleteError:
		return KindRetention
	}
	switch {
	case strings.HasPrefix(code, "connection."):
		return KindConnection
	case strings.HasPrefix(code, "spec."):
		return KindSpec
	}
	return KindDriver
}
