// Package errs defines the error taxonomy shared by the composition engine.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an engine failure.
type Code string

const (
	CodeToolchainUnavailable Code = "TOOLCHAIN_UNAVAILABLE"
	CodeSourceUnresolved     Code = "SOURCE_UNRESOLVED"
	CodeCorruptSource        Code = "CORRUPT_SOURCE"
	CodeOperationTimeout     Code = "OPERATION_TIMEOUT"
	CodeCancelled            Code = "CANCELLED"
	CodeInvalidRequest       Code = "INVALID_REQUEST"
	CodeCompositionFailed    Code = "COMPOSITION_FAILED"
)

// Error is a classified engine error.
type Error struct {
	Code    Code
	Message string
	Details string
	// Hint is a remediation suggestion suitable for showing to the user.
	Hint string
	// Path is the undecodable file of a CORRUPT_SOURCE error.
	Path string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Details != "" {
		b.WriteString(" (")
		b.WriteString(e.Details)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets the message-less sentinels below match any error of the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t == e || (t.Message == "" && t.Code == e.Code)
}

// Sentinels for errors.Is comparisons.
var (
	ErrToolchainUnavailable = &Error{Code: CodeToolchainUnavailable}
	ErrSourceUnresolved     = &Error{Code: CodeSourceUnresolved}
	ErrCorruptSource        = &Error{Code: CodeCorruptSource}
	ErrOperationTimeout     = &Error{Code: CodeOperationTimeout}
	ErrCancelled            = &Error{Code: CodeCancelled}
	ErrInvalidRequest       = &Error{Code: CodeInvalidRequest}
	ErrCompositionFailed    = &Error{Code: CodeCompositionFailed}
)

func ToolchainUnavailable(tool string, err error) *Error {
	return &Error{
		Code:    CodeToolchainUnavailable,
		Message: fmt.Sprintf("required tool %q could not be located", tool),
		Hint:    "install ffmpeg/ffprobe or set toolchain paths in the config",
		Err:     err,
	}
}

// SourceUnresolved lists every strategy that was attempted and every location searched.
func SourceUnresolved(layerID string, attempts []string, locations []string) *Error {
	return &Error{
		Code:    CodeSourceUnresolved,
		Message: fmt.Sprintf("no source file found for layer %q", layerID),
		Details: fmt.Sprintf("tried: %s; searched: %s", strings.Join(attempts, ", "), strings.Join(locations, ", ")),
		Hint:    "make sure the animation was synced to this machine before exporting",
	}
}

func CorruptSource(path string, err error) *Error {
	return &Error{
		Code:    CodeCorruptSource,
		Message: fmt.Sprintf("source %s could not be decoded", path),
		Hint:    "check that the source file is a complete animation and sync it again",
		Path:    path,
		Err:     err,
	}
}

// CacheEvicted marks a CORRUPT_SOURCE error whose cached intermediate has been
// deleted. Other errors are returned unchanged.
func CacheEvicted(err error) error {
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeCorruptSource {
		return err
	}
	evicted := *e
	evicted.Hint = "the cached copy was removed, retry the export to re-fetch the source"
	return &evicted
}

// CorruptPath returns the undecodable file named by a CORRUPT_SOURCE error, or "".
func CorruptPath(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeCorruptSource {
		return e.Path
	}
	return ""
}

func OperationTimeout(op string, err error) *Error {
	return &Error{
		Code:    CodeOperationTimeout,
		Message: fmt.Sprintf("%s exceeded its time budget", op),
		Err:     err,
	}
}

func Cancelled(err error) *Error {
	return &Error{Code: CodeCancelled, Message: "composition cancelled", Err: err}
}

func InvalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func CompositionFailed(stage string, err error) *Error {
	return &Error{Code: CodeCompositionFailed, Message: stage + " failed", Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCancelled reports whether err represents a cancelled request.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// HintOf returns the remediation hint attached to err, if any.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}
