// Package errdefs defines the error taxonomy shared by the staging, launch,
// cleanup and database components. Every error carries a Kind (the broad
// category callers branch on) and a Code (the precise failure).
package errdefs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind is the broad category of a failure.
type Kind string

const (
	KindConfig         Kind = "ConfigError"
	KindStaging        Kind = "StagingError"
	KindLaunch         Kind = "LaunchError"
	KindCleanup        Kind = "CleanupError"
	KindCreationFailed Kind = "CreationFailed"
	KindDeletionFailed Kind = "DeletionFailed"
)

// Code identifies a specific failure within a Kind.
type Code string

const (
	// Configuration document errors
	CodeInvalidDocument         Code = "INVALID_DOCUMENT"
	CodeMissingConfiguration    Code = "MISSING_CONFIGURATION"
	CodeMissingAppSettings      Code = "MISSING_APP_SETTINGS"
	CodeMissingSites            Code = "MISSING_SITES"
	CodeMissingSite             Code = "MISSING_SITE"
	CodeMissingBindings         Code = "MISSING_BINDINGS"
	CodeMissingApplication      Code = "MISSING_APPLICATION"
	CodeMissingVirtualDirectory Code = "MISSING_VIRTUAL_DIRECTORY"

	// Staging errors
	CodeMissingConfig     Code = "MISSING_CONFIG"
	CodeMissingSource     Code = "MISSING_SOURCE"
	CodeMissingParent     Code = "MISSING_PARENT"
	CodeDirectoryNotEmpty Code = "DIRECTORY_NOT_EMPTY"
	CodeUnsafePath        Code = "UNSAFE_PATH"
	CodeCopyFailed        Code = "COPY_FAILED"
	CodeLinkFailed        Code = "LINK_FAILED"
	CodeHookFailed        Code = "HOOK_FAILED"

	// Launch errors
	CodeExecutableNotFound Code = "EXECUTABLE_NOT_FOUND"
	CodeSpawnFailed        Code = "SPAWN_FAILED"

	// Cleanup errors
	CodeNotManaged     Code = "NOT_MANAGED"
	CodeInvalidTicket  Code = "INVALID_TICKET"
	CodeUnknownCommand Code = "UNKNOWN_COMMAND"
	CodeTeardownFailed Code = "TEARDOWN_FAILED"

	// Database errors
	CodeDatabaseExists Code = "DATABASE_EXISTS"
	CodeInvalidName    Code = "INVALID_NAME"
	CodeCreateFailed   Code = "CREATE_FAILED"
	CodeFileMissing    Code = "FILE_MISSING"
	CodeDeleteFailed   Code = "DELETE_FAILED"
)

var codeKinds = map[Code]Kind{
	CodeInvalidDocument:         KindConfig,
	CodeMissingConfiguration:    KindConfig,
	CodeMissingAppSettings:      KindConfig,
	CodeMissingSites:            KindConfig,
	CodeMissingSite:             KindConfig,
	CodeMissingBindings:         KindConfig,
	CodeMissingApplication:      KindConfig,
	CodeMissingVirtualDirectory: KindConfig,

	CodeMissingConfig:     KindStaging,
	CodeMissingSource:     KindStaging,
	CodeMissingParent:     KindStaging,
	CodeDirectoryNotEmpty: KindStaging,
	CodeUnsafePath:        KindStaging,
	CodeCopyFailed:        KindStaging,
	CodeLinkFailed:        KindStaging,
	CodeHookFailed:        KindStaging,

	CodeExecutableNotFound: KindLaunch,
	CodeSpawnFailed:        KindLaunch,

	CodeNotManaged:     KindCleanup,
	CodeInvalidTicket:  KindCleanup,
	CodeUnknownCommand: KindCleanup,
	CodeTeardownFailed: KindCleanup,

	CodeDatabaseExists: KindCreationFailed,
	CodeInvalidName:    KindCreationFailed,
	CodeCreateFailed:   KindCreationFailed,
	CodeFileMissing:    KindCreationFailed,
	CodeDeleteFailed:   KindDeletionFailed,
}

// Kind returns the category a code belongs to.
func (c Code) Kind() Kind {
	return codeKinds[c]
}

// Error is a categorized failure with optional context and cause.
type Error struct {
	Code    Code
	Message string
	Context map[string]any
	Cause   error
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Kind returns the category of the error.
func (e *Error) Kind() Kind {
	return e.Code.Kind()
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", e.Kind(), e.Code, e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}

	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code. A target with
// an empty code matches nothing.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Code == "" {
		return false
	}
	return t.Code == e.Code
}

// WithContext attaches a key/value pair to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithCause sets the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err's chain contains an *Error with the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	code := CodeOf(err)
	return code != "" && code.Kind() == kind
}

// IsNotManaged reports whether err refused to delete an unmanaged directory.
func IsNotManaged(err error) bool {
	return HasCode(err, CodeNotManaged)
}
