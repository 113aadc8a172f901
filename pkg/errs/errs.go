// Package errs defines the structured error-kind taxonomy shared by every
// Forge operation, and the {success, errors, warnings, state} result
// envelope the activation entrypoints (Activate, Deactivate) return; other
// operations return an *Error as a plain error. Modeled after the discipline in
// the teacher's api.ProblemDetail: never leak a bare error across a
// subsystem boundary.
package errs

import "fmt"

// Kind enumerates the error kinds a Forge operation can surface.
type Kind string

const (
	Validation            Kind = "VALIDATION"
	DependencyUnresolved   Kind = "DEPENDENCY_UNRESOLVED"
	DependencyConflict     Kind = "DEPENDENCY_CONFLICT"
	ModuleConflict         Kind = "MODULE_CONFLICT"
	ResourceLimit          Kind = "RESOURCE_LIMIT"
	AccessDenied           Kind = "ACCESS_DENIED"
	NamespaceNotFound      Kind = "NAMESPACE_NOT_FOUND"
	NamespacePathConflict  Kind = "NAMESPACE_PATH_CONFLICT"
	NamespaceLocked        Kind = "NAMESPACE_LOCKED"
	MigrationFailed        Kind = "MIGRATION_FAILED"
	HealthCheckFailed      Kind = "HEALTH_CHECK_FAILED"
	ActivationTimeout      Kind = "ACTIVATION_TIMEOUT"
	ActivationInProgress   Kind = "ACTIVATION_IN_PROGRESS"
	RollbackFailed         Kind = "ROLLBACK_FAILED"
	Critical               Kind = "CRITICAL"
	StorageNotFound        Kind = "STORAGE_NOT_FOUND"
)

// recoverable marks error kinds that are surfaced to the caller without any
// state mutation, per §7's propagation policy.
var recoverable = map[Kind]bool{
	Validation:           true,
	DependencyUnresolved: true,
	ResourceLimit:        true,
	AccessDenied:         true,
}

// Recoverable reports whether an error of this kind implies no state was
// mutated and no rollback is necessary.
func Recoverable(k Kind) bool {
	return recoverable[k]
}

// Error is the structured error type every Forge package returns instead of
// a bare errors.New. It carries a Kind for programmatic dispatch plus a
// human message and optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.New(kind, "")) style matching on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, or
// returns Critical for an unclassified error.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return Critical
	}
	return e.Kind
}

// Result is the structured envelope returned by Activate and Deactivate
// (activation.Engine and their pkg/forge wrappers).
// Partial success is only legal for import and bulk reads, and must be
// explicit via State.
type Result[T any] struct {
	Success  bool     `json:"success"`
	Errors   []*Error `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	State    T        `json:"state"`
}

// Ok builds a successful result.
func Ok[T any](state T) Result[T] {
	return Result[T]{Success: true, State: state}
}

// Fail builds a failed result carrying one or more structured errors.
func Fail[T any](state T, errors ...*Error) Result[T] {
	return Result[T]{Success: false, Errors: errors, State: state}
}

// WithWarning appends a warning and returns the result for chaining.
func (r Result[T]) WithWarning(w string) Result[T] {
	r.Warnings = append(r.Warnings, w)
	return r
}
