package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseCreate   Phase = "create"   // host construction
	PhaseResolve  Phase = "resolve"  // specifier resolution
	PhaseFetch    Phase = "fetch"    // module source fetching
	PhaseLink     Phase = "link"     // module instantiation
	PhaseEvaluate Phase = "evaluate" // module evaluation
	PhaseScript   Phase = "script"   // synchronous script execution
	PhaseDispatch Phase = "dispatch" // native op dispatch
	PhaseLoop     Phase = "loop"     // event loop driving
	PhaseSnapshot Phase = "snapshot" // snapshot serialization
)

// Kind categorizes the error
type Kind string

const (
	KindScriptException Kind = "script_exception"
	KindModuleLoad      Kind = "module_load"
	KindLink            Kind = "link"
	KindTerminated      Kind = "terminated"
	KindStalled         Kind = "stalled_top_level_await"
	KindOpUnknown       Kind = "op_not_registered"
	KindRedirectCycle   Kind = "redirect_cycle"
	KindConsumed        Kind = "snapshot_consumed"
	KindInvalidInput    Kind = "invalid_input"
	KindNotFound        Kind = "not_found"
	KindNotInitialized  Kind = "not_initialized"
	KindContract        Kind = "contract_violation"
)

// Error is the structured error type used throughout the host
type Error struct {
	Value     any
	Cause     error
	Phase     Phase
	Kind      Kind
	Specifier string
	Stack     string
	Detail    string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Specifier != "" {
		b.WriteString(" at ")
		b.WriteString(e.Specifier)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	if e.Stack != "" {
		b.WriteByte('\n')
		b.WriteString(e.Stack)
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// Two *Error values match on (Phase, Kind) so sentinel comparisons like
// errors.Is(err, &Error{Phase: PhaseLoop, Kind: KindStalled}) work.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Specifier sets the module specifier the error refers to
func (b *Builder) Specifier(s string) *Builder {
	b.err.Specifier = s
	return b
}

// Stack sets the script stack trace
func (b *Builder) Stack(s string) *Builder {
	b.err.Stack = s
	return b
}

// Value sets the offending script value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// ScriptException creates an error for an uncaught script exception.
// message is the formatted exception message, stack the source-mapped frames.
func ScriptException(message, stack string) *Error {
	return &Error{
		Phase:  PhaseScript,
		Kind:   KindScriptException,
		Detail: message,
		Stack:  stack,
	}
}

// EvaluationException creates an error for an exception thrown during
// module evaluation. value carries the exported rejection reason.
func EvaluationException(specifier string, value any, message string) *Error {
	return &Error{
		Phase:     PhaseEvaluate,
		Kind:      KindScriptException,
		Specifier: specifier,
		Value:     value,
		Detail:    message,
	}
}

// Terminated creates an error for forced termination observed mid-call
func Terminated(reason string) *Error {
	return &Error{
		Phase:  PhaseScript,
		Kind:   KindTerminated,
		Detail: reason,
	}
}

// Stalled creates a stalled top-level await diagnostic
func Stalled(specifier string, dynamic bool) *Error {
	detail := "top-level await never resolved and no pending work remains"
	if dynamic {
		detail = "dynamically imported module's top-level await never resolved"
	}
	return &Error{
		Phase:     PhaseLoop,
		Kind:      KindStalled,
		Specifier: specifier,
		Detail:    detail,
	}
}

// LoadFailed creates a module load error
func LoadFailed(specifier string, cause error) *Error {
	return &Error{
		Phase:     PhaseFetch,
		Kind:      KindModuleLoad,
		Specifier: specifier,
		Detail:    "load module",
		Cause:     cause,
	}
}

// ResolveFailed creates a specifier resolution error
func ResolveFailed(specifier, referrer string, cause error) *Error {
	return &Error{
		Phase:     PhaseResolve,
		Kind:      KindModuleLoad,
		Specifier: specifier,
		Detail:    fmt.Sprintf("resolve from %q", referrer),
		Cause:     cause,
	}
}

// LinkFailed creates an instantiation/link error
func LinkFailed(specifier, detail string) *Error {
	return &Error{
		Phase:     PhaseLink,
		Kind:      KindLink,
		Specifier: specifier,
		Detail:    detail,
	}
}

// RedirectCycle creates an error for a redirect chain that loops
func RedirectCycle(specifier string) *Error {
	return &Error{
		Phase:     PhaseResolve,
		Kind:      KindRedirectCycle,
		Specifier: specifier,
		Detail:    "redirect chain contains a cycle",
	}
}

// OpNotRegistered creates an error for an unknown native operation name
func OpNotRegistered(name string) *Error {
	return &Error{
		Phase:  PhaseDispatch,
		Kind:   KindOpUnknown,
		Detail: fmt.Sprintf("op %q is not registered", name),
	}
}

// SnapshotConsumed creates an error for using a host after Snapshot()
func SnapshotConsumed() *Error {
	return &Error{
		Phase:  PhaseSnapshot,
		Kind:   KindConsumed,
		Detail: "host was consumed by Snapshot() and is no longer usable",
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// NotInitialized creates a not-initialized error
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Contract creates a programming-contract violation error. These indicate
// misuse of the host API, not script failures.
func Contract(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseLoop,
		Kind:   KindContract,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// IsTerminated reports whether err is a forced-termination error
func IsTerminated(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Kind == KindTerminated
	}
	return false
}

// IsStalled reports whether err is a stalled top-level await diagnostic
func IsStalled(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Kind == KindStalled
	}
	return false
}
