// Package errors provides structured error types for the js-runtime library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). The Error type includes rich context: the offending module
// specifier, a script stack trace, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseFetch, errors.KindModuleLoad).
//		Specifier("./missing.js").
//		Detail("loader returned no source").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.ScriptException("boom", stack)
//	err := errors.Terminated("heap limit reached")
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
