// Package linker owns the module map: the table from module specifier to
// module state that drives recursive dependency loads, instantiation, and
// dynamic imports.
//
// Byte fetching is delegated to a ModuleLoader collaborator; the map only
// does bookkeeping. Module sources are ES modules; the map transforms each
// source into a compilable wrapper (see scan.go) whose evaluation yields the
// module's internal promise, so top-level await falls out of async function
// semantics.
//
// A module's status only moves forward: Fetching -> Resolved -> Instantiated
// -> Evaluating -> Evaluated, or to a terminal error state; it never
// reverts. Redirect entries alias one specifier to another and are resolved
// transitively with cycle detection at lookup time.
package linker
