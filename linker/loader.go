package linker

import (
	"context"
)

// MediaKind describes the media type of a fetched module source.
type MediaKind uint8

const (
	MediaJavaScript MediaKind = iota
	MediaJSON
)

// ResolutionKind tells the loader why a specifier is being resolved.
type ResolutionKind int

const (
	// ResolveStatic resolves a static import request.
	ResolveStatic ResolutionKind = iota
	// ResolveDynamic resolves an import() call made at runtime.
	ResolveDynamic
	// ResolveMain resolves the entry-point specifier itself.
	ResolveMain
)

// Source is a fetched module source. Specifier, when non-empty and different
// from the requested specifier, is the canonical specifier the request
// redirects to (e.g. after following an HTTP redirect).
type Source struct {
	Code      string
	Media     MediaKind
	Specifier string
}

// ModuleLoader is the external collaborator that resolves specifiers and
// fetches module sources. It is invoked once per unique specifier
// encountered during graph traversal. Implementations must be safe for
// concurrent Load calls: the map fetches independent subtrees in parallel.
type ModuleLoader interface {
	// Resolve canonicalizes specifier relative to referrer.
	Resolve(specifier, referrer string, kind ResolutionKind) (string, error)

	// Load fetches the source for a previously resolved specifier.
	// isDynamic is true when the fetch was triggered by import().
	Load(ctx context.Context, specifier, referrer string, isDynamic bool) (Source, error)
}
