// Package loader ships the two stock ModuleLoader implementations: one
// backed by the filesystem and one backed by an in-memory table.
package loader

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wippyai/js-runtime/errors"
	"github.com/wippyai/js-runtime/linker"
)

// FsLoader resolves specifiers as slash-separated paths and reads sources
// from disk under Root. Files ending in .json load as JSON modules.
type FsLoader struct {
	// Root is the directory specifiers are anchored to. Empty means the
	// process working directory.
	Root string
}

func (l *FsLoader) Resolve(specifier, referrer string, kind linker.ResolutionKind) (string, error) {
	switch {
	case strings.HasPrefix(specifier, "/"):
		return path.Clean(specifier), nil
	case strings.HasPrefix(specifier, "./"), strings.HasPrefix(specifier, ".."):
		if referrer == "" {
			return "", errors.InvalidInput(errors.PhaseResolve,
				"relative specifier "+specifier+" has no referrer")
		}
		return path.Join(path.Dir(referrer), specifier), nil
	default:
		return "", errors.InvalidInput(errors.PhaseResolve,
			"bare specifier "+specifier+" is not supported by the filesystem loader")
	}
}

func (l *FsLoader) Load(ctx context.Context, specifier, referrer string, isDynamic bool) (linker.Source, error) {
	rel := strings.TrimPrefix(specifier, "/")
	full := filepath.Join(l.Root, filepath.FromSlash(rel))
	code, err := os.ReadFile(full)
	if err != nil {
		return linker.Source{}, err
	}
	media := linker.MediaJavaScript
	if strings.HasSuffix(specifier, ".json") {
		media = linker.MediaJSON
	}
	return linker.Source{Code: string(code), Media: media}, nil
}

// StaticLoader serves modules from an in-memory table and counts Load calls
// per specifier, which makes loader-bypass behavior observable in tests and
// snapshot tooling.
type StaticLoader struct {
	mu      sync.Mutex
	sources map[string]linker.Source
	loads   map[string]int
}

// NewStatic creates a loader over the given specifier-to-source table.
func NewStatic(sources map[string]linker.Source) *StaticLoader {
	if sources == nil {
		sources = make(map[string]linker.Source)
	}
	return &StaticLoader{
		sources: sources,
		loads:   make(map[string]int),
	}
}

// Add registers or replaces a module source.
func (l *StaticLoader) Add(specifier string, src linker.Source) {
	l.mu.Lock()
	l.sources[specifier] = src
	l.mu.Unlock()
}

func (l *StaticLoader) Resolve(specifier, referrer string, kind linker.ResolutionKind) (string, error) {
	if strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "..") {
		if referrer == "" {
			return "", errors.InvalidInput(errors.PhaseResolve,
				"relative specifier "+specifier+" has no referrer")
		}
		return path.Join(path.Dir(referrer), specifier), nil
	}
	return specifier, nil
}

func (l *StaticLoader) Load(ctx context.Context, specifier, referrer string, isDynamic bool) (linker.Source, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[specifier]++
	src, ok := l.sources[specifier]
	if !ok {
		return linker.Source{}, errors.NotFound(errors.PhaseFetch, "module", specifier)
	}
	return src, nil
}

// LoadCount reports how many times specifier was fetched.
func (l *StaticLoader) LoadCount(specifier string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[specifier]
}
