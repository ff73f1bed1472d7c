package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/wippyai/js-runtime/linker"
)

func TestFsLoader_ResolveRelative(t *testing.T) {
	l := &FsLoader{}

	got, err := l.Resolve("./util.js", "/app/main.js", linker.ResolveStatic)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "/app/util.js" {
		t.Fatalf("Resolve = %q, want /app/util.js", got)
	}

	got, err = l.Resolve("../lib/x.js", "/app/sub/main.js", linker.ResolveStatic)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "/app/lib/x.js" {
		t.Fatalf("Resolve = %q, want /app/lib/x.js", got)
	}

	if _, err := l.Resolve("lodash", "/app/main.js", linker.ResolveStatic); err == nil {
		t.Fatal("expected error for bare specifier")
	}
	if _, err := l.Resolve("./x.js", "", linker.ResolveMain); err == nil {
		t.Fatal("expected error for relative specifier without referrer")
	}
}

func TestFsLoader_LoadMedia(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "m.js"), []byte("export const a = 1;"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "d.json"), []byte(`{"k":1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	l := &FsLoader{Root: dir}
	src, err := l.Load(context.Background(), "/m.js", "", false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if src.Media != linker.MediaJavaScript || src.Code != "export const a = 1;" {
		t.Fatalf("unexpected source: %+v", src)
	}

	src, err = l.Load(context.Background(), "/d.json", "", false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if src.Media != linker.MediaJSON {
		t.Fatal("expected JSON media kind")
	}

	if _, err := l.Load(context.Background(), "/missing.js", "", false); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStaticLoader_CountsLoads(t *testing.T) {
	l := NewStatic(map[string]linker.Source{
		"/a.js": {Code: "export const a = 1;"},
	})

	for i := 0; i < 3; i++ {
		if _, err := l.Load(context.Background(), "/a.js", "", false); err != nil {
			t.Fatalf("Load: %v", err)
		}
	}
	if n := l.LoadCount("/a.js"); n != 3 {
		t.Fatalf("LoadCount = %d, want 3", n)
	}

	if _, err := l.Load(context.Background(), "/missing.js", "", false); err == nil {
		t.Fatal("expected not-found error")
	}
	if n := l.LoadCount("/missing.js"); n != 1 {
		t.Fatalf("missing loads counted = %d, want 1", n)
	}
}
