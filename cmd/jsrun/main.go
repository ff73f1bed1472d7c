package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/js-runtime/extensions/timers"
	"github.com/wippyai/js-runtime/extensions/wasmops"
	"github.com/wippyai/js-runtime/linker"
	"github.com/wippyai/js-runtime/loader"
	"github.com/wippyai/js-runtime/ops"
	"github.com/wippyai/js-runtime/runtime"
)

// fileConfig mirrors the -config YAML file. Timeout is a Go duration
// string, e.g. "5s".
type fileConfig struct {
	HeapLimit       uint64 `yaml:"heap_limit"`
	StallGraceTicks int    `yaml:"stall_grace_ticks"`
	OpWorkers       int    `yaml:"op_workers"`
	Timeout         string `yaml:"timeout"`
}

func main() {
	var (
		scriptFile  = flag.String("script", "", "Path to a classic script to execute")
		moduleSpec  = flag.String("module", "", "Module specifier to evaluate (e.g. /main.js)")
		configFile  = flag.String("config", "", "Path to YAML config")
		root        = flag.String("root", ".", "Module root directory")
		timeout     = flag.Duration("timeout", 0, "Execution timeout (0 = none)")
		snapshotIn  = flag.String("snapshot-in", "", "Restore the module map from this snapshot file")
		snapshotOut = flag.String("snapshot-out", "", "Load the module graph, write a snapshot, and exit")
		verbose     = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	if *scriptFile == "" && *moduleSpec == "" {
		fmt.Fprintln(os.Stderr, "Usage: jsrun -module /main.js [-root dir] [-timeout 5s]")
		fmt.Fprintln(os.Stderr, "       jsrun -script file.js")
		fmt.Fprintln(os.Stderr, "       jsrun -module /main.js -snapshot-out app.bin")
		fmt.Fprintln(os.Stderr, "       jsrun -snapshot-in app.bin -module /main.js")
		os.Exit(1)
	}

	if err := run(*scriptFile, *moduleSpec, *configFile, *root, *timeout, *snapshotIn, *snapshotOut, *verbose); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func run(scriptFile, moduleSpec, configFile, root string, timeout time.Duration, snapshotIn, snapshotOut string, verbose bool) error {
	cfg := fileConfig{}
	if configFile != "" {
		raw, err := os.ReadFile(configFile)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	if timeout == 0 && cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("parse config timeout: %w", err)
		}
		timeout = d
	}

	opts := runtime.Options{
		Loader:          &loader.FsLoader{Root: root},
		Extensions:      []*ops.Extension{timers.New(), wasmops.New()},
		HeapLimit:       cfg.HeapLimit,
		StallGraceTicks: cfg.StallGraceTicks,
		OpWorkers:       cfg.OpWorkers,
		IsMain:          true,
		WillSnapshot:    snapshotOut != "",
	}
	if verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer log.Sync()
		opts.Logger = log
	}
	if snapshotIn != "" {
		blob, err := os.ReadFile(snapshotIn)
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		opts.Snapshot = blob
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rt, err := runtime.New(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	if timeout > 0 {
		go func() {
			<-ctx.Done()
			rt.Terminate("timeout exceeded")
		}()
	}

	if snapshotOut != "" {
		if moduleSpec == "" {
			return fmt.Errorf("-snapshot-out requires -module")
		}
		if _, err := rt.LoadMainModule(ctx, normalizeSpecifier(moduleSpec), ""); err != nil {
			return err
		}
		blob, err := rt.Snapshot()
		if err != nil {
			return err
		}
		if err := os.WriteFile(snapshotOut, blob, 0o644); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		printInfo(fmt.Sprintf("snapshot written: %s (%d bytes)", snapshotOut, len(blob)))
		return nil
	}

	if scriptFile != "" {
		code, err := os.ReadFile(scriptFile)
		if err != nil {
			return fmt.Errorf("read script: %w", err)
		}
		if _, err := rt.ExecuteScript(filepath.Base(scriptFile), string(code)); err != nil {
			return err
		}
		return rt.RunEventLoop(ctx, false)
	}

	id, err := loadEntry(ctx, rt, normalizeSpecifier(moduleSpec), snapshotIn != "")
	if err != nil {
		return err
	}
	ch, err := rt.ModEvaluate(id)
	if err != nil {
		return err
	}
	if err := rt.RunEventLoop(ctx, false); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

// loadEntry finds the entry module: restored snapshots already carry it,
// otherwise the loader fetches the graph.
func loadEntry(ctx context.Context, rt *runtime.Runtime, spec string, restored bool) (linker.ModuleID, error) {
	if restored {
		if mod, err := rt.Modules().Get(spec); err == nil {
			return mod.ID, nil
		}
	}
	return rt.LoadMainModule(ctx, spec, "")
}

func normalizeSpecifier(spec string) string {
	spec = filepath.ToSlash(spec)
	if !strings.HasPrefix(spec, "/") {
		spec = "/" + spec
	}
	return spec
}

func printError(err error) {
	msg := "error: " + err.Error()
	if isatty.IsTerminal(os.Stderr.Fd()) {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
		if w, _, terr := term.GetSize(int(os.Stderr.Fd())); terr == nil && w > 20 {
			style = style.Width(w)
		}
		msg = style.Render(msg)
	}
	fmt.Fprintln(os.Stderr, msg)
}

func printInfo(msg string) {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		msg = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(msg)
	}
	fmt.Println(msg)
}
