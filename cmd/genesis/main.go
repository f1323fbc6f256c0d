// Command genesis operates an event log: replaying recorded envelopes,
// inspecting the watermark, exporting archive segments, and managing
// the dead-letter queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/bridgelabs/genesis/pkg/config"
	"github.com/bridgelabs/genesis/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "watermark":
		return runWatermarkCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "dlq":
		return runDLQCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "genesis - event log operations")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  genesis <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	_, _ = fmt.Fprintln(w, "  replay       Re-dispatch recorded events (--from-watermark | --from-ts)")
	_, _ = fmt.Fprintln(w, "  watermark    Print the current high watermark")
	_, _ = fmt.Fprintln(w, "  export       Write an archive segment through the configured sink")
	_, _ = fmt.Fprintln(w, "  dlq          Manage dead letters (list | requeue | purge)")
	_, _ = fmt.Fprintln(w, "  help         Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "The store comes from GENESIS_PERSIST_BACKEND (sqlite, postgres, memory)")
	_, _ = fmt.Fprintln(w, "and its companions; see pkg/config.")
	_, _ = fmt.Fprintln(w, "")
}

// openFromEnv loads configuration and opens the store it names. Errors
// are reported on stderr; the caller only checks ok.
func openFromEnv(ctx context.Context, stderr io.Writer) (*config.Config, store.EventStore, bool) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, false
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot open store: %v\n", err)
		return nil, nil, false
	}
	return cfg, st, true
}

func openStore(ctx context.Context, cfg *config.Config) (store.EventStore, error) {
	if cfg.Backend == "memory" {
		return store.NewMemoryStore().WithTTL(cfg.DedupTTL.Duration()), nil
	}

	opts := []store.SQLOption{store.WithDedupTTL(cfg.DedupTTL.Duration())}
	if cfg.DedupBackend == "redis" {
		opts = append(opts, store.WithDedupIndex(
			store.NewRedisDedupIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)))
	}

	switch cfg.Backend {
	case "sqlite":
		return store.Open(ctx, "sqlite", cfg.DBPath, opts...)
	case "postgres":
		return store.Open(ctx, "postgres", cfg.DatabaseURL, opts...)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// runWatermarkCmd implements `genesis watermark`.
//
// Exit codes:
//
//	0 = printed
//	1 = runtime error
//	2 = usage error
func runWatermarkCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("watermark", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	_, st, ok := openFromEnv(ctx, stderr)
	if !ok {
		return 1
	}
	defer func() { _ = st.Close() }()

	wm, err := st.GetWatermark(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{"watermark": wm}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintln(stdout, wm)
	}
	return 0
}
