package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bridgelabs/genesis/pkg/contracts"
	"github.com/bridgelabs/genesis/pkg/store"
)

func runGenesis(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"genesis"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// seedSQLite records events into a fresh sqlite database and points the
// environment at it, so Run opens the same store.
func seedSQLite(t *testing.T, topics ...string) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "events.db")
	t.Setenv("GENESIS_PERSIST_BACKEND", "sqlite")
	t.Setenv("GENESIS_DB_PATH", dbPath)

	ctx := context.Background()
	st, err := store.Open(ctx, "sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = st.Close() }()

	for _, topic := range topics {
		env, err := contracts.New(topic, "cli.test", contracts.KindFact)
		if err != nil {
			t.Fatal(err)
		}
		if err := st.Record(ctx, &env); err != nil {
			t.Fatal(err)
		}
	}
	return dbPath
}

func TestRunNoArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := Run([]string{"genesis"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "USAGE") {
		t.Errorf("usage not printed: %q", stderr.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, _, stderr := runGenesis("frobnicate")
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunHelp(t *testing.T) {
	code, stdout, _ := runGenesis("help")
	if code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}
	for _, cmd := range []string{"replay", "watermark", "export", "dlq"} {
		if !strings.Contains(stdout, cmd) {
			t.Errorf("help does not mention %q", cmd)
		}
	}
}

func TestReplayRequiresCursor(t *testing.T) {
	t.Setenv("GENESIS_PERSIST_BACKEND", "memory")
	code, _, stderr := runGenesis("replay")
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "either --from-watermark or --from-ts is required") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestReplayRejectsBadTimestamp(t *testing.T) {
	t.Setenv("GENESIS_PERSIST_BACKEND", "memory")
	code, _, stderr := runGenesis("replay", "--from-ts", "yesterday")
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "invalid --from-ts") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestWatermarkEmptyStore(t *testing.T) {
	t.Setenv("GENESIS_PERSIST_BACKEND", "memory")
	code, stdout, stderr := runGenesis("watermark")
	if code != 0 {
		t.Fatalf("exit = %d, want 0 (stderr: %s)", code, stderr)
	}
	if strings.TrimSpace(stdout) != "0" {
		t.Errorf("stdout = %q, want 0", stdout)
	}
}

func TestWatermarkAfterRecording(t *testing.T) {
	seedSQLite(t, "engine.truth.fact", "engine.truth.fact", "ui.intent.save")
	code, stdout, stderr := runGenesis("watermark")
	if code != 0 {
		t.Fatalf("exit = %d, want 0 (stderr: %s)", code, stderr)
	}
	if strings.TrimSpace(stdout) != "3" {
		t.Errorf("stdout = %q, want 3", stdout)
	}
}

func TestReplayFromWatermark(t *testing.T) {
	seedSQLite(t, "engine.truth.fact", "engine.truth.fact", "ui.intent.save")
	code, stdout, stderr := runGenesis("replay", "--from-watermark", "2")
	if code != 0 {
		t.Fatalf("exit = %d, want 0 (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "Replayed 2 events") {
		t.Errorf("stdout = %q", stdout)
	}
	if !strings.Contains(stdout, "ui.intent.save") {
		t.Errorf("listing missing replayed topic: %q", stdout)
	}
}

func TestReplayTopicPattern(t *testing.T) {
	seedSQLite(t, "engine.truth.fact", "ui.intent.save", "engine.truth.heal")
	code, stdout, stderr := runGenesis("replay", "--from-watermark", "0", "--topic", "engine.truth.%")
	if code != 0 {
		t.Fatalf("exit = %d, want 0 (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "Replayed 2 events") {
		t.Errorf("stdout = %q", stdout)
	}
	if strings.Contains(stdout, "ui.intent.save") {
		t.Errorf("unmatched topic leaked into listing: %q", stdout)
	}
}

func TestReplayNoEmitStillLists(t *testing.T) {
	seedSQLite(t, "engine.truth.fact")
	code, stdout, stderr := runGenesis("replay", "--from-watermark", "0", "--no-emit")
	if code != 0 {
		t.Fatalf("exit = %d, want 0 (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "Replayed 1 events") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestExportRequiresFromWatermark(t *testing.T) {
	t.Setenv("GENESIS_PERSIST_BACKEND", "memory")
	code, _, stderr := runGenesis("export")
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "--from-watermark is required") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestExportWritesSegment(t *testing.T) {
	seedSQLite(t, "engine.truth.fact", "engine.truth.fact")
	t.Setenv("GENESIS_ARCHIVE_SINK", "fs")
	t.Setenv("GENESIS_ARCHIVE_DIR", filepath.Join(t.TempDir(), "archive"))

	code, stdout, stderr := runGenesis("export", "--from-watermark", "0")
	if code != 0 {
		t.Fatalf("exit = %d, want 0 (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "Exported segment") {
		t.Errorf("stdout = %q", stdout)
	}
	if !strings.Contains(stdout, "events.jsonl") {
		t.Errorf("ref missing from output: %q", stdout)
	}
}

func TestDLQListEmpty(t *testing.T) {
	t.Setenv("GENESIS_PERSIST_BACKEND", "memory")
	code, stdout, stderr := runGenesis("dlq", "list")
	if code != 0 {
		t.Fatalf("exit = %d, want 0 (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "0 dead letters") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestDLQRequiresSubcommand(t *testing.T) {
	code, _, stderr := runGenesis("dlq")
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "requires a subcommand") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestDLQRequeueRequiresID(t *testing.T) {
	t.Setenv("GENESIS_PERSIST_BACKEND", "memory")
	code, _, stderr := runGenesis("dlq", "requeue")
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "--id is required") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestDLQRequeueUnknownRow(t *testing.T) {
	seedSQLite(t)
	code, _, stderr := runGenesis("dlq", "requeue", "--id", "42")
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Error:") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestDLQPurgeRequiresWindow(t *testing.T) {
	t.Setenv("GENESIS_PERSIST_BACKEND", "memory")
	code, _, stderr := runGenesis("dlq", "purge")
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "--older-than is required") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestDLQPurgeEmptyStore(t *testing.T) {
	t.Setenv("GENESIS_PERSIST_BACKEND", "memory")
	code, stdout, stderr := runGenesis("dlq", "purge", "--older-than", "24h")
	if code != 0 {
		t.Fatalf("exit = %d, want 0 (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stdout, "Purged 0 dead letters") {
		t.Errorf("stdout = %q", stdout)
	}
}
