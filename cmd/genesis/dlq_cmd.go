package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/bridgelabs/genesis/pkg/bus"
	"github.com/bridgelabs/genesis/pkg/config"
	"github.com/bridgelabs/genesis/pkg/deadletter"
	"github.com/bridgelabs/genesis/pkg/store"
)

// runDLQCmd implements `genesis dlq <list|requeue|purge>`.
//
// Exit codes:
//
//	0 = ok
//	1 = runtime error
//	2 = usage error
func runDLQCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Error: dlq requires a subcommand: list, requeue, or purge")
		return 2
	}

	switch args[0] {
	case "list":
		return runDLQListCmd(args[1:], stdout, stderr)
	case "requeue":
		return runDLQRequeueCmd(args[1:], stdout, stderr)
	case "purge":
		return runDLQPurgeCmd(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown dlq subcommand: %s\n", args[0])
		return 2
	}
}

func newDLQManager(cfg *config.Config, st store.EventStore) *deadletter.Manager {
	return deadletter.NewManager(st, bus.New(st),
		deadletter.WithMaxRetries(cfg.DLQMaxRetries),
		deadletter.WithDeleteOnSuccess(cfg.DLQDeleteOnSuccess),
	)
}

func runDLQListCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("dlq list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	limit := cmd.Int("limit", 0, "Maximum rows to list (0 = store default)")
	eventID := cmd.String("event", "", "Only rows for this event ID")
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	cfg, st, ok := openFromEnv(ctx, stderr)
	if !ok {
		return 1
	}
	defer func() { _ = st.Close() }()

	mgr := newDLQManager(cfg, st)
	rows, err := mgr.List(ctx, store.DLQQuery{EventID: *eventID, Limit: *limit})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	total, err := mgr.Count(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"total": total,
			"rows":  rows,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "%d dead letters (%d shown)\n", total, len(rows))
	for _, dl := range rows {
		retryable := "retryable"
		if !mgr.Eligible(dl) {
			retryable = "exhausted"
		}
		_, _ = fmt.Fprintf(stdout, "  - %d: event=%s topic=%s retries=%d (%s)\n",
			dl.ID, dl.EventID, dl.Topic, dl.RetryCount, retryable)
		_, _ = fmt.Fprintf(stdout, "    error: %s\n", dl.Error)
	}
	return 0
}

func runDLQRequeueCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("dlq requeue", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	id := cmd.Int64("id", 0, "Dead letter row to requeue")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if *id <= 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	cfg, st, ok := openFromEnv(ctx, stderr)
	if !ok {
		return 1
	}
	defer func() { _ = st.Close() }()

	if err := newDLQManager(cfg, st).Requeue(ctx, *id); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Requeued dead letter %d\n", *id)
	return 0
}

func runDLQPurgeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("dlq purge", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	olderThan := cmd.Duration("older-than", 0, "Purge rows created longer ago than this (e.g. 720h)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if *olderThan <= 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --older-than is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	cfg, st, ok := openFromEnv(ctx, stderr)
	if !ok {
		return 1
	}
	defer func() { _ = st.Close() }()

	n, err := newDLQManager(cfg, st).Purge(ctx, time.Now().Add(-*olderThan))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Purged %d dead letters\n", n)
	return 0
}
