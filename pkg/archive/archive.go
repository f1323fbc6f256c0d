// Package archive exports event log segments for cold storage: a JSONL
// file of envelopes plus a canonicalized manifest whose digest covers
// the event bytes. Segments are written through a pluggable Sink.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bridgelabs/genesis/pkg/canonical"
	"github.com/bridgelabs/genesis/pkg/contracts"
	"github.com/bridgelabs/genesis/pkg/store"
)

// ErrNoSink is returned when Export is called on an Exporter built
// without a sink.
var ErrNoSink = errors.New("archive: no sink configured")

// Manifest describes one exported segment. SHA256 is the hex digest of
// the segment's JSONL bytes, so a segment can be verified without
// parsing it.
type Manifest struct {
	SegmentID     string    `json:"segment_id"`
	GeneratedAt   time.Time `json:"generated_at"`
	Count         int       `json:"count"`
	FromWatermark int64     `json:"from_watermark"`
	ToWatermark   int64     `json:"to_watermark"`
	TopicPattern  string    `json:"topic_pattern,omitempty"`
	SHA256        string    `json:"sha256"`
}

// Segment is a rendered export: the JSONL event bytes and the manifest,
// both ready to store.
type Segment struct {
	Manifest     Manifest
	Events       []byte
	ManifestJSON []byte
}

// EventSource provides the envelopes to export. *store.SQLStore and
// *store.MemoryStore both satisfy it.
type EventSource interface {
	GetEvents(ctx context.Context, q store.Query) ([]contracts.Envelope, error)
}

// Exporter renders event log segments and writes them to a sink.
type Exporter struct {
	source EventSource
	sink   Sink
	logger *slog.Logger
	clock  func() time.Time
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithLogger sets the logger for export runs.
func WithLogger(logger *slog.Logger) ExporterOption {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger.With("component", "archive")
		}
	}
}

// WithClock overrides the time source for testing.
func WithClock(clock func() time.Time) ExporterOption {
	return func(e *Exporter) {
		e.clock = clock
	}
}

// NewExporter creates an exporter over an event source. The sink may be
// nil when only Build is used.
func NewExporter(source EventSource, sink Sink, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		source: source,
		sink:   sink,
		logger: slog.Default().With("component", "archive"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Build renders a segment from the query without writing it anywhere.
// The manifest's watermark bounds are those of the exported events, not
// of the query.
func (e *Exporter) Build(ctx context.Context, q store.Query) (Segment, error) {
	events, err := e.source.GetEvents(ctx, q)
	if err != nil {
		return Segment{}, fmt.Errorf("archive: fetch events: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, env := range events {
		if err := enc.Encode(env); err != nil {
			return Segment{}, fmt.Errorf("archive: encode event %s: %w", env.ID, err)
		}
	}
	jsonl := buf.Bytes()

	manifest := Manifest{
		SegmentID:    uuid.New().String(),
		GeneratedAt:  e.clock().UTC(),
		Count:        len(events),
		TopicPattern: q.TopicPattern,
		SHA256:       canonical.HashBytes(jsonl),
	}
	if len(events) > 0 {
		manifest.FromWatermark = events[0].Watermark
		manifest.ToWatermark = events[len(events)-1].Watermark
	}

	manifestJSON, err := canonical.Canonicalize(manifest)
	if err != nil {
		return Segment{}, fmt.Errorf("archive: encode manifest: %w", err)
	}

	return Segment{Manifest: manifest, Events: jsonl, ManifestJSON: manifestJSON}, nil
}

// Export builds a segment and writes events.jsonl and manifest.json
// under the segment ID. It returns the manifest and the sink's
// reference for the events object.
func (e *Exporter) Export(ctx context.Context, q store.Query) (Manifest, string, error) {
	if e.sink == nil {
		return Manifest{}, "", ErrNoSink
	}

	seg, err := e.Build(ctx, q)
	if err != nil {
		return Manifest{}, "", err
	}

	eventsRef, err := e.sink.Put(ctx, seg.Manifest.SegmentID+"/events.jsonl", seg.Events)
	if err != nil {
		return Manifest{}, "", fmt.Errorf("archive: store events: %w", err)
	}
	if _, err := e.sink.Put(ctx, seg.Manifest.SegmentID+"/manifest.json", seg.ManifestJSON); err != nil {
		return Manifest{}, "", fmt.Errorf("archive: store manifest: %w", err)
	}

	e.logger.Info("exported segment",
		"segment_id", seg.Manifest.SegmentID,
		"count", seg.Manifest.Count,
		"from_watermark", seg.Manifest.FromWatermark,
		"to_watermark", seg.Manifest.ToWatermark,
		"ref", eventsRef)
	return seg.Manifest, eventsRef, nil
}

// ReadSegment parses JSONL bytes back into envelopes and verifies them
// against the manifest digest.
func ReadSegment(manifest Manifest, jsonl []byte) ([]contracts.Envelope, error) {
	if got := canonical.HashBytes(jsonl); got != manifest.SHA256 {
		return nil, fmt.Errorf("archive: segment %s digest mismatch: manifest %s, data %s",
			manifest.SegmentID, manifest.SHA256, got)
	}

	envelopes := make([]contracts.Envelope, 0, manifest.Count)
	dec := json.NewDecoder(bytes.NewReader(jsonl))
	for dec.More() {
		var env contracts.Envelope
		if err := dec.Decode(&env); err != nil {
			return nil, fmt.Errorf("archive: decode segment %s: %w", manifest.SegmentID, err)
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}
