package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bridgelabs/genesis/pkg/contracts"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore implements EventStore over database/sql. It supports both SQLite
// (modernc, the embedded default) and Postgres (lib/pq) with one set of
// statements: $N placeholders and ON CONFLICT clauses work on both.
type SQLStore struct {
	db      *sql.DB
	dialect string // "sqlite" | "postgres"
	ttl     time.Duration
	clock   func() time.Time
	dedup   DedupIndex // nil = transactional claims in the dedupe table
	logger  *slog.Logger

	// mu serializes writers so watermark assignment is strictly ordered
	// even under concurrent publishers. Persistence order, not call order.
	mu sync.Mutex
}

// SQLOption customizes a SQLStore.
type SQLOption func(*SQLStore)

// WithDedupTTL sets the suppression window for dedupe claims.
func WithDedupTTL(d time.Duration) SQLOption {
	return func(s *SQLStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithDedupIndex replaces the transactional dedupe table with an external
// shared index. The claim then happens before the append; a failed append
// releases the claim as compensation.
func WithDedupIndex(idx DedupIndex) SQLOption {
	return func(s *SQLStore) { s.dedup = idx }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) SQLOption {
	return func(s *SQLStore) { s.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) SQLOption {
	return func(s *SQLStore) { s.logger = l }
}

// Open opens the named backend, applies connection pragmas, and runs the
// idempotent migration. For "sqlite" the dsn is a database file path whose
// parent directory is created as needed; for "postgres" it is a DSN.
func Open(ctx context.Context, backend, dsn string, opts ...SQLOption) (*SQLStore, error) {
	switch backend {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, &PersistenceError{Op: "open", Err: err}
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, &PersistenceError{Op: "open", Err: err}
		}
		// One connection: modernc sqlite serializes writers anyway, and a
		// single handle avoids SQLITE_BUSY under concurrent publishers.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, &PersistenceError{Op: "pragma", Err: err}
		}
		return NewSQLStore(ctx, db, "sqlite", opts...)
	case "postgres":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, &PersistenceError{Op: "open", Err: err}
		}
		return NewSQLStore(ctx, db, "postgres", opts...)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// NewSQLStore wraps an existing database handle and migrates the schema.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect string, opts ...SQLOption) (*SQLStore, error) {
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		ttl:     DefaultDedupTTL,
		clock:   time.Now,
		logger:  slog.Default().With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Initialize creates the three persisted structures: the event log, the
// dedupe index, and the dead-letter table. Safe to call repeatedly.
func (s *SQLStore) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			topic TEXT NOT NULL,
			source TEXT NOT NULL,
			kind TEXT NOT NULL,
			correlation_id TEXT,
			causation_id TEXT,
			"schema" TEXT NOT NULL,
			payload TEXT NOT NULL,
			watermark BIGINT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic)`,
		`CREATE INDEX IF NOT EXISTS idx_events_watermark ON events(watermark)`,
		`CREATE TABLE IF NOT EXISTS dedupe (
			dedupe_key TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			first_seen TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dedupe_expires_at ON dedupe(expires_at)`,
		s.dlqDDL(),
		`CREATE INDEX IF NOT EXISTS idx_dlq_event_id ON dlq(event_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &PersistenceError{Op: "initialize", Err: err}
		}
	}
	return nil
}

// dlqDDL is the only dialect-specific statement: the auto-increment spelling.
func (s *SQLStore) dlqDDL() string {
	idCol := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == "postgres" {
		idCol = "id BIGSERIAL PRIMARY KEY"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS dlq (
		%s,
		event_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		payload TEXT NOT NULL,
		error TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_retry TEXT
	)`, idCol)
}

// Ready probes that the schema is usable without assuming a dialect-specific
// catalog table.
func (s *SQLStore) Ready(ctx context.Context) error {
	for _, table := range []string{"events", "dedupe", "dlq"} {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` LIMIT 1`).Scan(&one)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return &PersistenceError{Op: "ready", Err: fmt.Errorf("table %s: %w", table, err)}
		}
	}
	return nil
}

// IsDuplicate reports whether a live (unexpired) claim covers the key.
// Expired claims do not count: a reused key after expiry is a new event.
func (s *SQLStore) IsDuplicate(ctx context.Context, dedupeKey string) (bool, error) {
	if dedupeKey == "" {
		return false, nil
	}
	if s.dedup != nil {
		seen, err := s.dedup.Seen(ctx, dedupeKey)
		if err != nil {
			return false, &PersistenceError{Op: "dedupe lookup", Err: err}
		}
		return seen, nil
	}

	var eventID string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id FROM dedupe WHERE dedupe_key = $1 AND expires_at > $2`,
		dedupeKey, s.clock().UTC().UnixMilli(),
	).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &PersistenceError{Op: "dedupe lookup", Err: err}
	}
	return true, nil
}

// Record atomically claims the envelope's dedupe key and appends the
// envelope with the next watermark. The claim and the append share one
// transaction, so two racing publishes of the same key cannot both win:
// the loser gets ErrDuplicate and no event row.
func (s *SQLStore) Record(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return &PersistenceError{Op: "record", Err: errNilEnvelope}
	}
	key := env.EffectiveDedupeKey()
	now := s.clock().UTC()

	if s.dedup != nil {
		claimed, err := s.dedup.Claim(ctx, key, env.ID, s.ttl)
		if err != nil {
			return &PersistenceError{Op: "dedupe claim", Err: err}
		}
		if !claimed {
			return ErrDuplicate
		}
		if err := s.append(ctx, env, now, ""); err != nil {
			if relErr := s.dedup.Release(ctx, key); relErr != nil {
				s.logger.Warn("dedupe release failed after append error",
					"dedupe_key", key, "event_id", env.ID, "error", relErr)
			}
			return err
		}
		return nil
	}
	return s.append(ctx, env, now, key)
}

// append writes the event row (and, when claimKey is non-empty, the dedupe
// claim) in a single transaction under the writer lock.
func (s *SQLStore) append(ctx context.Context, env *contracts.Envelope, now time.Time, claimKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if claimKey != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO dedupe (dedupe_key, event_id, first_seen, expires_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT(dedupe_key) DO NOTHING`,
			claimKey, env.ID, now.Format(time.RFC3339Nano), now.Add(s.ttl).UnixMilli(),
		)
		if err != nil {
			return &PersistenceError{Op: "dedupe claim", Err: err}
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return &PersistenceError{Op: "dedupe claim", Err: err}
		}
		if inserted == 0 {
			// A claim exists. Take it over only if it has expired.
			res, err := tx.ExecContext(ctx,
				`UPDATE dedupe SET event_id = $1, first_seen = $2, expires_at = $3
				 WHERE dedupe_key = $4 AND expires_at <= $5`,
				env.ID, now.Format(time.RFC3339Nano), now.Add(s.ttl).UnixMilli(),
				claimKey, now.UnixMilli(),
			)
			if err != nil {
				return &PersistenceError{Op: "dedupe takeover", Err: err}
			}
			taken, err := res.RowsAffected()
			if err != nil {
				return &PersistenceError{Op: "dedupe takeover", Err: err}
			}
			if taken == 0 {
				return ErrDuplicate
			}
		}
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(watermark), 0) + 1 FROM events`,
	).Scan(&next); err != nil {
		return &PersistenceError{Op: "watermark", Err: err}
	}

	payloadJSON, err := json.Marshal(env.Payload)
	if err != nil {
		return &PersistenceError{Op: "encode payload", Err: err}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, ts, topic, source, kind, correlation_id, causation_id, "schema", payload, watermark, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT(id) DO NOTHING`,
		env.ID,
		env.Timestamp.UTC().Format(time.RFC3339Nano),
		env.Topic,
		env.Source,
		string(env.Kind),
		nullable(env.CorrelationID),
		nullable(env.CausationID),
		env.Schema,
		string(payloadJSON),
		next,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return &PersistenceError{Op: "append", Err: err}
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "append", Err: err}
	}
	if inserted == 0 {
		// Same envelope ID under a fresh dedupe key: keep the original row
		// and report its watermark.
		if err := tx.QueryRowContext(ctx,
			`SELECT watermark FROM events WHERE id = $1`, env.ID,
		).Scan(&next); err != nil {
			return &PersistenceError{Op: "append", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	committed = true
	env.Watermark = next
	return nil
}

const eventColumns = `id, ts, topic, source, kind, correlation_id, causation_id, "schema", payload, watermark, created_at`

// GetEvents fetches envelopes matching the query in ascending watermark
// order. An empty result is a nil-error empty slice.
func (s *SQLStore) GetEvents(ctx context.Context, q Query) ([]contracts.Envelope, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	args := make([]any, 0, 4)

	if q.TopicPattern != "" {
		args = append(args, q.TopicPattern)
		query += fmt.Sprintf(" AND topic LIKE $%d", len(args))
	}
	if q.FromWatermark > 0 {
		args = append(args, q.FromWatermark)
		query += fmt.Sprintf(" AND watermark >= $%d", len(args))
	}
	if q.ToWatermark > 0 {
		args = append(args, q.ToWatermark)
		query += fmt.Sprintf(" AND watermark <= $%d", len(args))
	}
	args = append(args, q.limit())
	query += fmt.Sprintf(" ORDER BY watermark ASC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &PersistenceError{Op: "get events", Err: err}
	}
	defer func() { _ = rows.Close() }()

	events := make([]contracts.Envelope, 0)
	for rows.Next() {
		env, err := scanEventRow(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "get events", Err: err}
		}
		events = append(events, env)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "get events", Err: err}
	}
	return events, nil
}

// GetEventByID fetches a single envelope, ErrNotFound when absent.
func (s *SQLStore) GetEventByID(ctx context.Context, id string) (contracts.Envelope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	env, err := scanEventRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Envelope{}, ErrNotFound
	}
	if err != nil {
		return contracts.Envelope{}, &PersistenceError{Op: "get event", Err: err}
	}
	return env, nil
}

// GetWatermark returns the highest assigned watermark, 0 when the log is empty.
func (s *SQLStore) GetWatermark(ctx context.Context) (int64, error) {
	var wm int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(watermark), 0) FROM events`,
	).Scan(&wm)
	if err != nil {
		return 0, &PersistenceError{Op: "get watermark", Err: err}
	}
	return wm, nil
}

// AddToDeadLetter appends a new failure row. Prior rows for the same event
// are never touched; the table keeps the full failure history.
func (s *SQLStore) AddToDeadLetter(ctx context.Context, dl DeadLetter) error {
	payloadJSON, err := json.Marshal(dl.Payload)
	if err != nil {
		return &PersistenceError{Op: "encode dlq payload", Err: err}
	}
	createdAt := dl.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dlq (event_id, topic, payload, error, retry_count, created_at, last_retry)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		dl.EventID, dl.Topic, string(payloadJSON), dl.Error, dl.RetryCount,
		createdAt.Format(time.RFC3339Nano), nullableTime(dl.LastRetry),
	)
	if err != nil {
		return &PersistenceError{Op: "add to dlq", Err: err}
	}
	return nil
}

const dlqColumns = `id, event_id, topic, payload, error, retry_count, created_at, last_retry`

// DeadLetters lists failure rows in insertion order, optionally scoped to
// one event.
func (s *SQLStore) DeadLetters(ctx context.Context, q DLQQuery) ([]DeadLetter, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq`
	args := make([]any, 0, 2)
	if q.EventID != "" {
		args = append(args, q.EventID)
		query += fmt.Sprintf(" WHERE event_id = $%d", len(args))
	}
	args = append(args, q.limit())
	query += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &PersistenceError{Op: "list dlq", Err: err}
	}
	defer func() { _ = rows.Close() }()

	letters := make([]DeadLetter, 0)
	for rows.Next() {
		dl, err := scanDeadLetterRow(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "list dlq", Err: err}
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list dlq", Err: err}
	}
	return letters, nil
}

// GetDeadLetter fetches a single failure row, ErrNotFound when absent.
func (s *SQLStore) GetDeadLetter(ctx context.Context, dlqID int64) (DeadLetter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+dlqColumns+` FROM dlq WHERE id = $1`, dlqID)
	dl, err := scanDeadLetterRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, ErrNotFound
	}
	if err != nil {
		return DeadLetter{}, &PersistenceError{Op: "get dlq", Err: err}
	}
	return dl, nil
}

// CountDeadLetters returns the total number of failure rows.
func (s *SQLStore) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dlq`).Scan(&n); err != nil {
		return 0, &PersistenceError{Op: "count dlq", Err: err}
	}
	return n, nil
}

// MarkRetried bumps the retry counter and stamps the attempt time.
func (s *SQLStore) MarkRetried(ctx context.Context, dlqID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE dlq SET retry_count = retry_count + 1, last_retry = $1 WHERE id = $2`,
		s.clock().UTC().Format(time.RFC3339Nano), dlqID,
	)
	if err != nil {
		return &PersistenceError{Op: "mark retried", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "mark retried", Err: err}
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveDeadLetter deletes a row after a successful requeue.
func (s *SQLStore) ResolveDeadLetter(ctx context.Context, dlqID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM dlq WHERE id = $1`, dlqID)
	if err != nil {
		return &PersistenceError{Op: "resolve dlq", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "resolve dlq", Err: err}
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeDeadLetters deletes rows created before the cutoff. Timestamps are
// stored as RFC 3339 text, so the comparison happens here rather than in SQL.
func (s *SQLStore) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at FROM dlq`)
	if err != nil {
		return 0, &PersistenceError{Op: "purge dlq", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var stale []int64
	for rows.Next() {
		var id int64
		var createdAt string
		if err := rows.Scan(&id, &createdAt); err != nil {
			return 0, &PersistenceError{Op: "purge dlq", Err: err}
		}
		if ts := parseTime(createdAt); !ts.IsZero() && ts.Before(olderThan) {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, &PersistenceError{Op: "purge dlq", Err: err}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(stale))
	args := make([]any, len(stale))
	for i, id := range stale {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dlq WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return 0, &PersistenceError{Op: "purge dlq", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &PersistenceError{Op: "purge dlq", Err: err}
	}
	return n, nil
}

// SweepExpiredDedupe removes expired claims. With an external index the
// backend expires keys itself and there is nothing to sweep here.
func (s *SQLStore) SweepExpiredDedupe(ctx context.Context) (int64, error) {
	if s.dedup != nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedupe WHERE expires_at <= $1`, s.clock().UTC().UnixMilli())
	if err != nil {
		return 0, &PersistenceError{Op: "sweep dedupe", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &PersistenceError{Op: "sweep dedupe", Err: err}
	}
	return n, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventRow(row rowScanner) (contracts.Envelope, error) {
	var (
		id            string
		ts            string
		topic         string
		source        string
		kind          string
		correlationID sql.NullString
		causationID   sql.NullString
		schema        string
		payloadJSON   string
		watermark     int64
		createdAt     string
	)
	if err := row.Scan(&id, &ts, &topic, &source, &kind, &correlationID, &causationID, &schema, &payloadJSON, &watermark, &createdAt); err != nil {
		return contracts.Envelope{}, err
	}

	var payload map[string]any
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return contracts.Envelope{}, fmt.Errorf("decode payload for event %s: %w", id, err)
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	return contracts.Envelope{
		ID:            id,
		Timestamp:     parseTime(ts),
		Topic:         topic,
		Source:        source,
		Kind:          contracts.Kind(kind),
		CorrelationID: correlationID.String,
		CausationID:   causationID.String,
		Schema:        schema,
		Payload:       payload,
		Watermark:     watermark,
	}, nil
}

func scanDeadLetterRow(row rowScanner) (DeadLetter, error) {
	var (
		id          int64
		eventID     string
		topic       string
		payloadJSON string
		errMsg      string
		retryCount  int
		createdAt   string
		lastRetry   sql.NullString
	)
	if err := row.Scan(&id, &eventID, &topic, &payloadJSON, &errMsg, &retryCount, &createdAt, &lastRetry); err != nil {
		return DeadLetter{}, err
	}

	var payload map[string]any
	if payloadJSON != "" {
		_ = json.Unmarshal([]byte(payloadJSON), &payload)
	}

	dl := DeadLetter{
		ID:         id,
		EventID:    eventID,
		Topic:      topic,
		Payload:    payload,
		Error:      errMsg,
		RetryCount: retryCount,
		CreatedAt:  parseTime(createdAt),
	}
	if lastRetry.Valid {
		dl.LastRetry = parseTime(lastRetry.String)
	}
	return dl, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
