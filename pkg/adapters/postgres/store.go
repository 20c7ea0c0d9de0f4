// Package postgres provides a ports.ConditionalStore backed by a single
// PostgreSQL table. Conditional writes are single statements whose WHERE
// clause carries the existence check, so each primitive is one round trip.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/ports"
	"github.com/lib/pq"
)

// Store implements ports.ConditionalStore using PostgreSQL.
// Expired rows are invisible to every primitive; Sweep deletes them.
type Store struct {
	db     *sql.DB
	schema ports.Schema
	now    func() time.Time
	logger *slog.Logger

	sweepInterval time.Duration
	q             queries
}

type queries struct {
	create, index                   string
	get, putIfAbsent, putIfPresent  string
	setPayload, setTTL, del, expire string
}

// Option configures the Store.
type Option func(*Store)

// WithSchema sets the table and column names.
func WithSchema(schema ports.Schema) Option {
	return func(s *Store) {
		s.schema = schema.WithDefaults()
	}
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithSweepInterval sets how often Run deletes expired rows.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = d
	}
}

// WithLogger configures a logger for sweeper events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open connects to dsn with the lib/pq driver.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	return New(db, opts...), nil
}

// New creates a Store over an existing connection pool.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:            db,
		schema:        ports.DefaultSchema(),
		now:           time.Now,
		logger:        logging.NewNop(),
		sweepInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.q = buildQueries(s.schema)
	return s
}

func buildQueries(schema ports.Schema) queries {
	t := pq.QuoteIdentifier(schema.Collection)
	k := pq.QuoteIdentifier(schema.KeyField)
	p := pq.QuoteIdentifier(schema.PayloadField)
	ttl := pq.QuoteIdentifier(schema.TTLField)
	live := fmt.Sprintf("(%s IS NULL OR %s > $%%d)", ttl, ttl)

	return queries{
		create: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s TEXT PRIMARY KEY, %s TEXT, %s BIGINT)`, t, k, p, ttl),
		index: fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			pq.QuoteIdentifier(schema.Collection+"_"+schema.TTLField+"_idx"), t, ttl),
		get: fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s = $1 AND `+live, p, ttl, t, k, 2),
		// An expired row still occupies the primary key until it is swept, so
		// the upsert takes it over instead of failing.
		putIfAbsent: fmt.Sprintf(`INSERT INTO %s (%s, %s, %s) VALUES ($1, $2, $3) `+
			`ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s, %s = EXCLUDED.%s `+
			`WHERE %s.%s IS NOT NULL AND %s.%s <= $4`,
			t, k, p, ttl, k, p, p, ttl, ttl, t, ttl, t, ttl),
		putIfPresent: fmt.Sprintf(`UPDATE %s SET %s = $2, %s = $3 WHERE %s = $1 AND `+live, t, p, ttl, k, 4),
		setPayload:   fmt.Sprintf(`UPDATE %s SET %s = $2 WHERE %s = $1 AND `+live, t, p, k, 3),
		setTTL:       fmt.Sprintf(`UPDATE %s SET %s = $2 WHERE %s = $1 AND `+live, t, ttl, k, 3),
		del:          fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, t, k),
		expire:       fmt.Sprintf(`DELETE FROM %s WHERE %s IS NOT NULL AND %s <= $1`, t, ttl, ttl),
	}
}

// EnsureSchema creates the table and its expiry index if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{s.q.create, s.q.index} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create session table: %w", classify(err))
		}
	}
	return nil
}

// Get reads the live row under key.
func (s *Store) Get(ctx context.Context, key string) (ports.Item, bool, error) {
	var (
		payload sql.NullString
		ttl     sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.q.get, key, s.now().Unix()).Scan(&payload, &ttl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get from postgres: %w", classify(err))
	}

	item := ports.Item{s.schema.KeyField: key}
	if payload.Valid {
		item[s.schema.PayloadField] = payload.String
	}
	if ttl.Valid {
		item[s.schema.TTLField] = strconv.FormatInt(ttl.Int64, 10)
	}
	return item, true, nil
}

// PutIfAbsent inserts item unless a live row exists.
func (s *Store) PutIfAbsent(ctx context.Context, key string, item ports.Item) error {
	payload, ttl, err := s.columns(item)
	if err != nil {
		return err
	}
	return s.execConditional(ctx, "insert", s.q.putIfAbsent, key, payload, ttl, s.now().Unix())
}

// PutIfPresent replaces the live row under key.
func (s *Store) PutIfPresent(ctx context.Context, key string, item ports.Item) error {
	payload, ttl, err := s.columns(item)
	if err != nil {
		return err
	}
	return s.execConditional(ctx, "update", s.q.putIfPresent, key, payload, ttl, s.now().Unix())
}

// SetAttribute updates the payload or TTL column of a live row.
func (s *Store) SetAttribute(ctx context.Context, key, name, value string) error {
	switch name {
	case s.schema.TTLField:
		at, err := ports.ParseExpiry(value)
		if err != nil {
			return err
		}
		return s.execConditional(ctx, "update", s.q.setTTL, key, at.Unix(), s.now().Unix())
	case s.schema.PayloadField:
		return s.execConditional(ctx, "update", s.q.setPayload, key, value, s.now().Unix())
	default:
		return fmt.Errorf("postgres store cannot set attribute %q", name)
	}
}

// Delete removes the row.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.q.del, key); err != nil {
		return fmt.Errorf("failed to delete from postgres: %w", classify(err))
	}
	return nil
}

// Sweep deletes every expired row and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q.expire, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired sessions: %w", classify(err))
	}
	return res.RowsAffected()
}

// Run sweeps expired rows until ctx is cancelled. Sweep failures are logged
// and retried on the next tick.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Warn("Failed to sweep expired sessions", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("Swept expired sessions", "count", n)
			}
		}
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) execConditional(ctx context.Context, verb, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s in postgres: %w", verb, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return domain.ErrConditionFailed
	}
	return nil
}

// columns maps an item onto the payload and ttl columns. Missing attributes
// become NULL.
func (s *Store) columns(item ports.Item) (sql.NullString, sql.NullInt64, error) {
	var (
		payload sql.NullString
		ttl     sql.NullInt64
	)
	if v, ok := item[s.schema.PayloadField]; ok {
		payload = sql.NullString{String: v, Valid: true}
	}
	at, ok, err := s.schema.ExpiresAt(item)
	if err != nil {
		return payload, ttl, err
	}
	if ok {
		ttl = sql.NullInt64{Int64: at.Unix(), Valid: true}
	}
	return payload, ttl, nil
}

// classify turns a unique violation into ErrConditionFailed: it can only
// come from two inserts racing for the same key. Other server errors keep
// their SQLSTATE name for the logs.
func classify(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	if pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", domain.ErrConditionFailed, pqErr.Message)
	}
	return fmt.Errorf("%s: %w", pqErr.Code.Name(), err)
}
