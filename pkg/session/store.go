package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/codec"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/keygen"
	"github.com/aretw0/tessera/pkg/ports"
)

// DefaultMaxSaveAttempts bounds how many keys Save tries before giving up.
// At 62^64 possible keys a second attempt is already a statistical anomaly,
// so exhausting three means the backend is misbehaving.
const DefaultMaxSaveAttempts = 3

// KeyFunc maps the externally visible session key to the key used in
// storage. It must be pure.
type KeyFunc func(string) string

// Identity is the default KeyFunc.
func Identity(key string) string { return key }

// Namespace returns a KeyFunc that prefixes every key.
func Namespace(prefix string) KeyFunc {
	return func(key string) string { return prefix + key }
}

// Config is the immutable configuration bundle of a Store.
type Config struct {
	// Schema names the collection and the key, ttl and payload attributes.
	Schema ports.Schema

	// DeriveKey maps external keys to storage keys. Defaults to Identity.
	DeriveKey KeyFunc

	// MaxSaveAttempts defaults to DefaultMaxSaveAttempts.
	MaxSaveAttempts int
}

// Store orchestrates session persistence over a ConditionalStore.
type Store struct {
	backend ports.ConditionalStore
	config  Config

	codec   codec.Codec
	keys    keygen.Generator
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures the Store.
type Option func(*Store)

// WithCodec replaces the JSON codec.
func WithCodec(c codec.Codec) Option {
	return func(s *Store) {
		s.codec = c
	}
}

// WithKeyGenerator replaces the default 64-character key generator.
func WithKeyGenerator(g keygen.Generator) Option {
	return func(s *Store) {
		s.keys = g
	}
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger configures a logger for the Store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics records operation counts and latencies.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// New creates a Store over backend. Zero values in cfg take their defaults.
func New(backend ports.ConditionalStore, cfg Config, opts ...Option) *Store {
	cfg.Schema = cfg.Schema.WithDefaults()
	if cfg.DeriveKey == nil {
		cfg.DeriveKey = Identity
	}
	if cfg.MaxSaveAttempts <= 0 {
		cfg.MaxSaveAttempts = DefaultMaxSaveAttempts
	}

	s := &Store{
		backend: backend,
		config:  cfg,
		codec:   codec.Default,
		keys:    keygen.New(),
		now:     time.Now,
		logger:  logging.NewNop(), // Default to no-op
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the payload stored under key. The boolean is false when the
// session does not exist or has expired. A record that exists but cannot be
// decoded yields an error matching domain.ErrDeserialization.
func (s *Store) Load(ctx context.Context, key string) (domain.Payload, bool, error) {
	start := time.Now()

	item, ok, err := s.backend.Get(ctx, s.config.DeriveKey(key))
	if err != nil {
		return nil, false, s.fail(opLoad, key, start, err)
	}
	if !ok {
		s.metrics.observe(opLoad, outcomeAbsent, start)
		return nil, false, nil
	}

	record, err := s.record(key, item)
	if err != nil {
		return nil, false, s.undecodable(key, start, err)
	}
	if record.Expired(s.now()) {
		s.metrics.observe(opLoad, outcomeAbsent, start)
		return nil, false, nil
	}

	raw, ok := item[s.config.Schema.PayloadField]
	if !ok {
		return nil, false, s.undecodable(key, start,
			fmt.Errorf("record has no %q attribute", s.config.Schema.PayloadField))
	}

	record.Payload, err = s.codec.Decode([]byte(raw))
	if err != nil {
		return nil, false, s.undecodable(key, start, err)
	}

	s.metrics.observe(opLoad, outcomeOK, start)
	return record.Payload, true, nil
}

// record reads the expiry of a stored item. An item without a TTL attribute
// gets a zero ExpiresAt and never expires.
func (s *Store) record(key string, item ports.Item) (domain.Record, error) {
	expiresAt, _, err := s.config.Schema.ExpiresAt(item)
	if err != nil {
		return domain.Record{}, err
	}
	return domain.Record{Key: key, ExpiresAt: expiresAt}, nil
}

// Save stores payload under a freshly generated key and returns that key.
func (s *Store) Save(ctx context.Context, payload domain.Payload, ttl time.Duration) (string, error) {
	start := time.Now()

	data, expiresAt, err := s.prepare(payload, ttl)
	if err != nil {
		s.metrics.observe(opSave, outcomeInvalid, start)
		return "", err
	}

	key, err := s.save(ctx, data, expiresAt)
	if err != nil {
		return "", s.fail(opSave, "", start, err)
	}

	s.metrics.observe(opSave, outcomeOK, start)
	return key, nil
}

// Update replaces the payload and expiry of an existing session and returns
// the session key. If the session no longer exists it is recreated under a
// new key, which is returned instead; this is not an error.
func (s *Store) Update(ctx context.Context, key string, payload domain.Payload, ttl time.Duration) (string, error) {
	start := time.Now()

	data, expiresAt, err := s.prepare(payload, ttl)
	if err != nil {
		s.metrics.observe(opUpdate, outcomeInvalid, start)
		return "", err
	}

	storageKey := s.config.DeriveKey(key)
	err = s.backend.PutIfPresent(ctx, storageKey, s.item(storageKey, data, expiresAt))
	switch {
	case err == nil:
		s.metrics.observe(opUpdate, outcomeOK, start)
		return key, nil

	case errors.Is(err, domain.ErrConditionFailed):
		// Lost the seat: the record expired or was deleted between load and
		// update. Mint a new session rather than failing the request.
		s.logger.Info("Session vanished before update, issuing a new key",
			"session", redact(key),
		)
		newKey, err := s.save(ctx, data, expiresAt)
		if err != nil {
			return "", s.fail(opUpdate, key, start, err)
		}
		s.metrics.fallback()
		s.metrics.observe(opUpdate, outcomeFallback, start)
		return newKey, nil

	default:
		return "", s.fail(opUpdate, key, start, err)
	}
}

// Renew extends the expiry of an existing session without touching its
// payload. Renewing a session that no longer exists does nothing.
func (s *Store) Renew(ctx context.Context, key string, ttl time.Duration) error {
	start := time.Now()

	if ttl <= 0 {
		s.metrics.observe(opRenew, outcomeInvalid, start)
		return fmt.Errorf("%w: %s", domain.ErrInvalidTTL, ttl)
	}

	expiresAt := s.expiry(ttl)
	err := s.backend.SetAttribute(ctx, s.config.DeriveKey(key), s.config.Schema.TTLField, ports.FormatExpiry(expiresAt))
	switch {
	case err == nil:
		s.metrics.observe(opRenew, outcomeOK, start)
		return nil

	case errors.Is(err, domain.ErrConditionFailed):
		s.logger.Debug("Renew skipped, session no longer exists", "session", redact(key))
		s.metrics.observe(opRenew, outcomeAbsent, start)
		return nil

	default:
		return s.fail(opRenew, key, start, err)
	}
}

// Delete removes the session. Deleting an absent session is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()

	if err := s.backend.Delete(ctx, s.config.DeriveKey(key)); err != nil {
		return s.fail(opDelete, key, start, err)
	}

	s.metrics.observe(opDelete, outcomeOK, start)
	return nil
}

// Schema returns the schema the store writes with.
func (s *Store) Schema() ports.Schema {
	return s.config.Schema
}

// save runs the bounded key-generation loop. Errors it returns are
// already classified.
func (s *Store) save(ctx context.Context, data []byte, expiresAt time.Time) (string, error) {
	for attempt := 1; attempt <= s.config.MaxSaveAttempts; attempt++ {
		key, err := s.keys.Generate()
		if err != nil {
			return "", &domain.StorageError{Op: opSave, Err: err}
		}

		storageKey := s.config.DeriveKey(key)
		err = s.backend.PutIfAbsent(ctx, storageKey, s.item(storageKey, data, expiresAt))
		switch {
		case err == nil:
			return key, nil
		case errors.Is(err, domain.ErrConditionFailed):
			s.logger.Warn("Generated session key already in use, retrying",
				"attempt", attempt,
				"max_attempts", s.config.MaxSaveAttempts,
			)
			s.metrics.collision()
		default:
			return "", &domain.StorageError{Op: opSave, Err: err}
		}
	}

	return "", &domain.StorageError{Op: opSave, Err: domain.ErrKeyCollision}
}

func (s *Store) prepare(payload domain.Payload, ttl time.Duration) ([]byte, time.Time, error) {
	if ttl <= 0 {
		return nil, time.Time{}, fmt.Errorf("%w: %s", domain.ErrInvalidTTL, ttl)
	}

	data, err := s.codec.Encode(payload)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	return data, s.expiry(ttl), nil
}

func (s *Store) item(storageKey string, data []byte, expiresAt time.Time) ports.Item {
	schema := s.config.Schema
	return ports.Item{
		schema.KeyField:     storageKey,
		schema.PayloadField: string(data),
		schema.TTLField:     ports.FormatExpiry(expiresAt),
	}
}

// expiry returns now+ttl rounded up to a whole second. Expiries are stored
// with second precision, and rounding down could land on or before now.
func (s *Store) expiry(ttl time.Duration) time.Time {
	at := s.now().Add(ttl)
	if trunc := at.Truncate(time.Second); !trunc.Equal(at) {
		at = trunc.Add(time.Second)
	}
	return at
}

// fail classifies err as terminal, logs and counts it.
func (s *Store) fail(op, key string, start time.Time, err error) error {
	var storageErr *domain.StorageError
	if !errors.As(err, &storageErr) {
		storageErr = &domain.StorageError{Op: op, Err: err}
	}
	if key != "" && storageErr.Key == "" {
		storageErr.Key = redact(key)
	}

	s.logger.Error("Session storage operation failed",
		"op", op,
		"session", redact(key),
		"err", err,
	)
	s.metrics.observe(op, outcomeStorageError, start)
	return storageErr
}

func (s *Store) undecodable(key string, start time.Time, err error) error {
	if !errors.Is(err, domain.ErrDeserialization) {
		err = domain.Deserialization(err)
	}
	s.logger.Error("Stored session payload is unreadable",
		"session", redact(key),
		"err", err,
	)
	s.metrics.observe(opLoad, outcomeDeserializationError, start)
	return err
}

// redact shortens a session key for logs and errors. Full keys are bearer
// credentials and must not be written anywhere.
func redact(key string) string {
	const visible = 6
	if len(key) <= visible {
		return key
	}
	return key[:visible] + "…"
}
