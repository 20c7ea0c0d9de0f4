package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// Each record is a hash whose fields are the item attributes. The TTL
// attribute is mirrored into the key's native expiry with EXPIREAT, so Redis
// itself evicts dead sessions. Conditional writes run as Lua scripts: Redis
// executes a script atomically, which gives the single-key check-and-set the
// port requires without any client-side lock.
//
// Every script receives ARGV[1] = ttl field name and ARGV[2] = now (unix
// seconds), and treats a hash whose ttl field has passed as absent even if
// Redis has not evicted it yet.
const liveFunc = `
local function live(key)
	if redis.call("exists", key) == 0 then
		return false
	end
	local exp = tonumber(redis.call("hget", key, ARGV[1]))
	if exp and exp <= tonumber(ARGV[2]) then
		redis.call("del", key)
		return false
	end
	return true
end
`

// ARGV[3] = expire-at (may be empty), ARGV[4..] = field/value pairs.
const writeFields = `
for i = 4, #ARGV, 2 do
	redis.call("hset", KEYS[1], ARGV[i], ARGV[i + 1])
end
if ARGV[3] ~= "" then
	redis.call("expireat", KEYS[1], ARGV[3])
end
return 1
`

var putIfAbsentScript = backend.NewScript(liveFunc + `
if live(KEYS[1]) then
	return 0
end
` + writeFields)

// The old hash is dropped first so the write replaces the whole item.
var putIfPresentScript = backend.NewScript(liveFunc + `
if not live(KEYS[1]) then
	return 0
end
redis.call("del", KEYS[1])
` + writeFields)

// ARGV[3] = field, ARGV[4] = value, ARGV[5] = expire-at or empty.
var setAttributeScript = backend.NewScript(liveFunc + `
if not live(KEYS[1]) then
	return 0
end
redis.call("hset", KEYS[1], ARGV[3], ARGV[4])
if ARGV[5] ~= "" then
	redis.call("expireat", KEYS[1], ARGV[5])
end
return 1
`)

// Store implements ports.ConditionalStore using Redis.
type Store struct {
	client backend.UniversalClient
	schema ports.Schema
	prefix string
	now    func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithSchema sets the collection and attribute names. Unless WithPrefix is
// also given, keys are prefixed with "<collection>:".
func WithSchema(schema ports.Schema) Option {
	return func(s *Store) {
		s.schema = schema.WithDefaults()
	}
}

// WithClock replaces time.Now for liveness checks. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithPrefix sets the key prefix explicitly.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client backend.UniversalClient, opts ...Option) *Store {
	store := &Store{
		client: client,
		schema: ports.DefaultSchema(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(store)
	}

	if store.prefix == "" {
		store.prefix = store.schema.Collection + ":"
	}

	return store
}

func (s *Store) key(key string) string {
	return s.prefix + key
}

// Get reads the hash stored under key.
func (s *Store) Get(ctx context.Context, key string) (ports.Item, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get from redis: %w", err)
	}
	if len(fields) == 0 || !s.schema.Live(fields, s.now()) {
		return nil, false, nil
	}
	return ports.Item(fields), true, nil
}

// PutIfAbsent writes item unless the key exists.
func (s *Store) PutIfAbsent(ctx context.Context, key string, item ports.Item) error {
	return s.put(ctx, putIfAbsentScript, key, item)
}

// PutIfPresent replaces item only if the key exists.
func (s *Store) PutIfPresent(ctx context.Context, key string, item ports.Item) error {
	return s.put(ctx, putIfPresentScript, key, item)
}

func (s *Store) put(ctx context.Context, script *backend.Script, key string, item ports.Item) error {
	args := make([]any, 0, 3+2*len(item))
	args = append(args, s.schema.TTLField, s.nowArg(), s.expireAt(item))
	for name, value := range item {
		args = append(args, name, value)
	}

	ok, err := script.Run(ctx, s.client, []string{s.key(key)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to write to redis: %w", err)
	}
	if ok == 0 {
		return domain.ErrConditionFailed
	}
	return nil
}

// SetAttribute sets one hash field. Setting the TTL attribute also moves the
// key's native expiry.
func (s *Store) SetAttribute(ctx context.Context, key, name, value string) error {
	expireAt := ""
	if name == s.schema.TTLField {
		expireAt = s.expireAt(ports.Item{name: value})
	}

	ok, err := setAttributeScript.Run(ctx, s.client, []string{s.key(key)},
		s.schema.TTLField, s.nowArg(), name, value, expireAt).Int()
	if err != nil {
		return fmt.Errorf("failed to update redis attribute: %w", err)
	}
	if ok == 0 {
		return domain.ErrConditionFailed
	}
	return nil
}

// Delete removes the key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (s *Store) Close() error {
	err := s.client.Close()
	if errors.Is(err, backend.ErrClosed) {
		return nil
	}
	return err
}

func (s *Store) nowArg() string {
	return strconv.FormatInt(s.now().Unix(), 10)
}

// expireAt returns the EXPIREAT argument for item, or "" when the item has
// no usable TTL attribute.
func (s *Store) expireAt(item ports.Item) string {
	at, ok, err := s.schema.ExpiresAt(item)
	if err != nil || !ok {
		return ""
	}
	return ports.FormatExpiry(at)
}
