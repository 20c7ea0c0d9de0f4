package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aretw0/tessera/internal/config"
	"github.com/aretw0/tessera/pkg/adapters/dynamodb"
	"github.com/aretw0/tessera/pkg/adapters/memory"
	"github.com/aretw0/tessera/pkg/adapters/postgres"
	"github.com/aretw0/tessera/pkg/adapters/redis"
	"github.com/aretw0/tessera/pkg/codec"
	"github.com/aretw0/tessera/pkg/ports"
	"github.com/aretw0/tessera/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
)

// Runtime bundles a session store with the lifecycle hooks of its backend.
type Runtime struct {
	Store   *session.Store
	Backend ports.ConditionalStore

	// Sweep removes expired records until ctx is done. Nil when the backend
	// expires records on its own.
	Sweep func(ctx context.Context) error
	// Health reports whether the backend is reachable. Nil when it always is.
	Health func(ctx context.Context) error

	close func() error
}

// Close releases backend connections.
func (r *Runtime) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

// NewRuntime initializes the backend named by cfg and a session store over it.
// reg may be nil to skip metrics.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*Runtime, error) {
	rt, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []session.Option{session.WithLogger(logger)}
	if reg != nil {
		opts = append(opts, session.WithMetrics(session.NewMetrics(reg)))
	}

	enc, err := cfg.Encryption()
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	if enc != nil {
		c, err := codec.NewEncrypted(codec.Default, *enc)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("error initializing encryption: %w", err)
		}
		opts = append(opts, session.WithCodec(c))
	}

	sessionCfg := session.Config{
		Schema:          cfg.Schema,
		MaxSaveAttempts: cfg.Session.MaxSaveAttempts,
	}
	if cfg.Session.Namespace != "" {
		sessionCfg.DeriveKey = session.Namespace(cfg.Session.Namespace)
	}

	rt.Store = session.New(rt.Backend, sessionCfg, opts...)
	logger.Debug("Session store ready", "backend", cfg.Backend, "collection", cfg.Schema.Collection)
	return rt, nil
}

func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		store := memory.NewStore(
			memory.WithSchema(cfg.Schema),
			memory.WithSweepInterval(cfg.Memory.SweepInterval),
			memory.WithLogger(logger),
		)
		return &Runtime{Backend: store, Sweep: store.Run}, nil

	case config.BackendRedis:
		store := redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redis.WithSchema(cfg.Schema))
		return &Runtime{Backend: store, Health: store.Ping, close: store.Close}, nil

	case config.BackendPostgres:
		store, err := postgres.Open(cfg.Postgres.DSN,
			postgres.WithSchema(cfg.Schema),
			postgres.WithSweepInterval(cfg.Postgres.SweepInterval),
			postgres.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		return &Runtime{Backend: store, Sweep: store.Run, Health: store.Ping, close: store.Close}, nil

	case config.BackendDynamoDB:
		store, err := dynamodb.Connect(ctx, cfg.DynamoDB, dynamodb.WithSchema(cfg.Schema))
		if err != nil {
			return nil, err
		}
		return &Runtime{Backend: store}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
