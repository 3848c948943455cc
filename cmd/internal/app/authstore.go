package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"watink/cmd/internal/authstate"
	"watink/cmd/internal/clock"
)

const purgeInterval = time.Hour

// authBackend is the auth store plus whatever the app must release with it.
type authBackend struct {
	store *authstate.Store
	pool  *pgxpool.Pool
	pg    *authstate.PostgresKV
	kind  string
}

// OpenAuthStore opens the backend named by cfg.AuthStoreURL and wraps it in a
// Store, sealed when a secret is configured.
func OpenAuthStore(ctx context.Context, cfg Config, log Logger) (*authstate.Store, func(), error) {
	b, err := openAuthBackend(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return b.store, b.close, nil
}

func openAuthBackend(ctx context.Context, cfg Config, log Logger) (*authBackend, error) {
	raw := strings.TrimSpace(cfg.AuthStoreURL)
	if raw == "" {
		raw = "memory://"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("authstore: invalid url: %w", err)
	}

	b := &authBackend{kind: strings.ToLower(u.Scheme)}
	var kv authstate.KV

	switch b.kind {
	case "memory":
		kv = authstate.NewMemoryKV(clock.Real())

	case "redis", "rediss":
		r, err := authstate.NewRedisKV(ctx, raw)
		if err != nil {
			return nil, err
		}
		kv = r

	case "postgres", "postgresql":
		pool, err := NewDBPool(ctx, raw, cfg)
		if err != nil {
			return nil, fmt.Errorf("authstore: postgres: %w", err)
		}
		var opts []authstate.PostgresOption
		if cfg.AuthStorePGSchema != "" {
			opts = append(opts, authstate.WithSchema(cfg.AuthStorePGSchema))
		}
		pg, err := authstate.NewPostgresKV(pool, opts...)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("authstore: migrate: %w", err)
		}
		b.pool, b.pg, kv = pool, pg, pg

	case "badger":
		bc := badgerConfigFromURL(u)
		bc.Logger = log.With("component", "badger")
		bk, err := authstate.OpenBadgerKV(bc)
		if err != nil {
			return nil, err
		}
		kv = bk

	default:
		return nil, fmt.Errorf("authstore: %w: scheme %q", authstate.ErrUnsupported, u.Scheme)
	}

	opts := []authstate.Option{
		authstate.WithLogger(log.With("component", "authstate")),
	}
	if ns := strings.TrimSpace(cfg.AuthStoreNamespace); ns != "" {
		opts = append(opts, authstate.WithNamespace(ns))
	}
	if cfg.AuthStoreSecret != "" {
		sl, err := authstate.NewSealer(cfg.AuthStoreSecret, namespaceOr(cfg.AuthStoreNamespace), authstate.DefaultKDFParams())
		if err != nil {
			_ = kv.Close()
			b.closePool()
			return nil, err
		}
		opts = append(opts, authstate.WithSealer(sl))
	}

	st, err := authstate.New(kv, opts...)
	if err != nil {
		_ = kv.Close()
		b.closePool()
		return nil, err
	}
	b.store = st

	log.Info("authstore.open", "backend", b.kind, "namespace", st.Namespace(), "sealed", cfg.AuthStoreSecret != "")
	return b, nil
}

// badgerConfigFromURL maps badger:///abs/dir and badger://rel/dir to a data
// directory. An empty path opens an in-memory database; ?sync=true fsyncs commits.
func badgerConfigFromURL(u *url.URL) authstate.BadgerConfig {
	path := u.Host + u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	return authstate.BadgerConfig{
		Path:       path,
		InMemory:   path == "",
		SyncWrites: u.Query().Get("sync") == "true",
	}
}

func namespaceOr(ns string) string {
	if ns = strings.TrimSpace(ns); ns != "" {
		return ns
	}
	return authstate.DefaultNamespace
}

// purgeLoop removes expired Postgres rows until ctx ends. Other backends expire
// keys on their own.
func (b *authBackend) purgeLoop(ctx context.Context, log Logger) error {
	if b.pg == nil {
		return nil
	}
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := b.pg.PurgeExpired(ctx)
			if err != nil {
				log.Warn("authstore.purge.fail", "err", err)
				continue
			}
			log.Debug("authstore.purge", "rows", n)
		}
	}
}

func (b *authBackend) close() {
	if b.store != nil {
		_ = b.store.Close()
	}
	b.closePool()
}

// closePool releases the pool; PostgresKV does not own it.
func (b *authBackend) closePool() {
	if b.pool != nil {
		b.pool.Close()
		b.pool = nil
	}
}
