package authstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the embedded backend.
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is true.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	Logger     *slog.Logger
}

// BadgerKV stores auth state in an embedded badger database, for single-node
// deployments without Redis or Postgres.
type BadgerKV struct {
	db *badger.DB
}

// OpenBadgerKV opens (or creates) the database described by cfg.
func OpenBadgerKV(cfg BadgerConfig) (*BadgerKV, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, invalid("authstate.OpenBadgerKV", "empty path")
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{log: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("authstate: open badger: %w", err)
	}
	return &BadgerKV{db: db}, nil
}

func (b *BadgerKV) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			item, err := txn.Get([]byte(k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerKV) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, o := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.Delete() {
			if err := wb.Delete([]byte(o.Key)); err != nil {
				return err
			}
			continue
		}
		e := badger.NewEntry([]byte(o.Key), o.Value)
		if o.TTL > 0 {
			e = e.WithTTL(o.TTL)
		}
		if err := wb.SetEntry(e); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *BadgerKV) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, invalid("authstate.BadgerKV.DeletePrefix", "empty prefix")
	}

	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (b *BadgerKV) Close() error { return b.db.Close() }

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	log *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error("authstate.badger", "msg", fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn("authstate.badger", "msg", fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug("authstate.badger", "msg", fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug("authstate.badger", "msg", fmt.Sprintf(format, args...))
}
