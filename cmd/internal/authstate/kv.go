package authstate

import (
	"context"
	"time"
)

// KV is the primitive every backend implements. Keys are opaque strings built by Store.
//
// Requirements:
//   - MGet returns only keys that exist and have not expired
//   - Apply writes all ops as one batch; a nil Value deletes the key
//   - DeletePrefix removes every key starting with prefix and reports how many
type KV interface {
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Apply(ctx context.Context, ops []Op) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}

// Op is one write in a batch.
type Op struct {
	Key   string
	Value []byte
	// TTL <= 0 means no expiry.
	TTL time.Duration
}

// Delete reports whether the op removes its key.
func (o Op) Delete() bool { return o.Value == nil }
