package authstate

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const redisScanCount = 500

// RedisKV stores auth state in Redis. Reads are one MGET, writes one pipeline,
// prefix deletes walk SCAN MATCH so large namespaces never block the server.
type RedisKV struct {
	client redis.UniversalClient
	owned  bool
}

// NewRedisKV parses a redis:// or rediss:// URL and owns the resulting client.
func NewRedisKV(ctx context.Context, rawURL string) (*RedisKV, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, OpError{Op: "authstate.NewRedisKV", Kind: ErrInvalidInput, Msg: err.Error()}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, OpError{Op: "authstate.NewRedisKV", Kind: err}
	}
	return &RedisKV{client: client, owned: true}, nil
}

// NewRedisKVFromClient wraps an existing client. Close leaves it open.
func NewRedisKVFromClient(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		switch s := v.(type) {
		case nil:
		case string:
			out[keys[i]] = []byte(s)
		case []byte:
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (r *RedisKV) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, o := range ops {
			if o.Delete() {
				p.Del(ctx, o.Key)
				continue
			}
			p.Set(ctx, o.Key, o.Value, o.TTL)
		}
		return nil
	})
	return err
}

func (r *RedisKV) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, invalid("authstate.RedisKV.DeletePrefix", "empty prefix")
	}

	pattern := escapeGlob(prefix) + "*"
	deleted := 0
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, redisScanCount).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

func (r *RedisKV) Close() error {
	if !r.owned {
		return nil
	}
	if err := r.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
