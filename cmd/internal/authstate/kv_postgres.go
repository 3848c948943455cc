package authstate

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgDefaultSchema = "watink"

// PostgresKV stores auth state in one key/value table.
//
// Ownership model:
// - PostgresKV does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresKV struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// PostgresOption configures PostgresKV behavior.
type PostgresOption func(*PostgresKV) error

// WithSchema sets the DB schema (default: "watink").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(p *PostgresKV) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("authstate: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("authstate: invalid schema identifier")
		}
		p.schema = schema
		return nil
	}
}

// NewPostgresKV constructs a Postgres-backed KV.
func NewPostgresKV(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresKV, error) {
	p := &PostgresKV{pool: pool, schema: pgDefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.pool == nil {
		return nil, errors.New("authstate: nil pool")
	}
	p.table = pgIdent(p.schema, "auth_kv")
	return p, nil
}

// Migrate creates the schema and table when missing.
func (p *PostgresKV) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{p.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + p.table + ` (
		     key        text PRIMARY KEY,
		     value      bytea NOT NULL,
		     expires_at timestamptz NULL,
		     updated_at timestamptz NOT NULL DEFAULT now()
		 )`,
		`CREATE INDEX IF NOT EXISTS auth_kv_expires_at_idx ON ` + p.table + ` (expires_at) WHERE expires_at IS NOT NULL`,
	}
	for _, s := range stmts {
		if _, err := p.pool.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op because the pool is owned by the caller.
func (p *PostgresKV) Close() error { return nil }

func (p *PostgresKV) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := p.pool.Query(ctx,
		`SELECT key, value
		   FROM `+p.table+`
		  WHERE key = ANY($1)
		    AND (expires_at IS NULL OR expires_at > now())`,
		keys,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			k string
			v []byte
		)
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (p *PostgresKV) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := &pgx.Batch{}
	for _, o := range ops {
		if o.Delete() {
			b.Queue(`DELETE FROM `+p.table+` WHERE key = $1`, o.Key)
			continue
		}
		var expires *time.Time
		if o.TTL > 0 {
			t := time.Now().Add(o.TTL).UTC()
			expires = &t
		}
		b.Queue(
			`INSERT INTO `+p.table+` (key, value, expires_at, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (key) DO UPDATE
			    SET value = EXCLUDED.value,
			        expires_at = EXCLUDED.expires_at,
			        updated_at = now()`,
			o.Key, o.Value, expires,
		)
	}

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresKV) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, invalid("authstate.PostgresKV.DeletePrefix", "empty prefix")
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM `+p.table+` WHERE starts_with(key, $1)`, prefix)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// PurgeExpired removes rows whose expiry passed. Reads already ignore them.
func (p *PostgresKV) PurgeExpired(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM `+p.table+` WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
