package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watink/cmd/internal/authstate"
)

func discardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenAuthBackendBySchema(t *testing.T) {
	mr := miniredis.RunT(t)

	cases := []struct {
		name string
		url  string
		kind string
	}{
		{name: "default", url: "", kind: "memory"},
		{name: "memory", url: "memory://", kind: "memory"},
		{name: "redis", url: "redis://" + mr.Addr() + "/0", kind: "redis"},
		{name: "badger in memory", url: "badger://", kind: "badger"},
		{name: "badger on disk", url: "badger://" + t.TempDir(), kind: "badger"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			b, err := openAuthBackend(ctx, Config{AuthStoreURL: tc.url, AuthStoreNamespace: "itest"}, discardLogger())
			require.NoError(t, err)
			t.Cleanup(b.close)

			assert.Equal(t, tc.kind, b.kind)
			assert.Equal(t, "itest", b.store.Namespace())

			require.NoError(t, b.store.SaveCreds(ctx, 42, json.RawMessage(`{"me":"x"}`)))
			got, err := b.store.ReadCreds(ctx, 42)
			require.NoError(t, err)
			assert.JSONEq(t, `{"me":"x"}`, string(got))
		})
	}
}

func TestOpenAuthBackendRejectsUnknownScheme(t *testing.T) {
	t.Parallel()

	_, err := openAuthBackend(context.Background(), Config{AuthStoreURL: "mongodb://localhost"}, discardLogger())
	require.ErrorIs(t, err, authstate.ErrUnsupported)
}

func TestOpenAuthBackendSealsValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := Config{AuthStoreURL: "memory://", AuthStoreSecret: "correct horse battery staple"}
	b, err := openAuthBackend(ctx, cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(b.close)

	require.NoError(t, b.store.SaveCreds(ctx, 7, json.RawMessage(`{"k":1}`)))
	got, err := b.store.ReadCreds(ctx, 7)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, string(got))
}

func TestBadgerConfigFromURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		path     string
		inMemory bool
		sync     bool
	}{
		{in: "badger://", inMemory: true},
		{in: "badger:///var/lib/watink", path: "/var/lib/watink"},
		{in: "badger://data/auth?sync=true", path: "data/auth", sync: true},
	}

	for _, tc := range cases {
		u, err := url.Parse(tc.in)
		require.NoError(t, err)
		got := badgerConfigFromURL(u)
		if got.Path != tc.path || got.InMemory != tc.inMemory || got.SyncWrites != tc.sync {
			t.Fatalf("badgerConfigFromURL(%q)=%+v", tc.in, got)
		}
	}
}

func TestWipeAuthOnEmptyStore(t *testing.T) {
	t.Parallel()

	n, err := WipeAuth(context.Background(), Config{AuthStoreURL: "memory://"}, discardLogger(), 9)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
