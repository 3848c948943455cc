package authstate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv, err := NewRedisKV(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	st, err := New(kv)
	require.NoError(t, err)
	return st, mr
}

func TestRedisStoreContract(t *testing.T) {
	st, _ := newRedisStore(t)
	runStoreContract(t, st)
}

func TestRedisRememberMessageSetsTTL(t *testing.T) {
	st, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, st.RememberMessage(ctx, "5511@s.whatsapp.net", "3EB0X", json.RawMessage(`{}`)))
	assert.Equal(t, MessageTTL, mr.TTL("wbot:msg:5511@s.whatsapp.net:3EB0X"))

	mr.FastForward(MessageTTL + time.Second)
	got, err := st.LookupMessage(ctx, "5511@s.whatsapp.net", "3EB0X")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisDeletePrefixEscapesGlob(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv := NewRedisKVFromClient(client)
	ctx := context.Background()

	require.NoError(t, kv.Apply(ctx, []Op{
		{Key: "ns:auth:1:creds", Value: []byte("a")},
		{Key: "ns:auth:1:pre-key:1", Value: []byte("b")},
		{Key: "ns:auth:10:creds", Value: []byte("c")},
		{Key: "ns:auth:1*:creds", Value: []byte("d")},
	}))

	n, err := kv.DeletePrefix(ctx, "ns:auth:1:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, mr.Exists("ns:auth:10:creds"))
	assert.True(t, mr.Exists("ns:auth:1*:creds"))

	n, err = kv.DeletePrefix(ctx, "ns:auth:1*")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mr.Exists("ns:auth:10:creds"))
}

func TestEscapeGlob(t *testing.T) {
	cases := map[string]string{
		"wbot:auth:1:": "wbot:auth:1:",
		"a*b?c[d]":     `a\*b\?c\[d\]`,
		`x\y`:          `x\\y`,
	}
	for in, want := range cases {
		if got := escapeGlob(in); got != want {
			t.Fatalf("escapeGlob(%q)=%q want=%q", in, got, want)
		}
	}
}
