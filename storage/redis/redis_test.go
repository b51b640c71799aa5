package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, prefix string) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, prefix)
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	require.NoError(t, store.Put(ctx, "k", []byte("v1")))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	require.NoError(t, store.Put(ctx, "k", []byte("v2")))
	got, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	require.NoError(t, store.Delete(ctx, "k"))
	got, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	store := newTestStore(t, "")

	got, err := store.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPrefixIsolatesApps(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	appA := New(client, "app-a")
	appB := New(client, "app-b")

	require.NoError(t, appA.Put(ctx, "event_queue", []byte("a")))
	require.NoError(t, appB.Put(ctx, "event_queue", []byte("b")))

	gotA, err := appA.Get(ctx, "event_queue")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), gotA)

	gotB, err := appB.Get(ctx, "event_queue")
	require.NoError(t, err)
	require.Equal(t, []byte("b"), gotB)
}

func TestNewFromURL(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := NewFromURL(context.Background(), "redis://"+mr.Addr(), "app")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Put(context.Background(), "k", []byte("v")))
	got, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}

func TestNewFromURLBadURL(t *testing.T) {
	_, err := NewFromURL(context.Background(), "not-a-url", "")
	require.Error(t, err)
}
