package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/fleetslot/internal/booking/repository"
)

func TestMemoryIdempotencyRepo(t *testing.T) {
	repo := repository.NewMemoryIdempotencyRepo(0)
	ctx := context.Background()

	_, ok, err := repo.GetResponse(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, repo.PutResponse(ctx, "key-1", []byte(`{"id":"a"}`)))
	payload, ok, err := repo.GetResponse(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"id":"a"}`, string(payload))
}

func TestRedisIdempotencyRepoKeepsFirstResponse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := repository.NewRedisIdempotencyRepo(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, repo.PutResponse(ctx, "key-1", []byte("first")))
	require.NoError(t, repo.PutResponse(ctx, "key-1", []byte("second")))

	payload, ok, err := repo.GetResponse(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", string(payload))
	require.True(t, mr.Exists("idem:booking:key-1"))

	mr.FastForward(2 * time.Minute)
	_, ok, err = repo.GetResponse(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, ok)
}
