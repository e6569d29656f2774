package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	redis.Cmdable
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisRoundTrip(t *testing.T) {
	req := require.New(t)
	fake := newFakeRedis()
	c := NewRedis(fake)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k")
	req.NoError(err)
	req.False(ok)

	req.NoError(c.Set(ctx, "k", []byte(`{"label":"Tulasi"}`), time.Minute))
	req.Equal(time.Minute, fake.ttls["k"])

	value, ok, err := c.Get(ctx, "k")
	req.NoError(err)
	req.True(ok)
	req.JSONEq(`{"label":"Tulasi"}`, string(value))
}

func TestRedisSurfacesErrors(t *testing.T) {
	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	c := NewRedis(fake)

	_, ok, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	require.False(t, ok)
	require.Error(t, c.Set(context.Background(), "k", []byte("v"), time.Second))
}
