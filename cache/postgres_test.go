package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/retrogate/retrogate/cache"
	"github.com/retrogate/retrogate/server/idgen"
	"github.com/retrogate/retrogate/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	database := testutils.SetupTestDatabase(t, nil)
	ctx := context.Background()

	now := time.Now()
	c := cache.NewTTL[string](cache.NewPostgresStore(database.Pool), cache.StringCodec{},
		cache.WithClock(func() time.Time { return now }))
	key := "test:" + idgen.New()

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, time.Minute, "first"))
	require.NoError(t, c.Set(ctx, key, time.Minute, "second"))
	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", got)

	now = now.Add(2 * time.Minute)
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}
