package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/erpimport/internal/importing"
)

var _ importing.CodeCache[int64] = (*CodeCache[int64])(nil)

func TestNewCodeCacheDefaults(t *testing.T) {
	c := NewCodeCache[int64](nil, "", 0)
	assert.Equal(t, DefaultTTL, c.ttl)
	assert.Equal(t, "erpimport:unit:KG", c.key("unit", "KG"))
}

func TestCodeCacheRoundTrip(t *testing.T) {
	url := os.Getenv("IMPORT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("IMPORT_TEST_REDIS_URL not set; skipping redis test")
	}

	ctx := context.Background()
	client, err := Connect(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	c := NewCodeCache[int64](client, "test-"+uuid.NewString(), time.Minute)

	got, err := c.GetMany(ctx, "unit", []string{"KG"})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, c.PutMany(ctx, "unit", map[string]int64{"KG": 1, "PC": 2}))

	got, err = c.GetMany(ctx, "unit", []string{"KG", "PC", "LB"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"KG": 1, "PC": 2}, got)

	other, err := c.GetMany(ctx, "supplier", []string{"KG"})
	require.NoError(t, err)
	assert.Empty(t, other, "entities do not share keys")
}
