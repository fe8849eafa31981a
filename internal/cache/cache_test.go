package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlowe/crmsync/internal/models"
)

func testDoc(userID string) *models.SettingsDocument {
	return &models.SettingsDocument{
		TenantID: "t1",
		UserID:   userID,
		SettingGroups: map[string]json.RawMessage{
			"theme": json.RawMessage(`{"mode":"dark"}`),
		},
		UpdatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		LastSyncedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestCache(ttl time.Duration) (*Cache, *time.Time) {
	c := New(ttl)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_PutGet(t *testing.T) {
	c, _ := newTestCache(5 * time.Minute)

	c.Put("u1", testDoc("u1"))
	got, ok := c.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID)

	_, ok = c.Get("u2")
	assert.False(t, ok)
}

func TestCache_ExpiryAfterTTL(t *testing.T) {
	c, now := newTestCache(5 * time.Minute)

	c.Put("u1", testDoc("u1"))
	*now = now.Add(4 * time.Minute)
	_, ok := c.Get("u1")
	require.True(t, ok, "entry should survive inside TTL")

	*now = now.Add(time.Minute)
	_, ok = c.Get("u1")
	assert.False(t, ok, "entry should expire at TTL")
}

func TestCache_PutRestartsTTL(t *testing.T) {
	c, now := newTestCache(5 * time.Minute)

	c.Put("u1", testDoc("u1"))
	*now = now.Add(4 * time.Minute)
	c.Put("u1", testDoc("u1"))
	*now = now.Add(4 * time.Minute)

	_, ok := c.Get("u1")
	assert.True(t, ok, "TTL is measured from the last Put")
}

func TestCache_ReturnsCopies(t *testing.T) {
	c, _ := newTestCache(5 * time.Minute)
	doc := testDoc("u1")
	c.Put("u1", doc)

	// Mutating the original after Put must not leak into the cache.
	doc.SettingGroups["theme"] = json.RawMessage(`{"mode":"light"}`)

	got, ok := c.Get("u1")
	require.True(t, ok)
	assert.JSONEq(t, `{"mode":"dark"}`, string(got.SettingGroups["theme"]))

	// Mutating a Get result must not affect later reads.
	got.SettingGroups["theme"] = json.RawMessage(`{"mode":"blue"}`)
	again, ok := c.Get("u1")
	require.True(t, ok)
	assert.JSONEq(t, `{"mode":"dark"}`, string(again.SettingGroups["theme"]))
}

func TestCache_ApplyIsIdempotent(t *testing.T) {
	c, _ := newTestCache(5 * time.Minute)

	c.Put("u1", testDoc("u1"))
	first, _, ok := c.GetEntry("u1")
	require.True(t, ok)

	c.Put("u1", testDoc("u1"))
	second, _, ok := c.GetEntry("u1")
	require.True(t, ok)

	assert.Equal(t, first, second, "applying the same document twice yields the same state")
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(5 * time.Minute)

	c.Put("u1", testDoc("u1"))
	c.Invalidate("u1")
	_, ok := c.Get("u1")
	assert.False(t, ok)
}

func TestCache_FillTimestamp(t *testing.T) {
	c, now := newTestCache(5 * time.Minute)

	fill := *now
	c.Put("u1", testDoc("u1"))
	*now = now.Add(time.Minute)

	_, filledAt, ok := c.GetEntry("u1")
	require.True(t, ok)
	assert.Equal(t, fill, filledAt)
}
