package remote

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlowe/crmsync/internal/models"
)

func memDoc(theme string, updatedAt time.Time) *models.SettingsDocument {
	return &models.SettingsDocument{
		TenantID: "t1",
		UserID:   "u1",
		SettingGroups: map[string]json.RawMessage{
			"theme": json.RawMessage(`"` + theme + `"`),
		},
		UpdatedAt:         updatedAt,
		DeviceSyncEnabled: true,
	}
}

func recvChange(t *testing.T, ch <-chan models.Change) models.Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "change channel closed unexpectedly")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return models.Change{}
	}
}

func TestMemory_FetchMissing(t *testing.T) {
	m := NewMemory()

	doc, err := m.Fetch(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestMemory_UpsertThenFetchReturnsCopy(t *testing.T) {
	m := NewMemory()
	orig := memDoc("dark", time.Now())

	require.NoError(t, m.Upsert(context.Background(), "t1", "u1", orig, "dev-a"))
	orig.SettingGroups["theme"] = json.RawMessage(`"mutated"`)

	got, err := m.Fetch(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `"dark"`, string(got.SettingGroups["theme"]))
}

func TestMemory_SubscribeDeliversInSeqOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "t1", "u1", 0, "")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Upsert(ctx, "t1", "u1", memDoc("dark", time.Now()), "dev-a"))
	require.NoError(t, m.Upsert(ctx, "t1", "u1", memDoc("light", time.Now()), "dev-a"))

	first := recvChange(t, sub.Changes)
	second := recvChange(t, sub.Changes)
	assert.Less(t, first.Seq, second.Seq)
	assert.JSONEq(t, `"light"`, string(second.Document.SettingGroups["theme"]))
}

func TestMemory_SubscribeSuppressesOwnEcho(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "t1", "u1", 0, "dev-a")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Upsert(ctx, "t1", "u1", memDoc("dark", time.Now()), "dev-a"))
	require.NoError(t, m.Upsert(ctx, "t1", "u1", memDoc("light", time.Now()), "dev-b"))

	got := recvChange(t, sub.Changes)
	assert.Equal(t, "dev-b", got.SourceDeviceID, "own write must not be delivered back")

	select {
	case c := <-sub.Changes:
		t.Fatalf("unexpected extra change from %s", c.SourceDeviceID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_SubscribeReplaysBacklog(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "t1", "u1", memDoc("dark", time.Now()), "dev-a"))
	require.NoError(t, m.Upsert(ctx, "t1", "u1", memDoc("light", time.Now()), "dev-a"))
	afterFirst := int64(1)

	sub, err := m.Subscribe(ctx, "t1", "u1", afterFirst, "")
	require.NoError(t, err)
	defer sub.Close()

	got := recvChange(t, sub.Changes)
	assert.Equal(t, int64(2), got.Seq, "only changes after afterSeq should replay")
}

func TestMemory_SubscribeReplaysBacklogLargerThanBuffer(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	total := subBuffer * 3
	for i := 0; i < total; i++ {
		require.NoError(t, m.Upsert(ctx, "t1", "u1", memDoc("dark", time.Now()), "dev-a"))
	}

	// Subscribe must not block on the retained feed, however long it is.
	sub, err := m.Subscribe(ctx, "t1", "u1", 0, "")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < total; i++ {
		got := recvChange(t, sub.Changes)
		assert.Equal(t, int64(i+1), got.Seq)
	}
}

func TestMemory_SubscribeScopedToUser(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "t1", "u1", 0, "")
	require.NoError(t, err)
	defer sub.Close()

	other := memDoc("dark", time.Now())
	other.UserID = "u2"
	require.NoError(t, m.Upsert(ctx, "t1", "u2", other, "dev-a"))

	select {
	case c := <-sub.Changes:
		t.Fatalf("received change for wrong user %s", c.UserID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_CloseEndsStream(t *testing.T) {
	m := NewMemory()

	sub, err := m.Subscribe(context.Background(), "t1", "u1", 0, "")
	require.NoError(t, err)
	sub.Close()

	select {
	case _, ok := <-sub.Changes:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Close")
	}
}

func TestMemory_InjectedFailure(t *testing.T) {
	m := NewMemory()
	boom := errors.New("store unreachable")
	m.SetError(boom)

	_, err := m.Fetch(context.Background(), "t1", "u1")
	assert.ErrorIs(t, err, boom)
	err = m.Upsert(context.Background(), "t1", "u1", memDoc("dark", time.Now()), "dev-a")
	assert.ErrorIs(t, err, boom)

	m.SetError(nil)
	_, err = m.Fetch(context.Background(), "t1", "u1")
	assert.NoError(t, err)
}

func TestMemory_CredentialLayerScoping(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.SetCredential("t1", "", models.LayerSystemDefault, "api_key", "system")
	m.SetCredential("t1", "", models.LayerTenantShared, "api_key", "tenant")
	m.SetCredential("t1", "u1", models.LayerUserOverride, "api_key", "")

	// System defaults are visible from any tenant.
	v, found, err := m.FetchCredential(ctx, "t2", "u9", models.LayerSystemDefault, "api_key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "system", v)

	// Tenant-shared is scoped to its tenant.
	_, found, err = m.FetchCredential(ctx, "t2", "u9", models.LayerTenantShared, "api_key")
	require.NoError(t, err)
	assert.False(t, found)

	// Explicit blank at user level reads back as present.
	v, found, err = m.FetchCredential(ctx, "t1", "u1", models.LayerUserOverride, "api_key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "", v)

	m.DeleteCredential("t1", "u1", models.LayerUserOverride, "api_key")
	_, found, err = m.FetchCredential(ctx, "t1", "u1", models.LayerUserOverride, "api_key")
	require.NoError(t, err)
	assert.False(t, found)
}
