package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlowe/crmsync/internal/models"
)

func doc() *models.SettingsDocument {
	return &models.SettingsDocument{
		TenantID: "t1",
		UserID:   "u1",
		SettingGroups: map[string]json.RawMessage{
			"theme": json.RawMessage(`{"mode":"dark"}`),
		},
	}
}

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	b := New()
	var order []string

	b.Subscribe("u1", func(string, *models.SettingsDocument) { order = append(order, "first") })
	b.Subscribe("u1", func(string, *models.SettingsDocument) { order = append(order, "second") })
	b.Subscribe("u1", func(string, *models.SettingsDocument) { order = append(order, "third") })

	b.Notify("u1", doc())
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBus_PanickingListenerDoesNotBlockOthers(t *testing.T) {
	b := New()
	var delivered int

	b.Subscribe("u1", func(string, *models.SettingsDocument) { delivered++ })
	b.Subscribe("u1", func(string, *models.SettingsDocument) { panic("bad listener") })
	b.Subscribe("u1", func(string, *models.SettingsDocument) { delivered++ })

	b.Notify("u1", doc())
	assert.Equal(t, 2, delivered)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	var calls int

	unsub := b.Subscribe("u1", func(string, *models.SettingsDocument) { calls++ })
	b.Notify("u1", doc())
	require.Equal(t, 1, calls)

	unsub()
	b.Notify("u1", doc())
	assert.Equal(t, 1, calls)

	unsub() // second call is a no-op
	assert.Equal(t, 0, b.ListenerCount("u1"))
}

func TestBus_UsersAreIsolated(t *testing.T) {
	b := New()
	var u1, u2 int

	b.Subscribe("u1", func(string, *models.SettingsDocument) { u1++ })
	b.Subscribe("u2", func(string, *models.SettingsDocument) { u2++ })

	b.Notify("u1", doc())
	assert.Equal(t, 1, u1)
	assert.Equal(t, 0, u2)
}

func TestBus_ListenerGetsCopy(t *testing.T) {
	b := New()
	d := doc()

	b.Subscribe("u1", func(_ string, got *models.SettingsDocument) {
		got.SettingGroups["theme"] = json.RawMessage(`{"mode":"light"}`)
	})
	b.Notify("u1", d)

	assert.JSONEq(t, `{"mode":"dark"}`, string(d.SettingGroups["theme"]))
}

func TestBus_ReentrantSubscribeDuringNotify(t *testing.T) {
	b := New()
	var lateCalls int

	b.Subscribe("u1", func(string, *models.SettingsDocument) {
		b.Subscribe("u1", func(string, *models.SettingsDocument) { lateCalls++ })
	})

	b.Notify("u1", doc())
	assert.Equal(t, 0, lateCalls, "listener added mid-delivery sees only later notifies")

	b.Notify("u1", doc())
	assert.Equal(t, 1, lateCalls)
}

func TestBus_Cleanup(t *testing.T) {
	b := New()
	var calls int

	b.Subscribe("u1", func(string, *models.SettingsDocument) { calls++ })
	b.Cleanup("u1")
	b.Notify("u1", doc())
	assert.Equal(t, 0, calls)
}
