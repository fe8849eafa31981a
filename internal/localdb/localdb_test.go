package localdb

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marlowe/crmsync/internal/models"
)

func setupDB(t *testing.T) *DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db, err := OpenWith(conn)
	if err != nil {
		t.Fatalf("init local db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleDoc() *models.SettingsDocument {
	return &models.SettingsDocument{
		TenantID: "t1",
		UserID:   "u1",
		SettingGroups: map[string]json.RawMessage{
			"theme":  json.RawMessage(`{"mode":"dark"}`),
			"locale": json.RawMessage(`"en-US"`),
		},
		UpdatedAt:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		LastSyncedAt:      time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC),
		DeviceSyncEnabled: true,
	}
}

func TestSaveLoadDocument(t *testing.T) {
	db := setupDB(t)

	if err := db.SaveDocument(sampleDoc()); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := db.LoadDocument("t1", "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatal("expected document, got nil")
	}
	if !got.UpdatedAt.Equal(sampleDoc().UpdatedAt) {
		t.Errorf("updated_at: got %v, want %v", got.UpdatedAt, sampleDoc().UpdatedAt)
	}
	if string(got.SettingGroups["locale"]) != `"en-US"` {
		t.Errorf("locale group: got %s", got.SettingGroups["locale"])
	}
	if !got.DeviceSyncEnabled {
		t.Error("device_sync_enabled should round-trip")
	}
}

func TestLoadDocument_Missing(t *testing.T) {
	db := setupDB(t)

	got, err := db.LoadDocument("t1", "nobody")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing document, got %+v", got)
	}
}

func TestSaveDocument_Overwrites(t *testing.T) {
	db := setupDB(t)

	if err := db.SaveDocument(sampleDoc()); err != nil {
		t.Fatalf("save: %v", err)
	}
	doc := sampleDoc()
	doc.SettingGroups["theme"] = json.RawMessage(`{"mode":"light"}`)
	doc.UpdatedAt = doc.UpdatedAt.Add(time.Minute)
	if err := db.SaveDocument(doc); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := db.LoadDocument("t1", "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got.SettingGroups["theme"]) != `{"mode":"light"}` {
		t.Errorf("theme group: got %s", got.SettingGroups["theme"])
	}
}

func TestLoadDocument_CorruptRowDiscarded(t *testing.T) {
	db := setupDB(t)

	_, err := db.conn.Exec(`
		INSERT INTO settings_docs (tenant_id, user_id, setting_groups, updated_at, last_synced_at, device_sync_enabled)
		VALUES ('t1', 'u1', 'not json at all', '2025-06-01T12:00:00Z', '2025-06-01T12:00:00Z', 1)`)
	if err != nil {
		t.Fatalf("seed corrupt row: %v", err)
	}

	got, err := db.LoadDocument("t1", "u1")
	if err != nil {
		t.Fatalf("load should not error on corruption: %v", err)
	}
	if got != nil {
		t.Fatal("corrupt document should be treated as missing")
	}

	// The row must be gone so a fresh fetch can regenerate it.
	var count int
	db.conn.QueryRow(`SELECT COUNT(*) FROM settings_docs`).Scan(&count)
	if count != 0 {
		t.Fatalf("corrupt row should be deleted, %d rows remain", count)
	}
}

func TestDeviceIdentity_StableAcrossCalls(t *testing.T) {
	db := setupDB(t)

	first, err := db.DeviceIdentity("fp-abc")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first == "" {
		t.Fatal("device id should be generated")
	}

	second, err := db.DeviceIdentity("fp-abc")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second {
		t.Fatalf("device id changed across calls: %q vs %q", first, second)
	}
}

func TestSyncEvents_AppendAndTail(t *testing.T) {
	db := setupDB(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := db.AppendSyncEvent(models.SyncEvent{
			Type:           models.EventSyncComplete,
			Trigger:        models.TriggerPeriodic,
			UserID:         "u1",
			SourceDeviceID: "d1",
			Success:        true,
			Duration:       120 * time.Millisecond,
			Metadata:       map[string]string{"seq": string(rune('0' + i))},
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	tail, err := db.SyncEventTail("u1", 3)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 3 {
		t.Fatalf("tail length: got %d, want 3", len(tail))
	}
	if !tail[0].Timestamp.Before(tail[2].Timestamp) {
		t.Error("tail should be chronological, oldest first")
	}
	if tail[2].Duration != 120*time.Millisecond {
		t.Errorf("duration: got %v", tail[2].Duration)
	}
}

func TestSyncEvents_UserScoped(t *testing.T) {
	db := setupDB(t)

	db.AppendSyncEvent(models.SyncEvent{Type: models.EventSyncStart, UserID: "u1", SourceDeviceID: "d1"})
	db.AppendSyncEvent(models.SyncEvent{Type: models.EventSyncStart, UserID: "u2", SourceDeviceID: "d2"})

	tail, err := db.SyncEventTail("u1", 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 1 {
		t.Fatalf("tail length: got %d, want 1", len(tail))
	}
	if tail[0].UserID != "u1" {
		t.Errorf("user: got %q", tail[0].UserID)
	}
}

func TestSealedCredentials_RoundTrip(t *testing.T) {
	db := setupDB(t)

	err := db.SaveSealedCredential("u1", models.LayerUserOverride, "api_key", []byte("sealed-bytes"), true)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	ct, present, found, err := db.LoadSealedCredential("u1", models.LayerUserOverride, "api_key")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found || !present {
		t.Fatalf("found=%v present=%v, want true/true", found, present)
	}
	if string(ct) != "sealed-bytes" {
		t.Errorf("ciphertext: got %q", ct)
	}

	_, _, found, err = db.LoadSealedCredential("u1", models.LayerTenantShared, "api_key")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if found {
		t.Error("missing layer should report found=false")
	}
}

func TestSealedCredentials_ExplicitBlank(t *testing.T) {
	db := setupDB(t)

	// present=true with empty sealed payload is an explicit blank, not absence.
	if err := db.SaveSealedCredential("u1", models.LayerUserOverride, "api_key", []byte{}, true); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, present, found, err := db.LoadSealedCredential("u1", models.LayerUserOverride, "api_key")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found || !present {
		t.Fatalf("explicit blank must be found and present, got found=%v present=%v", found, present)
	}
}

func TestWipeSealedCredentials(t *testing.T) {
	db := setupDB(t)

	db.SaveSealedCredential("u1", models.LayerUserOverride, "api_key", []byte("x"), true)
	db.SaveSealedCredential("u1", models.LayerSystemDefault, "api_key", []byte("y"), true)
	db.SaveSealedCredential("u2", models.LayerUserOverride, "api_key", []byte("z"), true)

	if err := db.WipeSealedCredentials("u1"); err != nil {
		t.Fatalf("wipe: %v", err)
	}

	_, _, found, _ := db.LoadSealedCredential("u1", models.LayerUserOverride, "api_key")
	if found {
		t.Error("u1 credentials should be wiped")
	}
	_, _, found, _ = db.LoadSealedCredential("u2", models.LayerUserOverride, "api_key")
	if !found {
		t.Error("u2 credentials must survive a u1 wipe")
	}
}
