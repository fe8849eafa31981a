package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marlowe/crmsync/internal/models"
)

// Settings returns the user's current document. A cache hit is served
// directly; otherwise a manual sync refreshes from the store, falling back
// to the durable copy when the store is unreachable.
func (e *Engine) Settings(ctx context.Context, userID string) (*models.SettingsDocument, error) {
	s := e.session(userID)
	if s == nil {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNoSession)
	}

	if doc, ok := e.cache.Get(userID); ok {
		return doc, nil
	}

	if err := e.Sync(ctx, userID, models.TriggerManual); err != nil {
		// Store unreachable or device not trusted to sync; reads still
		// serve the durable copy.
		if doc, ok := e.cache.Get(userID); ok {
			return doc, nil
		}
		s.mu.Lock()
		tenantID := s.info.TenantID
		s.mu.Unlock()
		if doc, derr := e.db.LoadDocument(tenantID, userID); derr == nil && doc != nil {
			e.cache.Put(userID, doc)
			return doc, nil
		}
		return nil, err
	}

	doc, _ := e.cache.Get(userID)
	return doc, nil
}

// UpdateSettings applies group-level updates to the user's document and
// pushes the result. A nil group value deletes that group. Requires at
// least basic trust.
func (e *Engine) UpdateSettings(ctx context.Context, userID string, groups map[string]json.RawMessage) (*models.SettingsDocument, error) {
	s := e.session(userID)
	if s == nil {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNoSession)
	}
	if err := e.trust.Require(userID, e.deviceID, models.TrustBasic); err != nil {
		return nil, err
	}

	s.mu.Lock()
	tenantID := s.info.TenantID
	s.mu.Unlock()

	doc, ok := e.cache.Get(userID)
	if !ok {
		stored, err := e.db.LoadDocument(tenantID, userID)
		if err != nil {
			return nil, err
		}
		doc = stored
	}
	if doc == nil {
		doc = &models.SettingsDocument{
			TenantID:          tenantID,
			UserID:            userID,
			SettingGroups:     make(map[string]json.RawMessage),
			DeviceSyncEnabled: true,
		}
	}
	if doc.SettingGroups == nil {
		doc.SettingGroups = make(map[string]json.RawMessage)
	}

	for name, value := range groups {
		if value == nil {
			delete(doc.SettingGroups, name)
			continue
		}
		doc.SettingGroups[name] = value
	}
	doc.UpdatedAt = e.now().UTC()

	e.cache.Put(userID, doc)
	if err := e.db.SaveDocument(doc); err != nil {
		return nil, fmt.Errorf("persist settings: %w", err)
	}

	if err := e.Sync(ctx, userID, models.TriggerSettingsChange); err != nil {
		// The write is durable locally; the push retries on the next trigger.
		return doc, nil
	}
	return doc, nil
}

// SetSyncEnabled flips cross-device sync for the session. The choice is
// recorded on the local document; disabling stops pushes, so other devices
// see the flag only after sync is re-enabled.
func (e *Engine) SetSyncEnabled(ctx context.Context, userID string, enabled bool) error {
	s := e.session(userID)
	if s == nil {
		return fmt.Errorf("user %s: %w", userID, ErrNoSession)
	}

	s.mu.Lock()
	s.info.SyncEnabled = enabled
	tenantID := s.info.TenantID
	s.mu.Unlock()

	doc, ok := e.cache.Get(userID)
	if !ok {
		stored, err := e.db.LoadDocument(tenantID, userID)
		if err != nil || stored == nil {
			return err
		}
		doc = stored
	}
	doc.DeviceSyncEnabled = enabled
	doc.UpdatedAt = e.now().UTC()
	e.cache.Put(userID, doc)
	if err := e.db.SaveDocument(doc); err != nil {
		return fmt.Errorf("persist sync flag: %w", err)
	}

	if enabled {
		return e.Sync(ctx, userID, models.TriggerSettingsChange)
	}
	return nil
}
