package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marlowe/crmsync/internal/breaker"
	"github.com/marlowe/crmsync/internal/conflict"
	"github.com/marlowe/crmsync/internal/models"
)

// Sync runs one fetch-and-reconcile for the user. If a run is already in
// progress the trigger is queued and collapsed into a single follow-up run.
func (e *Engine) Sync(ctx context.Context, userID string, trigger models.SyncTrigger) error {
	s := e.session(userID)
	if s == nil {
		return fmt.Errorf("user %s: %w", userID, ErrNoSession)
	}
	return e.withGate(ctx, s, trigger, func(token string) error {
		return e.syncOnce(ctx, s, trigger, token)
	})
}

// withGate enforces the idle/syncing state machine. The caller's fn runs
// under the gate; triggers that arrive meanwhile coalesce into one
// follow-up full sync before the gate reopens.
func (e *Engine) withGate(ctx context.Context, s *session, trigger models.SyncTrigger, fn func(token string) error) error {
	s.mu.Lock()
	if s.syncing {
		s.pending = trigger
		s.mu.Unlock()
		return nil
	}
	s.syncing = true
	token := s.info.Token
	s.mu.Unlock()

	err := fn(token)

	for {
		s.mu.Lock()
		next := s.pending
		s.pending = ""
		if next == "" {
			s.syncing = false
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()

		if ferr := e.syncOnce(ctx, s, next, token); ferr != nil && err == nil {
			err = ferr
		}
	}
}

// syncOnce is one full fetch-and-reconcile pass. Settings sync requires at
// least basic trust; an untrusted device stays on its local copy.
func (e *Engine) syncOnce(ctx context.Context, s *session, trigger models.SyncTrigger, token string) error {
	s.mu.Lock()
	userID, tenantID := s.info.UserID, s.info.TenantID
	enabled := s.info.SyncEnabled
	s.info.LastActivity = e.now().UTC()
	s.mu.Unlock()
	if !enabled {
		return nil
	}

	if err := e.trust.Require(userID, e.deviceID, models.TrustBasic); err != nil {
		e.recordEvent(models.SyncEvent{
			Type:         models.EventSyncComplete,
			Trigger:      trigger,
			UserID:       userID,
			Entity:       "settings",
			Success:      false,
			ErrorMessage: err.Error(),
		})
		return fmt.Errorf("sync %s: %w", userID, err)
	}

	start := e.now()
	e.recordEvent(models.SyncEvent{
		Type:    models.EventSyncStart,
		Trigger: trigger,
		UserID:  userID,
		Entity:  "settings",
		Success: true,
	})

	local, fillTime, cached := e.cache.GetEntry(userID)
	if !cached {
		if doc, err := e.db.LoadDocument(tenantID, userID); err == nil && doc != nil {
			// Stale-tolerant fallback; fill time is the last confirmed sync.
			local = doc
			fillTime = doc.LastSyncedAt
		}
	}

	var remoteDoc *models.SettingsDocument
	err := e.breaker.Do(userID, func() error {
		var ferr error
		remoteDoc, ferr = e.store.Fetch(ctx, tenantID, userID)
		return ferr
	})
	if err != nil {
		// Degrade to local-only mode. The durable copy repopulates the
		// cache so reads keep working until the store heals.
		if !cached && local != nil {
			e.cache.Put(userID, local)
		}
		if err == breaker.ErrCircuitOpen {
			slog.Debug("sync short-circuited", "user", userID, "trigger", trigger)
		} else {
			slog.Warn("remote fetch failed", "user", userID, "trigger", trigger, "err", err)
		}
		e.finishSync(start, trigger, userID, false, err)
		return fmt.Errorf("sync %s: %w", userID, err)
	}

	if !e.sessionAlive(userID, token) {
		return nil
	}

	if err := e.reconcile(ctx, s, local, fillTime, remoteDoc, ""); err != nil {
		e.finishSync(start, trigger, userID, false, err)
		return err
	}
	e.finishSync(start, trigger, userID, true, nil)
	return nil
}

// finishSync records the sync outcome to the event log and security sink.
func (e *Engine) finishSync(start time.Time, trigger models.SyncTrigger, userID string, success bool, err error) {
	ev := models.SyncEvent{
		Type:     models.EventSyncComplete,
		Trigger:  trigger,
		UserID:   userID,
		Entity:   "settings",
		Success:  success,
		Duration: e.now().Sub(start),
	}
	details := map[string]string{"trigger": string(trigger)}
	if err != nil {
		ev.ErrorMessage = err.Error()
		details["error"] = err.Error()
	}
	e.recordEvent(ev)
	e.sink.LogSecurityEvent("sync_complete", userID, success, details)
}

// reconcile merges a fetched or delivered remote document with local state.
// sourceDevice is set when the document arrived over the subscription.
func (e *Engine) reconcile(ctx context.Context, s *session, local *models.SettingsDocument, fillTime time.Time, remoteDoc *models.SettingsDocument, sourceDevice string) error {
	s.mu.Lock()
	userID := s.info.UserID
	s.mu.Unlock()

	switch {
	case remoteDoc == nil && local == nil:
		return nil
	case remoteDoc == nil:
		// Nothing upstream yet; seed the store with the local copy.
		return e.push(ctx, s, local)
	case local == nil:
		// No local copy means no conflict; the remote value is adopted.
		e.adopt(s, remoteDoc)
		return nil
	}

	rec := e.detector.Detect(local, fillTime, remoteDoc, sourceDevice)
	if rec == nil {
		if local.UpdatedAt.After(remoteDoc.UpdatedAt) {
			return e.push(ctx, s, local)
		}
		e.adopt(s, remoteDoc)
		return nil
	}

	groups := strings.Join(rec.DifferingGroups, ",")
	e.recordEvent(models.SyncEvent{
		Type:     models.EventConflictDetected,
		UserID:   userID,
		Entity:   "settings",
		Success:  true,
		Metadata: map[string]string{"groups": groups, "source_device": sourceDevice},
	})
	e.sink.LogSecurityEvent("conflict_detected", userID, true, map[string]string{"groups": groups})

	if !e.params.AutoResolve {
		s.mu.Lock()
		s.conflicts = append(s.conflicts, *rec)
		s.mu.Unlock()
		slog.Info("conflict queued for manual resolution", "user", userID, "groups", groups)
		return nil
	}

	return e.applyResolution(ctx, s, conflict.ResolveAuto(rec), rec)
}

// applyResolution adopts the winning document locally and, when the local
// side won, writes it back through the store so other devices converge.
func (e *Engine) applyResolution(ctx context.Context, s *session, res conflict.Resolution, rec *models.ConflictRecord) error {
	s.mu.Lock()
	userID := s.info.UserID
	s.mu.Unlock()

	var err error
	if res.Winner == conflict.WinnerRemote {
		e.adopt(s, res.Doc)
	} else {
		err = e.push(ctx, s, res.Doc)
	}

	groups := strings.Join(rec.DifferingGroups, ",")
	e.recordEvent(models.SyncEvent{
		Type:    models.EventConflictResolved,
		UserID:  userID,
		Entity:  "settings",
		Success: err == nil,
		Metadata: map[string]string{
			"winner": string(res.Winner),
			"auto":   fmt.Sprintf("%t", res.Auto),
			"groups": groups,
		},
	})
	e.sink.LogSecurityEvent("conflict_resolved", userID, err == nil, map[string]string{
		"winner": string(res.Winner),
		"groups": groups,
	})
	return err
}

// adopt installs a remote-origin document as the confirmed local state and
// fans it out to listeners.
func (e *Engine) adopt(s *session, doc *models.SettingsDocument) {
	s.mu.Lock()
	userID := s.info.UserID
	s.mu.Unlock()

	doc = doc.Clone()
	e.cache.Put(userID, doc)
	if err := e.db.SaveDocument(doc); err != nil {
		slog.Warn("persist adopted document", "user", userID, "err", err)
	}
	e.bus.Notify(userID, doc)
}

// push writes the local document to the store. On failure the local copy is
// kept; the write retries on the next trigger under breaker discipline.
func (e *Engine) push(ctx context.Context, s *session, doc *models.SettingsDocument) error {
	s.mu.Lock()
	userID, tenantID := s.info.UserID, s.info.TenantID
	s.mu.Unlock()

	doc = doc.Clone()
	doc.TenantID, doc.UserID = tenantID, userID
	lastSynced := doc.LastSyncedAt
	doc.LastSyncedAt = doc.UpdatedAt

	err := e.breaker.Do(userID, func() error {
		return e.store.Upsert(ctx, tenantID, userID, doc, e.deviceID)
	})
	if err != nil {
		// The write never reached the store, so the durable row must not
		// record it as synced.
		doc.LastSyncedAt = lastSynced
		e.cache.Put(userID, doc)
		if serr := e.db.SaveDocument(doc); serr != nil {
			slog.Warn("persist local document", "user", userID, "err", serr)
		}
		return fmt.Errorf("push %s: %w", userID, err)
	}

	e.cache.Put(userID, doc)
	if serr := e.db.SaveDocument(doc); serr != nil {
		slog.Warn("persist local document", "user", userID, "err", serr)
	}
	e.bus.Notify(userID, doc)
	return nil
}

// applyRemote reconciles a document delivered over the subscription channel,
// under the same idle/syncing gate as a full sync.
func (e *Engine) applyRemote(ctx context.Context, s *session, doc *models.SettingsDocument, sourceDevice string) {
	s.mu.Lock()
	userID, tenantID := s.info.UserID, s.info.TenantID
	s.mu.Unlock()

	err := e.withGate(ctx, s, models.TriggerPeriodic, func(token string) error {
		if terr := e.trust.Require(userID, e.deviceID, models.TrustBasic); terr != nil {
			return terr
		}
		local, fillTime, cached := e.cache.GetEntry(userID)
		if !cached {
			if stored, derr := e.db.LoadDocument(tenantID, userID); derr == nil && stored != nil {
				local = stored
				fillTime = stored.LastSyncedAt
			}
		}
		if !e.sessionAlive(userID, token) {
			return nil
		}
		return e.reconcile(ctx, s, local, fillTime, doc, sourceDevice)
	})
	if err != nil {
		slog.Warn("apply subscribed change", "user", userID, "err", err)
	}
}
