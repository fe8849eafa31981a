package engine

import (
	"context"
	"fmt"

	"github.com/marlowe/crmsync/internal/conflict"
	"github.com/marlowe/crmsync/internal/models"
)

// PendingConflicts returns copies of the conflicts queued for manual
// resolution, oldest first. Only populated when auto-resolution is off.
func (e *Engine) PendingConflicts(userID string) []models.ConflictRecord {
	s := e.session(userID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ConflictRecord, len(s.conflicts))
	copy(out, s.conflicts)
	return out
}

// ResolvePending resolves the oldest queued conflict with an explicit
// choice. For Merge the caller supplies the merged document. The record is
// discarded only after the resolution is applied.
func (e *Engine) ResolvePending(ctx context.Context, userID string, choice models.ResolutionChoice, merged *models.SettingsDocument) error {
	s := e.session(userID)
	if s == nil {
		return fmt.Errorf("user %s: %w", userID, ErrNoSession)
	}

	s.mu.Lock()
	if len(s.conflicts) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("user %s: %w", userID, ErrNoPendingConflict)
	}
	rec := s.conflicts[0]
	s.mu.Unlock()

	res, err := conflict.ResolveManual(&rec, choice, merged)
	if err != nil {
		return err
	}

	err = e.withGate(ctx, s, models.TriggerManual, func(token string) error {
		if !e.sessionAlive(userID, token) {
			return nil
		}
		return e.applyResolution(ctx, s, res, &rec)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if len(s.conflicts) > 0 {
		s.conflicts = s.conflicts[1:]
	}
	s.mu.Unlock()
	return nil
}
