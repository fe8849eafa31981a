// Package remote defines the document store shared by all of a user's
// devices, plus its HTTP and in-memory implementations. The store is the
// only mutable resource devices share; all cross-device coordination is
// message passing through it and its subscription channel.
package remote

import (
	"context"

	"github.com/marlowe/crmsync/internal/models"
)

// Store is the generic document read/write/subscribe interface the sync
// engine works against. Fetch returns (nil, nil) when the user has no
// document yet. Upsert writes carry the originating device id so receivers
// can drop self-originated echoes.
type Store interface {
	Fetch(ctx context.Context, tenantID, userID string) (*models.SettingsDocument, error)
	Upsert(ctx context.Context, tenantID, userID string, doc *models.SettingsDocument, sourceDeviceID string) error

	// Subscribe streams changes for a user that occurred after afterSeq,
	// excluding those originated by excludeDeviceID. The stream ends when
	// ctx is cancelled or Close is called.
	Subscribe(ctx context.Context, tenantID, userID string, afterSeq int64, excludeDeviceID string) (*Subscription, error)
}

// Subscription is a scoped change stream. Callers must Close it (or cancel
// the context passed to Subscribe) to release the underlying resources.
type Subscription struct {
	// Changes delivers remote-origin document changes in seq order. Closed
	// when the subscription ends.
	Changes <-chan models.Change

	cancel context.CancelFunc
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}
