package remote

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marlowe/crmsync/internal/models"
)

// subBuffer bounds how far a slow subscriber may fall behind before
// changes are dropped.
const subBuffer = 64

// Memory is an in-process Store. It backs tests and single-process
// deployments where all devices share one process.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]*models.SettingsDocument
	changes []models.Change
	seq     int64

	subs   map[int64]*memSub
	nextID int64

	creds map[string]string

	// failErr, when set, makes Fetch and Upsert fail. Used to exercise
	// the circuit breaker and offline paths.
	failErr error

	now func() time.Time
}

type memSub struct {
	tenantID      string
	userID        string
	excludeDevice string
	ch            chan models.Change
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:  make(map[string]*models.SettingsDocument),
		subs:  make(map[int64]*memSub),
		creds: make(map[string]string),
		now:   time.Now,
	}
}

// SetError makes subsequent Fetch and Upsert calls fail with err. Pass nil
// to restore normal operation.
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func docKey(tenantID, userID string) string {
	return tenantID + "/" + userID
}

// Fetch returns a copy of the stored document, or (nil, nil) when absent.
func (m *Memory) Fetch(_ context.Context, tenantID, userID string) (*models.SettingsDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	return m.docs[docKey(tenantID, userID)].Clone(), nil
}

// Upsert stores a copy of doc, appends a change to the feed, and fans it
// out to live subscribers except the originating device's own.
func (m *Memory) Upsert(_ context.Context, tenantID, userID string, doc *models.SettingsDocument, sourceDeviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}

	stored := doc.Clone()
	m.docs[docKey(tenantID, userID)] = stored

	m.seq++
	change := models.Change{
		Seq:            m.seq,
		TenantID:       tenantID,
		UserID:         userID,
		SourceDeviceID: sourceDeviceID,
		Document:       stored.Clone(),
		OccurredAt:     m.now().UTC(),
	}
	m.changes = append(m.changes, change)

	for _, sub := range m.subs {
		if !sub.matches(change) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			slog.Warn("dropping change for slow subscriber", "user", userID, "seq", change.Seq)
		}
	}
	return nil
}

func (s *memSub) matches(ch models.Change) bool {
	if s.tenantID != ch.TenantID || s.userID != ch.UserID {
		return false
	}
	return s.excludeDevice == "" || s.excludeDevice != ch.SourceDeviceID
}

// Subscribe replays matching changes after afterSeq, then streams new ones
// until ctx is cancelled or the subscription is closed.
func (m *Memory) Subscribe(ctx context.Context, tenantID, userID string, afterSeq int64, excludeDeviceID string) (*Subscription, error) {
	sub := &memSub{
		tenantID:      tenantID,
		userID:        userID,
		excludeDevice: excludeDeviceID,
	}

	m.mu.Lock()
	var backlog []models.Change
	for _, ch := range m.changes {
		if ch.Seq > afterSeq && sub.matches(ch) {
			backlog = append(backlog, ch)
		}
	}
	// The buffer covers the whole replay so filling it here cannot block
	// while the lock is held.
	sub.ch = make(chan models.Change, len(backlog)+subBuffer)
	for _, ch := range backlog {
		sub.ch <- ch
	}
	m.nextID++
	id := m.nextID
	m.subs[id] = sub
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan models.Change)
	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		}()
		for {
			select {
			case ch := <-sub.ch:
				select {
				case out <- ch:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Subscription{Changes: out, cancel: cancel}, nil
}

// LastSeq returns the sequence number of the newest change.
func (m *Memory) LastSeq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

func credKey(tenantID, userID string, layer models.CredentialLayer, name string) string {
	if layer == models.LayerSystemDefault {
		// System defaults are global, not scoped to a tenant or user.
		return string(layer) + "/" + name
	}
	if layer == models.LayerTenantShared {
		return string(layer) + "/" + tenantID + "/" + name
	}
	return string(layer) + "/" + tenantID + "/" + userID + "/" + name
}

// SetCredential stores one credential layer. An empty value is an explicit
// blank, not an absence.
func (m *Memory) SetCredential(tenantID, userID string, layer models.CredentialLayer, name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[credKey(tenantID, userID, layer, name)] = value
}

// DeleteCredential removes one credential layer record entirely.
func (m *Memory) DeleteCredential(tenantID, userID string, layer models.CredentialLayer, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, credKey(tenantID, userID, layer, name))
}

// FetchCredential implements the credential layer source.
func (m *Memory) FetchCredential(_ context.Context, tenantID, userID string, layer models.CredentialLayer, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return "", false, m.failErr
	}
	v, ok := m.creds[credKey(tenantID, userID, layer, name)]
	return v, ok, nil
}
