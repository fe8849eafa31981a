// Package engine is the sync orchestrator. It owns session lifecycle,
// decides when to sync, and sequences the cache, remote store, conflict
// resolver, trust registry, and notification bus. Sync runs for one user
// are strictly sequential: a trigger arriving mid-run is coalesced into a
// single follow-up run rather than executed in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marlowe/crmsync/internal/audit"
	"github.com/marlowe/crmsync/internal/breaker"
	"github.com/marlowe/crmsync/internal/bus"
	"github.com/marlowe/crmsync/internal/cache"
	"github.com/marlowe/crmsync/internal/config"
	"github.com/marlowe/crmsync/internal/conflict"
	"github.com/marlowe/crmsync/internal/credential"
	"github.com/marlowe/crmsync/internal/localdb"
	"github.com/marlowe/crmsync/internal/models"
	"github.com/marlowe/crmsync/internal/remote"
	"github.com/marlowe/crmsync/internal/trust"
)

var (
	// ErrNoSession is returned for operations on a user with no active session.
	ErrNoSession = errors.New("no active session")

	// ErrSessionActive is returned when logging in a user who already has a
	// session on this device.
	ErrSessionActive = errors.New("session already active")

	// ErrNoPendingConflict is returned by ResolvePending when the queue is empty.
	ErrNoPendingConflict = errors.New("no pending conflict")
)

// Options wires an Engine's collaborators.
type Options struct {
	Store       remote.Store
	DB          *localdb.DB
	Trust       *trust.Registry
	Credentials *credential.Resolver
	Sink        audit.Sink
	Params      config.Params
	DeviceID    string
	Fingerprint string
	DeviceType  string
}

// Engine coordinates sync for every logged-in user on this device.
type Engine struct {
	store remote.Store
	db    *localdb.DB
	trust *trust.Registry
	creds *credential.Resolver
	sink  audit.Sink

	cache    *cache.Cache
	breaker  *breaker.Breaker
	bus      *bus.Bus
	detector *conflict.Detector
	params   config.Params

	deviceID    string
	fingerprint string
	deviceType  string

	mu       sync.Mutex
	sessions map[string]*session

	// now is swappable for tests.
	now func() time.Time
}

// session is the per-(user, device) sync state for one login.
type session struct {
	mu        sync.Mutex
	info      models.SyncSession
	syncing   bool
	pending   models.SyncTrigger
	conflicts []models.ConflictRecord
	cancel    context.CancelFunc
	sub       *remote.Subscription
}

// New creates an Engine. A revoke of this device immediately wipes its
// sealed credentials.
func New(opts Options) *Engine {
	sink := opts.Sink
	if sink == nil {
		sink = audit.Nop{}
	}
	e := &Engine{
		store:       opts.Store,
		db:          opts.DB,
		trust:       opts.Trust,
		creds:       opts.Credentials,
		sink:        sink,
		cache:       cache.New(opts.Params.CacheTTL),
		breaker:     breaker.New(opts.Params.MaxRetries, opts.Params.BreakerCooldown),
		bus:         bus.New(),
		detector:    conflict.NewDetector(opts.Params.SkewThreshold),
		params:      opts.Params,
		deviceID:    opts.DeviceID,
		fingerprint: opts.Fingerprint,
		deviceType:  opts.DeviceType,
		sessions:    make(map[string]*session),
		now:         time.Now,
	}

	if e.trust != nil && e.creds != nil {
		e.trust.OnRevoke(func(userID, deviceID string) {
			if deviceID != e.deviceID {
				return
			}
			if err := e.creds.Wipe(userID); err != nil {
				slog.Error("wipe credentials after revoke", "user", userID, "err", err)
			}
		})
	}
	return e
}

// Login registers or refreshes this device for the user, starts the
// subscription and periodic sync loops, and performs one full
// fetch-and-reconcile. A login sync failure is not fatal: the session comes
// up on local data and heals on the next trigger.
func (e *Engine) Login(ctx context.Context, tenantID, userID string, mfaVerified bool) (*models.SyncSession, error) {
	e.trust.Register(userID, e.deviceID, e.fingerprint, e.deviceType, mfaVerified)

	e.mu.Lock()
	if _, ok := e.sessions[userID]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("user %s: %w", userID, ErrSessionActive)
	}
	now := e.now().UTC()
	s := &session{info: models.SyncSession{
		Token:        uuid.NewString(),
		UserID:       userID,
		TenantID:     tenantID,
		DeviceID:     e.deviceID,
		StartedAt:    now,
		LastActivity: now,
		SyncEnabled:  true,
		MFAVerified:  mfaVerified,
	}}
	sctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	e.sessions[userID] = s
	e.mu.Unlock()

	if err := e.Sync(ctx, userID, models.TriggerLogin); err != nil {
		slog.Warn("login sync failed, starting on local data", "user", userID, "err", err)
	}

	sub, err := e.store.Subscribe(sctx, tenantID, userID, 0, e.deviceID)
	if err != nil {
		slog.Warn("subscription unavailable, relying on periodic sync", "user", userID, "err", err)
	} else {
		s.sub = sub
		go e.consumeChanges(sctx, s, sub)
	}

	go e.periodicLoop(sctx, userID)

	info := s.info
	return &info, nil
}

// Logout performs one final best-effort sync, stops the per-user loops, and
// tears down every per-user registry entry so no state leaks across user
// switches on a shared profile.
func (e *Engine) Logout(ctx context.Context, userID string) error {
	s := e.session(userID)
	if s == nil {
		return fmt.Errorf("user %s: %w", userID, ErrNoSession)
	}

	if err := e.Sync(ctx, userID, models.TriggerLogout); err != nil {
		slog.Warn("final sync on logout failed", "user", userID, "err", err)
	}

	e.mu.Lock()
	delete(e.sessions, userID)
	e.mu.Unlock()

	s.mu.Lock()
	cancel, sub := s.cancel, s.sub
	s.conflicts = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}

	e.cache.Invalidate(userID)
	e.bus.Cleanup(userID)
	e.breaker.Reset(userID)
	e.trust.Cleanup(userID)

	e.sink.LogSecurityEvent("logout", userID, true, map[string]string{"device_id": e.deviceID})
	return nil
}

// Session returns a copy of the active session for a user.
func (e *Engine) Session(userID string) (*models.SyncSession, bool) {
	s := e.session(userID)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	return &info, true
}

func (e *Engine) session(userID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[userID]
}

// sessionAlive reports whether the session that started an operation is
// still the current one. In-flight results are discarded when a logout has
// superseded them.
func (e *Engine) sessionAlive(userID, token string) bool {
	s := e.session(userID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Token == token
}

// consumeChanges applies remote-origin changes from the subscription.
func (e *Engine) consumeChanges(ctx context.Context, s *session, sub *remote.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-sub.Changes:
			if !ok {
				return
			}
			// The store already excludes this device, but a replayed feed
			// may still carry old self-originated entries.
			if ch.SourceDeviceID == e.deviceID || ch.Document == nil {
				continue
			}
			e.applyRemote(ctx, s, ch.Document, ch.SourceDeviceID)
		}
	}
}

// periodicLoop drives timer-based syncs until the session ends.
func (e *Engine) periodicLoop(ctx context.Context, userID string) {
	ticker := time.NewTicker(e.params.PeriodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Sync(ctx, userID, models.TriggerPeriodic); err != nil {
				slog.Debug("periodic sync failed", "user", userID, "err", err)
			}
		}
	}
}

// OnChange registers a listener for confirmed document changes. The
// returned func unsubscribes.
func (e *Engine) OnChange(userID string, fn bus.Listener) func() {
	return e.bus.Subscribe(userID, fn)
}

// History returns the newest limit sync events for a user, oldest first.
func (e *Engine) History(userID string, limit int) ([]models.SyncEvent, error) {
	return e.db.SyncEventTail(userID, limit)
}

// BreakerState reports the circuit state for a user's remote calls.
func (e *Engine) BreakerState(userID string) breaker.Status {
	return e.breaker.State(userID)
}

// Credential resolves a layered credential for the session's tenant.
// Requires an active session and at least trusted device level.
func (e *Engine) Credential(ctx context.Context, userID, name string) (string, models.CredentialLayer, error) {
	s := e.session(userID)
	if s == nil {
		return "", "", fmt.Errorf("user %s: %w", userID, ErrNoSession)
	}
	s.mu.Lock()
	tenantID := s.info.TenantID
	s.mu.Unlock()
	return e.creds.Resolve(ctx, tenantID, userID, e.deviceID, name)
}

// SetCredential seals and stores a credential at one layer on this device.
// An empty value records an explicit blank. Requires trusted level.
func (e *Engine) SetCredential(userID string, layer models.CredentialLayer, name, value string) error {
	return e.creds.Set(userID, e.deviceID, layer, name, value)
}

// RemoveCredential deletes the sealed record at one layer so resolution
// falls through to the next layer. Requires trusted level.
func (e *Engine) RemoveCredential(userID string, layer models.CredentialLayer, name string) error {
	return e.creds.Remove(userID, e.deviceID, layer, name)
}

// recordEvent appends to the durable sync event log. Log failures never
// interrupt orchestration.
func (e *Engine) recordEvent(ev models.SyncEvent) {
	ev.SourceDeviceID = e.deviceID
	ev.Timestamp = e.now().UTC()
	if err := e.db.AppendSyncEvent(ev); err != nil {
		slog.Warn("append sync event", "type", ev.Type, "err", err)
	}
}
