package cmd

import (
	"context"
	"fmt"

	"github.com/marlowe/crmsync/internal/audit"
	"github.com/marlowe/crmsync/internal/breaker"
	"github.com/marlowe/crmsync/internal/config"
	"github.com/marlowe/crmsync/internal/credential"
	"github.com/marlowe/crmsync/internal/engine"
	"github.com/marlowe/crmsync/internal/localdb"
	"github.com/marlowe/crmsync/internal/remote"
	"github.com/marlowe/crmsync/internal/trust"
)

// clientSession bundles everything an engine-backed command needs for one
// invocation. Close logs the user out and releases the local database.
type clientSession struct {
	eng      *engine.Engine
	reg      *trust.Registry
	db       *localdb.DB
	client   *remote.Client
	creds    *config.AuthCredentials
	deviceID string
}

// requireAuth loads saved login state or fails with a hint.
func requireAuth() (*config.AuthCredentials, error) {
	creds, err := config.LoadAuth()
	if err != nil {
		return nil, err
	}
	if creds == nil || creds.APIKey == "" {
		return nil, fmt.Errorf("not logged in; run 'crmsync login' first")
	}
	return creds, nil
}

// openLocalDB opens the durable local store at its configured path.
func openLocalDB() (*localdb.DB, error) {
	path, err := config.LocalDBPath()
	if err != nil {
		return nil, err
	}
	return localdb.Open(path)
}

// openSession builds the full client stack and logs the saved user in,
// which performs the initial fetch-and-reconcile. The local trust record is
// raised to whatever level the server already granted this device.
func openSession(ctx context.Context, params config.Params) (*clientSession, error) {
	creds, err := requireAuth()
	if err != nil {
		return nil, err
	}

	db, err := openLocalDB()
	if err != nil {
		return nil, err
	}

	fingerprint := trust.Fingerprint()
	deviceID, err := db.DeviceIdentity(fingerprint)
	if err != nil {
		db.Close()
		return nil, err
	}

	client := remote.NewClient(creds.StoreURL, creds.APIKey, deviceID)
	sink := audit.NewLogSink()
	reg := trust.NewRegistry(sink)

	sealer, err := credential.NewSealer(deviceID, fingerprint)
	if err != nil {
		db.Close()
		return nil, err
	}
	resolver := credential.NewResolver(db, sealer, reg, breaker.New(params.MaxRetries, params.BreakerCooldown), params.BuiltinCredentials)
	resolver.SetRemote(client)

	eng := engine.New(engine.Options{
		Store:       client,
		DB:          db,
		Trust:       reg,
		Credentials: resolver,
		Sink:        sink,
		Params:      params,
		DeviceID:    deviceID,
		Fingerprint: fingerprint,
		DeviceType:  "cli",
	})

	if _, err := eng.Login(ctx, creds.TenantID, creds.UserID, creds.MFAVerified); err != nil {
		db.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}

	s := &clientSession{eng: eng, reg: reg, db: db, client: client, creds: creds, deviceID: deviceID}
	s.adoptServerTrust(ctx)
	return s, nil
}

// adoptServerTrust mirrors the server-granted trust level into the local
// registry so trust-gated operations line up with what the server allows.
// Best effort: offline commands keep the login-derived level.
func (s *clientSession) adoptServerTrust(ctx context.Context) {
	recs, err := s.client.ListDevices(ctx, s.creds.UserID)
	if err != nil {
		return
	}
	for _, rec := range recs {
		if rec.DeviceID != s.deviceID {
			continue
		}
		local, ok := s.reg.Get(s.creds.UserID, s.deviceID)
		if ok && rec.TrustLevel.AtLeast(local.TrustLevel) && rec.TrustLevel != local.TrustLevel {
			s.reg.Verify(s.creds.UserID, s.deviceID, rec.TrustLevel)
		}
		return
	}
}

// Close logs out (final sync plus per-user cleanup) and closes the local db.
func (s *clientSession) Close(ctx context.Context) {
	s.eng.Logout(ctx, s.creds.UserID)
	s.db.Close()
}
