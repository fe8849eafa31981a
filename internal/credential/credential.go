// Package credential resolves layered secrets (API keys, agent identifiers)
// by priority: user override, tenant shared, system default, builtin. Each
// layer is independently stored and independently overridable. A layer that
// holds an explicit blank resolves to "" rather than falling through, so a
// user can intentionally clear a credential without a lower layer's value
// leaking back in.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marlowe/crmsync/internal/breaker"
	"github.com/marlowe/crmsync/internal/localdb"
	"github.com/marlowe/crmsync/internal/models"
	"github.com/marlowe/crmsync/internal/trust"
)

// ErrNotFound is returned when no layer, including builtin, holds a value.
var ErrNotFound = errors.New("credential not found in any layer")

// RemoteLayers fetches a single credential layer from the remote store.
// found=false means the layer holds no record at all, which causes
// fallthrough; found=true with value "" is an explicit blank.
type RemoteLayers interface {
	FetchCredential(ctx context.Context, tenantID, userID string, layer models.CredentialLayer, name string) (value string, found bool, err error)
}

// Resolver reads and writes layered credentials. Values are sealed with the
// device key before touching the local store; remote layer reads go through
// the circuit breaker. Reading or writing credentials requires the device to
// hold at least trusted level.
type Resolver struct {
	db      *localdb.DB
	sealer  *Sealer
	trust   *trust.Registry
	breaker *breaker.Breaker
	remote  RemoteLayers
	builtin map[string]string
}

// NewResolver wires a Resolver over the local store. builtin holds the
// hardcoded last-resort defaults keyed by credential name; it may be nil.
func NewResolver(db *localdb.DB, sealer *Sealer, reg *trust.Registry, brk *breaker.Breaker, builtin map[string]string) *Resolver {
	return &Resolver{
		db:      db,
		sealer:  sealer,
		trust:   reg,
		breaker: brk,
		builtin: builtin,
	}
}

// SetRemote attaches the remote layer source. Without one, resolution is
// local-only (sealed cache plus builtin).
func (r *Resolver) SetRemote(remote RemoteLayers) {
	r.remote = remote
}

// Set stores a value at one layer for a user. An empty value records an
// explicit blank, not an absence.
func (r *Resolver) Set(userID, deviceID string, layer models.CredentialLayer, name, value string) error {
	if err := r.trust.Require(userID, deviceID, models.TrustTrusted); err != nil {
		return err
	}
	sealed, err := r.sealer.Seal(value)
	if err != nil {
		return err
	}
	return r.db.SaveSealedCredential(userID, layer, name, sealed, true)
}

// Remove deletes the record at one layer entirely so resolution falls
// through to the next layer. To clear a credential without fallthrough,
// use Set with an empty value instead.
func (r *Resolver) Remove(userID, deviceID string, layer models.CredentialLayer, name string) error {
	if err := r.trust.Require(userID, deviceID, models.TrustTrusted); err != nil {
		return err
	}
	return r.db.DeleteSealedCredential(userID, layer, name)
}

// Resolve walks the layers in priority order and returns the first value
// found, along with the layer that supplied it. Locally sealed records take
// precedence over remote reads for the same layer; remote reads are cached
// in the sealed store on success.
func (r *Resolver) Resolve(ctx context.Context, tenantID, userID, deviceID, name string) (string, models.CredentialLayer, error) {
	if err := r.trust.Require(userID, deviceID, models.TrustTrusted); err != nil {
		return "", "", err
	}

	for _, layer := range models.Layers {
		if layer == models.LayerBuiltin {
			if v, ok := r.builtin[name]; ok {
				return v, models.LayerBuiltin, nil
			}
			continue
		}

		value, found, err := r.localLayer(userID, layer, name)
		if err != nil {
			return "", "", err
		}
		if !found && r.remote != nil {
			value, found = r.remoteLayer(ctx, tenantID, userID, layer, name)
		}
		if found {
			return value, layer, nil
		}
	}
	return "", "", fmt.Errorf("%s for user %s: %w", name, userID, ErrNotFound)
}

// localLayer reads one layer from the sealed store. A sealed value that no
// longer decrypts (device key changed) is discarded so the layer can be
// repopulated from remote.
func (r *Resolver) localLayer(userID string, layer models.CredentialLayer, name string) (string, bool, error) {
	sealed, present, found, err := r.db.LoadSealedCredential(userID, layer, name)
	if err != nil {
		return "", false, err
	}
	if !found || !present {
		return "", false, nil
	}
	value, err := r.sealer.Open(sealed)
	if err != nil {
		slog.Warn("discarding unreadable sealed credential", "layer", layer, "name", name, "err", err)
		if derr := r.db.DeleteSealedCredential(userID, layer, name); derr != nil {
			slog.Warn("delete unreadable credential", "layer", layer, "name", name, "err", derr)
		}
		return "", false, nil
	}
	return value, true, nil
}

// remoteLayer fetches one layer through the circuit breaker. A transient
// failure or an open circuit is treated as the layer being absent so
// resolution can continue on lower layers.
func (r *Resolver) remoteLayer(ctx context.Context, tenantID, userID string, layer models.CredentialLayer, name string) (string, bool) {
	var (
		value string
		found bool
	)
	err := r.breaker.Do(userID, func() error {
		var err error
		value, found, err = r.remote.FetchCredential(ctx, tenantID, userID, layer, name)
		return err
	})
	if err != nil {
		if !errors.Is(err, breaker.ErrCircuitOpen) {
			slog.Warn("remote credential layer unavailable", "layer", layer, "name", name, "err", err)
		}
		return "", false
	}
	if !found {
		return "", false
	}

	if sealed, err := r.sealer.Seal(value); err == nil {
		if err := r.db.SaveSealedCredential(userID, layer, name, sealed, true); err != nil {
			slog.Warn("cache remote credential", "layer", layer, "name", name, "err", err)
		}
	}
	return value, true
}

// Wipe discards every sealed credential for a user. Wired to the trust
// registry's revoke callback and to logout cleanup.
func (r *Resolver) Wipe(userID string) error {
	return r.db.WipeSealedCredentials(userID)
}
