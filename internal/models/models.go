package models

import (
	"encoding/json"
	"time"
)

// TrustLevel represents a device's authorization tier
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustBasic     TrustLevel = "basic"
	TrustTrusted   TrustLevel = "trusted"
	TrustVerified  TrustLevel = "verified"
)

// trustRank orders trust levels for comparison. Unknown levels rank below untrusted.
var trustRank = map[TrustLevel]int{
	TrustUntrusted: 0,
	TrustBasic:     1,
	TrustTrusted:   2,
	TrustVerified:  3,
}

// AtLeast reports whether l grants at least the authority of min.
func (l TrustLevel) AtLeast(min TrustLevel) bool {
	return trustRank[l] >= trustRank[min]
}

// Valid reports whether l is one of the four known levels.
func (l TrustLevel) Valid() bool {
	_, ok := trustRank[l]
	return ok
}

// SyncTrigger represents the reason a sync run was started
type SyncTrigger string

const (
	TriggerLogin          SyncTrigger = "login"
	TriggerPeriodic       SyncTrigger = "periodic"
	TriggerManual         SyncTrigger = "manual"
	TriggerSettingsChange SyncTrigger = "settings_change"
	TriggerProfileUpdate  SyncTrigger = "profile_update"
	TriggerLogout         SyncTrigger = "logout"
)

// EventType represents the kind of change/subscription event
type EventType string

const (
	EventDeviceRegistered EventType = "device_registered"
	EventConflictDetected EventType = "conflict_detected"
	EventConflictResolved EventType = "conflict_resolved"
	EventSyncStart        EventType = "sync_start"
	EventSyncComplete     EventType = "sync_complete"
	EventDeviceRevoked    EventType = "device_revoked"
)

// CredentialLayer represents one tier in the credential fallback hierarchy
type CredentialLayer string

const (
	LayerUserOverride  CredentialLayer = "user_override"
	LayerTenantShared  CredentialLayer = "tenant_shared"
	LayerSystemDefault CredentialLayer = "system_default"
	LayerBuiltin       CredentialLayer = "builtin"
)

// Layers is the credential resolution order, highest priority first.
var Layers = []CredentialLayer{LayerUserOverride, LayerTenantShared, LayerSystemDefault, LayerBuiltin}

// ResolutionChoice represents how a manual conflict resolution picks a winner
type ResolutionChoice string

const (
	TakeLocal  ResolutionChoice = "take_local"
	TakeRemote ResolutionChoice = "take_remote"
	Merge      ResolutionChoice = "merge"
)

// SettingsDocument is the per-user configuration synced across devices.
// Invariant: LastSyncedAt <= UpdatedAt.
type SettingsDocument struct {
	TenantID          string                     `json:"tenant_id"`
	UserID            string                     `json:"user_id"`
	SettingGroups     map[string]json.RawMessage `json:"setting_groups"`
	UpdatedAt         time.Time                  `json:"updated_at"`
	LastSyncedAt      time.Time                  `json:"last_synced"`
	DeviceSyncEnabled bool                       `json:"device_sync_enabled"`
}

// Clone returns a deep copy of the document. Nil-safe.
func (d *SettingsDocument) Clone() *SettingsDocument {
	if d == nil {
		return nil
	}
	out := *d
	out.SettingGroups = make(map[string]json.RawMessage, len(d.SettingGroups))
	for k, v := range d.SettingGroups {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out.SettingGroups[k] = cp
	}
	return &out
}

// DeviceRecord describes one registered device of a user.
type DeviceRecord struct {
	DeviceID    string     `json:"device_id"`
	UserID      string     `json:"user_id"`
	Fingerprint string     `json:"fingerprint"`
	DeviceType  string     `json:"device_type"`
	TrustLevel  TrustLevel `json:"trust_level"`
	LastSeen    time.Time  `json:"last_seen"`
	MFAVerified bool       `json:"mfa_verified"`
}

// SyncSession is the ephemeral per-(user,device) login session.
type SyncSession struct {
	Token        string    `json:"token"`
	UserID       string    `json:"user_id"`
	TenantID     string    `json:"tenant_id"`
	DeviceID     string    `json:"device_id"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	SyncEnabled  bool      `json:"sync_enabled"`
	MFAVerified  bool      `json:"mfa_verified"`
}

// ConflictRecord pairs a local and remote version of the same document.
type ConflictRecord struct {
	UserID          string            `json:"user_id"`
	Local           *SettingsDocument `json:"local"`
	Remote          *SettingsDocument `json:"remote"`
	DifferingGroups []string          `json:"differing_groups"`
	DetectedAt      time.Time         `json:"detected_at"`
	SourceDeviceID  string            `json:"source_device_id"`
}

// SyncEvent is an immutable log entry for one attempted or completed sync operation.
type SyncEvent struct {
	ID             string            `json:"id"`
	Type           EventType         `json:"event_type"`
	Trigger        SyncTrigger       `json:"trigger,omitempty"`
	UserID         string            `json:"user_id"`
	SourceDeviceID string            `json:"source_device_id"`
	Entity         string            `json:"entity,omitempty"`
	Success        bool              `json:"success"`
	Duration       time.Duration     `json:"duration,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// CredentialRecord is one layer of a layered secret.
// Present distinguishes "stored as blank" from "no record at this layer":
// a present-but-blank value resolves to "" instead of falling through.
type CredentialRecord struct {
	Layer     CredentialLayer `json:"layer"`
	Name      string          `json:"name"`
	Value     string          `json:"value"`
	Present   bool            `json:"present"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Change is a remote-origin document change delivered over the subscription channel.
type Change struct {
	Seq            int64             `json:"seq"`
	TenantID       string            `json:"tenant_id"`
	UserID         string            `json:"user_id"`
	SourceDeviceID string            `json:"source_device_id"`
	Document       *SettingsDocument `json:"document"`
	OccurredAt     time.Time         `json:"occurred_at"`
}
