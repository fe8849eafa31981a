package serverdb

// serverSchema is the full schema, applied idempotently on open.
const serverSchema = `
CREATE TABLE IF NOT EXISTS settings_documents (
	tenant_id           TEXT NOT NULL,
	user_id             TEXT NOT NULL,
	setting_groups      JSON NOT NULL,
	updated_at          TEXT NOT NULL,
	last_synced         TEXT NOT NULL,
	device_sync_enabled INTEGER NOT NULL DEFAULT 1,
	change_seq          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, user_id)
);

CREATE TABLE IF NOT EXISTS settings_changes (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id        TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	source_device_id TEXT NOT NULL,
	document         JSON NOT NULL,
	occurred_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_changes_user ON settings_changes(tenant_id, user_id, seq);

CREATE TABLE IF NOT EXISTS devices (
	device_id    TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	device_type  TEXT NOT NULL DEFAULT '',
	trust_level  TEXT NOT NULL,
	last_seen    TEXT NOT NULL,
	mfa_verified INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_id);

CREATE TABLE IF NOT EXISTS credentials (
	layer      TEXT NOT NULL,
	tenant_id  TEXT NOT NULL DEFAULT '',
	user_id    TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (layer, tenant_id, user_id, name)
);

CREATE TABLE IF NOT EXISTS security_events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	action    TEXT NOT NULL,
	resource  TEXT NOT NULL,
	success   INTEGER NOT NULL,
	details   JSON,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_events_time ON security_events(timestamp);
`
