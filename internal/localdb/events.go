package localdb

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marlowe/crmsync/internal/models"
)

// AppendSyncEvent writes one entry to the append-only sync event log.
// An empty ID or timestamp is filled in.
func (db *DB) AppendSyncEvent(ev models.SyncEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var metadata any
	if len(ev.Metadata) > 0 {
		data, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		metadata = string(data)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`
		INSERT INTO sync_events (id, event_type, trigger, user_id, source_device_id, entity, success, duration_ms, error_message, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), string(ev.Trigger), ev.UserID, ev.SourceDeviceID,
		ev.Entity, boolToInt(ev.Success), ev.Duration.Milliseconds(),
		ev.ErrorMessage, metadata, ev.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append sync event: %w", err)
	}
	return nil
}

// SyncEventTail returns the last limit events in chronological order
// (oldest first). Used by the status command.
func (db *DB) SyncEventTail(userID string, limit int) ([]models.SyncEvent, error) {
	rows, err := db.conn.Query(`
		SELECT id, event_type, trigger, user_id, source_device_id, entity, success, duration_ms, COALESCE(error_message, ''), metadata, timestamp
		FROM sync_events
		WHERE user_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync events: %w", err)
	}
	defer rows.Close()

	var events []models.SyncEvent
	for rows.Next() {
		var (
			ev                       models.SyncEvent
			evType, trigger, ts      string
			success                  int
			durationMS               int64
			metadata                 []byte
		)
		if err := rows.Scan(&ev.ID, &evType, &trigger, &ev.UserID, &ev.SourceDeviceID,
			&ev.Entity, &success, &durationMS, &ev.ErrorMessage, &metadata, &ts); err != nil {
			return nil, fmt.Errorf("scan sync event: %w", err)
		}
		ev.Type = models.EventType(evType)
		ev.Trigger = models.SyncTrigger(trigger)
		ev.Success = success != 0
		ev.Duration = time.Duration(durationMS) * time.Millisecond
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				ev.Metadata = nil
			}
		}
		if ev.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	// Reverse to chronological order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// PruneSyncEvents deletes rows not in the newest maxRows entries.
func (db *DB) PruneSyncEvents(maxRows int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`
		DELETE FROM sync_events WHERE id NOT IN (
			SELECT id FROM sync_events ORDER BY timestamp DESC, id DESC LIMIT ?
		)`, maxRows)
	return err
}
