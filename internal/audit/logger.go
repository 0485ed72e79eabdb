// Package audit records preview lifecycle events in a local database so
// operators can reconstruct what happened to an instance after the fact
// (in-memory registry state does not survive a restart).
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EventType represents the type of audit event
type EventType string

const (
	EventPreviewStarted EventType = "preview_started"
	EventPreviewReady   EventType = "preview_ready"
	EventPreviewFailed  EventType = "preview_failed"
	EventPreviewStopped EventType = "preview_stopped"
	EventPreviewCrashed EventType = "preview_crashed"
)

// AuditEvent represents an audit log entry in the database
type AuditEvent struct {
	ID         string `db:"id"`
	EventType  string `db:"event_type"`
	Timestamp  int64  `db:"timestamp"`
	InstanceID string `db:"instance_id"`
	ProjectID  string `db:"project_id"`
	UserID     string `db:"user_id"`
	Port       int    `db:"port"`
	Detail     string `db:"detail"` // Error message or other diagnostic text
}

// Logger handles audit logging for preview lifecycle events
type Logger struct {
	db *sqlx.DB
}

// NewLogger creates a new audit logger instance
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db: db,
	}, nil
}

// DBInit initializes the audit events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS preview_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		instance_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	// Create indexes for common queries
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_preview_events_timestamp ON preview_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_preview_events_instance_id ON preview_events(instance_id)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_preview_events_event_type ON preview_events(event_type)`)
	return err
}

// insertEvent is a helper method to insert an audit event into the database
func (l *Logger) insertEvent(event *AuditEvent) error {
	_, err := l.db.Exec(`
		INSERT INTO preview_events (
			id, event_type, timestamp, instance_id, project_id, user_id, port, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID,
		event.EventType,
		event.Timestamp,
		event.InstanceID,
		event.ProjectID,
		event.UserID,
		event.Port,
		event.Detail,
	)
	return err
}

// LogEvent records a preview lifecycle transition.
func (l *Logger) LogEvent(eventType EventType, instanceID, projectID, userID string, port int, detail string) error {
	event := &AuditEvent{
		ID:         uuid.New().String(),
		EventType:  string(eventType),
		Timestamp:  time.Now().UTC().Unix(),
		InstanceID: instanceID,
		ProjectID:  projectID,
		UserID:     userID,
		Port:       port,
		Detail:     detail,
	}
	return l.insertEvent(event)
}

// GetEventsByInstanceID retrieves audit events for a specific instance
func (l *Logger) GetEventsByInstanceID(instanceID string, limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := l.db.Select(&events,
		"SELECT * FROM preview_events WHERE instance_id = $1 ORDER BY timestamp DESC LIMIT $2",
		instanceID, limit)
	return events, err
}

// GetEventsByType retrieves audit events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := l.db.Select(&events,
		"SELECT * FROM preview_events WHERE event_type = $1 ORDER BY timestamp DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent audit events
func (l *Logger) GetRecentEvents(limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := l.db.Select(&events,
		"SELECT * FROM preview_events ORDER BY timestamp DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes audit events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).Unix()
	result, err := l.db.Exec("DELETE FROM preview_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
