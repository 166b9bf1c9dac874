// Package archive mirrors security events and communication records into
// SQLite for the external warehouse hand-off.
package archive

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/inktrace/inktrace/internal/intel"
)

// Store is a SQLite-backed archive.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the archive database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// Initialize creates tables and indexes.
func (s *Store) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS security_events (
		id              TEXT PRIMARY KEY,
		type            TEXT NOT NULL,
		severity        TEXT NOT NULL,
		description     TEXT NOT NULL,
		agent_id        TEXT,
		agent_name      TEXT,
		threat_score    INTEGER DEFAULT 0,
		timestamp       DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS communications (
		id              TEXT PRIMARY KEY,
		source_id       TEXT NOT NULL,
		target_id       TEXT NOT NULL,
		method          TEXT NOT NULL,
		capability      TEXT,
		status          TEXT NOT NULL,
		size_class      TEXT NOT NULL,
		latency_ms      INTEGER DEFAULT 0,
		timestamp       DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON security_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_agent ON security_events(agent_id);
	CREATE INDEX IF NOT EXISTS idx_events_severity ON security_events(severity);
	CREATE INDEX IF NOT EXISTS idx_comms_timestamp ON communications(timestamp);
	CREATE INDEX IF NOT EXISTS idx_comms_pair ON communications(source_id, target_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close cleanly shuts down the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertEvent archives one security event. Re-inserting an id is a no-op.
func (s *Store) InsertEvent(ev intel.SecurityEvent) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO security_events
		(id, type, severity, description, agent_id, agent_name, threat_score, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), string(ev.Severity), ev.Description,
		nullStr(ev.AgentID), nullStr(ev.AgentName), ev.ThreatScore, ev.Timestamp.UTC(),
	)
	return err
}

// InsertCommunication archives one communication record.
func (s *Store) InsertCommunication(c intel.CommunicationRecord) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO communications
		(id, source_id, target_id, method, capability, status, size_class, latency_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SourceID, c.TargetID, c.Method, nullStr(c.Capability),
		string(c.Status), string(c.SizeClass), c.LatencyMs, c.Timestamp.UTC(),
	)
	return err
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	AgentID  string
	Severity intel.Severity
	Since    time.Time
	Limit    int
}

// ListEvents returns archived events, newest first.
func (s *Store) ListEvents(f EventFilter) ([]intel.SecurityEvent, error) {
	where, args := buildEventWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.db.Query(`SELECT id, type, severity, description, agent_id, agent_name, threat_score, timestamp
		FROM security_events`+where+` ORDER BY timestamp DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []intel.SecurityEvent
	for rows.Next() {
		var ev intel.SecurityEvent
		var typ, severity string
		var agentID, agentName sql.NullString
		if err := rows.Scan(&ev.ID, &typ, &severity, &ev.Description,
			&agentID, &agentName, &ev.ThreatScore, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Type = intel.EventType(typ)
		ev.Severity = intel.Severity(severity)
		ev.AgentID = agentID.String
		ev.AgentName = agentName.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListCommunications returns archived communications, newest first.
func (s *Store) ListCommunications(limit int) ([]intel.CommunicationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, source_id, target_id, method, capability, status, size_class, latency_ms, timestamp
		FROM communications ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comms []intel.CommunicationRecord
	for rows.Next() {
		var c intel.CommunicationRecord
		var capability sql.NullString
		var status, sizeClass string
		if err := rows.Scan(&c.ID, &c.SourceID, &c.TargetID, &c.Method, &capability,
			&status, &sizeClass, &c.LatencyMs, &c.Timestamp); err != nil {
			return nil, err
		}
		c.Capability = capability.String
		c.Status = intel.CommStatus(status)
		c.SizeClass = intel.SizeClass(sizeClass)
		comms = append(comms, c)
	}
	return comms, rows.Err()
}

// PruneOlderThan deletes rows older than the cutoff and returns how many
// were removed across both tables.
func (s *Store) PruneOlderThan(cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"security_events", "communications"} {
		result, err := s.db.Exec("DELETE FROM "+table+" WHERE timestamp < ?", cutoff.UTC())
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, nil
}

func buildEventWhere(f EventFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}
	if len(clauses) == 0 {
		return "", args
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
