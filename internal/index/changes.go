package index

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// LogChange appends one entry to the change log. The sequence number is
// allocated by the database and never reused; the change is delivered to
// listeners after commit.
func (t *Tx) LogChange(kind types.ChangeKind, level types.Level, publicID string) error {
	date := t.now().UTC()
	res, err := t.tx.Exec(
		"INSERT INTO changes (kind, level, public_id, date) VALUES (?, ?, ?, ?)",
		string(kind), string(level), publicID, date.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("logging change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("change seq: %w", err)
	}
	t.changes = append(t.changes, types.Change{
		Seq:      seq,
		Kind:     kind,
		Level:    level,
		PublicID: publicID,
		Date:     date,
	})
	return nil
}

// GetChanges pages through the change log after sequence number since.
// done is true when the returned page reaches the end of the log.
func (t *Tx) GetChanges(since int64, maxResults int) ([]types.Change, bool, error) {
	if maxResults <= 0 {
		maxResults = 100
	}
	rows, err := t.tx.Query(
		"SELECT seq, kind, level, public_id, date FROM changes WHERE seq > ? ORDER BY seq LIMIT ?",
		since, maxResults+1)
	if err != nil {
		return nil, false, fmt.Errorf("reading changes: %w", err)
	}
	defer rows.Close()

	var changes []types.Change
	for rows.Next() {
		var c types.Change
		var kind, level, date string
		if err := rows.Scan(&c.Seq, &kind, &level, &c.PublicID, &date); err != nil {
			return nil, false, fmt.Errorf("scanning change: %w", err)
		}
		c.Kind = types.ChangeKind(kind)
		c.Level = types.Level(level)
		c.Date, _ = time.Parse(time.RFC3339Nano, date)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	done := true
	if len(changes) > maxResults {
		changes = changes[:maxResults]
		done = false
	}
	return changes, done, nil
}

// LogExportedResource appends one entry to the outbound-transfer audit log.
func (t *Tx) LogExportedResource(e types.ExportedResource) error {
	_, err := t.tx.Exec(`
		INSERT INTO exported_resources
			(level, public_id, remote_modality, patient_id, study_uid, series_uid, sop_uid, date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Level), e.PublicID, e.RemoteModality,
		e.PatientID, e.StudyUID, e.SeriesUID, e.SOPInstanceUID,
		t.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("logging export: %w", err)
	}
	return nil
}

// GetExportedResources pages through the export audit log.
func (t *Tx) GetExportedResources(since int64, maxResults int) ([]types.ExportedResource, bool, error) {
	if maxResults <= 0 {
		maxResults = 100
	}
	rows, err := t.tx.Query(`
		SELECT seq, level, public_id, remote_modality, patient_id, study_uid, series_uid, sop_uid, date
		FROM exported_resources WHERE seq > ? ORDER BY seq LIMIT ?`,
		since, maxResults+1)
	if err != nil {
		return nil, false, fmt.Errorf("reading exports: %w", err)
	}
	defer rows.Close()

	var exports []types.ExportedResource
	for rows.Next() {
		var e types.ExportedResource
		var level, date string
		if err := rows.Scan(&e.Seq, &level, &e.PublicID, &e.RemoteModality,
			&e.PatientID, &e.StudyUID, &e.SeriesUID, &e.SOPInstanceUID, &date); err != nil {
			return nil, false, fmt.Errorf("scanning export: %w", err)
		}
		e.Level = types.Level(level)
		e.Date, _ = time.Parse(time.RFC3339Nano, date)
		exports = append(exports, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	done := true
	if len(exports) > maxResults {
		exports = exports[:maxResults]
		done = false
	}
	return exports, done, nil
}

// SetGlobalProperty upserts one process-wide key/value entry.
func (t *Tx) SetGlobalProperty(key, value string) error {
	_, err := t.tx.Exec(`
		INSERT INTO global_properties (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("setting global property %s: %w", key, err)
	}
	return nil
}

// GetGlobalProperty reads one global property, returning defaultValue
// when the key is absent.
func (t *Tx) GetGlobalProperty(key, defaultValue string) (string, error) {
	var value string
	err := t.tx.QueryRow(
		"SELECT value FROM global_properties WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return defaultValue, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading global property %s: %w", key, err)
	}
	return value, nil
}
