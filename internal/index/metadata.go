package index

import (
	"database/sql"
	"fmt"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// SetMetadata upserts one metadata entry, bumping its revision on every
// write.
func (t *Tx) SetMetadata(internalID int64, kind types.MetadataKind, value string) error {
	_, err := t.tx.Exec(`
		INSERT INTO metadata (internal_id, kind, value, revision)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(internal_id, kind) DO UPDATE SET
			value = excluded.value,
			revision = metadata.revision + 1`,
		internalID, string(kind), value)
	if err != nil {
		return fmt.Errorf("setting metadata %s: %w", kind, err)
	}
	return nil
}

// GetMetadata reads one metadata value and its revision.
func (t *Tx) GetMetadata(internalID int64, kind types.MetadataKind) (string, int64, error) {
	var value string
	var revision int64
	err := t.tx.QueryRow(
		"SELECT value, revision FROM metadata WHERE internal_id = ? AND kind = ?",
		internalID, string(kind)).Scan(&value, &revision)
	if err == sql.ErrNoRows {
		return "", 0, fmt.Errorf("metadata %s: %w", kind, types.ErrInexistentItem)
	}
	if err != nil {
		return "", 0, fmt.Errorf("reading metadata: %w", err)
	}
	return value, revision, nil
}

// GetAllMetadata reads every metadata entry of a resource.
func (t *Tx) GetAllMetadata(internalID int64) ([]types.Metadata, error) {
	rows, err := t.tx.Query(
		"SELECT kind, value, revision FROM metadata WHERE internal_id = ? ORDER BY kind",
		internalID)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	defer rows.Close()

	var all []types.Metadata
	for rows.Next() {
		var m types.Metadata
		var kind string
		if err := rows.Scan(&kind, &m.Value, &m.Revision); err != nil {
			return nil, fmt.Errorf("scanning metadata: %w", err)
		}
		m.Kind = types.MetadataKind(kind)
		all = append(all, m)
	}
	return all, rows.Err()
}

// DeleteMetadata removes one metadata entry. Missing entries are success.
func (t *Tx) DeleteMetadata(internalID int64, kind types.MetadataKind) error {
	if _, err := t.tx.Exec(
		"DELETE FROM metadata WHERE internal_id = ? AND kind = ?",
		internalID, string(kind)); err != nil {
		return fmt.Errorf("deleting metadata %s: %w", kind, err)
	}
	return nil
}
