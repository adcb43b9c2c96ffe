package index

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// CreateResource inserts a resource row and stamps its tag signature.
// Public-id uniqueness per level is enforced by the schema.
func (t *Tx) CreateResource(publicID string, level types.Level) (int64, error) {
	if !types.IsValidLevel(level) {
		return 0, fmt.Errorf("level %q: %w", level, types.ErrParameterOutOfRange)
	}
	res, err := t.tx.Exec(
		"INSERT INTO resources (public_id, level, created_at) VALUES (?, ?, ?)",
		publicID, string(level), t.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("creating resource: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("resource id: %w", err)
	}
	if err := t.SetMetadata(id, types.MetaMainDicomTagsSignature, TagSignature(level)); err != nil {
		return 0, err
	}
	return id, nil
}

// LookupResource finds a resource by public id at any level.
func (t *Tx) LookupResource(publicID string) (int64, types.Level, error) {
	var id int64
	var level string
	err := t.tx.QueryRow(
		"SELECT internal_id, level FROM resources WHERE public_id = ?", publicID).
		Scan(&id, &level)
	if err == sql.ErrNoRows {
		return 0, "", fmt.Errorf("resource %s: %w", publicID, types.ErrUnknownResource)
	}
	if err != nil {
		return 0, "", fmt.Errorf("looking up resource: %w", err)
	}
	return id, types.Level(level), nil
}

// GetResource reads one resource row by internal id.
func (t *Tx) GetResource(internalID int64) (*types.Resource, error) {
	var r types.Resource
	var level, createdAt string
	var parent sql.NullInt64
	err := t.tx.QueryRow(
		"SELECT internal_id, public_id, level, parent_id, created_at FROM resources WHERE internal_id = ?",
		internalID).Scan(&r.InternalID, &r.PublicID, &level, &parent, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resource %d: %w", internalID, types.ErrUnknownResource)
	}
	if err != nil {
		return nil, fmt.Errorf("reading resource: %w", err)
	}
	r.Level = types.Level(level)
	if parent.Valid {
		p := parent.Int64
		r.ParentID = &p
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &r, nil
}

// AttachChild points child at parent. The child list of a resource is the
// set of rows whose parent_id targets it; there is no second copy to keep
// consistent.
func (t *Tx) AttachChild(parentID, childID int64) error {
	res, err := t.tx.Exec(
		"UPDATE resources SET parent_id = ? WHERE internal_id = ?", parentID, childID)
	if err != nil {
		return fmt.Errorf("attaching child: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("resource %d: %w", childID, types.ErrUnknownResource)
	}
	return nil
}

// GetParent returns the parent internal id, or false for patients.
func (t *Tx) GetParent(internalID int64) (int64, bool, error) {
	var parent sql.NullInt64
	err := t.tx.QueryRow(
		"SELECT parent_id FROM resources WHERE internal_id = ?", internalID).Scan(&parent)
	if err == sql.ErrNoRows {
		return 0, false, fmt.Errorf("resource %d: %w", internalID, types.ErrUnknownResource)
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading parent: %w", err)
	}
	if !parent.Valid {
		return 0, false, nil
	}
	return parent.Int64, true, nil
}

// GetChildren returns the internal ids of the direct children, ordered by
// internal id.
func (t *Tx) GetChildren(internalID int64) ([]int64, error) {
	rows, err := t.tx.Query(
		"SELECT internal_id FROM resources WHERE parent_id = ? ORDER BY internal_id", internalID)
	if err != nil {
		return nil, fmt.Errorf("reading children: %w", err)
	}
	defer rows.Close()

	var children []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning child: %w", err)
		}
		children = append(children, id)
	}
	return children, rows.Err()
}

// GetAllPublicIds pages through the public ids at a level, ordered by
// internal id, starting after the since offset.
func (t *Tx) GetAllPublicIds(level types.Level, since, limit int64) ([]string, error) {
	query := "SELECT public_id FROM resources WHERE level = ? AND internal_id > ? ORDER BY internal_id"
	args := []any{string(level), since}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing public ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning public id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteResource removes a resource, its descendants, and any ancestor
// left empty, emitting one Deleted change per removed resource. The
// attachments of every removed resource are returned so the storage area
// can reclaim their blobs after commit.
func (t *Tx) DeleteResource(internalID int64) ([]types.Attachment, error) {
	root, err := t.GetResource(internalID)
	if err != nil {
		return nil, err
	}

	// Collect the subtree, depth first so children are deleted before
	// their parents.
	var subtree []int64
	var walk func(id int64) error
	walk = func(id int64) error {
		children, err := t.GetChildren(id)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := walk(c); err != nil {
				return err
			}
		}
		subtree = append(subtree, id)
		return nil
	}
	if err := walk(internalID); err != nil {
		return nil, err
	}

	var removed []types.Attachment
	for _, id := range subtree {
		atts, err := t.ListAttachments(id)
		if err != nil {
			return nil, err
		}
		removed = append(removed, atts...)
		if err := t.deleteResourceRow(id); err != nil {
			return nil, err
		}
	}

	// Ascend: delete ancestors that became empty.
	parent := root.ParentID
	for parent != nil {
		children, err := t.GetChildren(*parent)
		if err != nil {
			return nil, err
		}
		if len(children) > 0 {
			break
		}
		res, err := t.GetResource(*parent)
		if err != nil {
			return nil, err
		}
		atts, err := t.ListAttachments(*parent)
		if err != nil {
			return nil, err
		}
		removed = append(removed, atts...)
		if err := t.deleteResourceRow(*parent); err != nil {
			return nil, err
		}
		parent = res.ParentID
	}

	return removed, nil
}

// deleteResourceRow removes one resource and its dependent rows, then
// logs the Deleted change.
func (t *Tx) deleteResourceRow(id int64) error {
	res, err := t.GetResource(id)
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		"DELETE FROM main_dicom_tags WHERE internal_id = ?",
		"DELETE FROM identifier_tags WHERE internal_id = ?",
		"DELETE FROM metadata WHERE internal_id = ?",
		"DELETE FROM attachments WHERE internal_id = ?",
		"DELETE FROM protected_patients WHERE internal_id = ?",
		"DELETE FROM resources WHERE internal_id = ?",
	} {
		if _, err := t.tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("deleting resource %d: %w", id, err)
		}
	}
	return t.LogChange(types.ChangeDeleted, res.Level, res.PublicID)
}

// IsProtectedPatient reports whether the patient is excluded from
// recycling.
func (t *Tx) IsProtectedPatient(internalID int64) (bool, error) {
	var one int
	err := t.tx.QueryRow(
		"SELECT 1 FROM protected_patients WHERE internal_id = ?", internalID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading protection: %w", err)
	}
	return true, nil
}

// SetProtected toggles the recycling protection flag on a patient.
func (t *Tx) SetProtected(internalID int64, protected bool) error {
	res, err := t.GetResource(internalID)
	if err != nil {
		return err
	}
	if res.Level != types.LevelPatient {
		return fmt.Errorf("protection on %s: %w", res.Level, types.ErrParameterOutOfRange)
	}
	if protected {
		_, err = t.tx.Exec(
			"INSERT OR IGNORE INTO protected_patients (internal_id) VALUES (?)", internalID)
	} else {
		_, err = t.tx.Exec(
			"DELETE FROM protected_patients WHERE internal_id = ?", internalID)
	}
	if err != nil {
		return fmt.Errorf("setting protection: %w", err)
	}
	return nil
}

// SelectPatientToRecycle picks the unprotected patient with the oldest
// LastUpdate, ties broken by ascending internal id, skipping avoidID.
// Returns false when no victim exists.
func (t *Tx) SelectPatientToRecycle(avoidID int64) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRow(`
		SELECT r.internal_id FROM resources r
		LEFT JOIN metadata m ON m.internal_id = r.internal_id AND m.kind = ?
		WHERE r.level = ?
		  AND r.internal_id != ?
		  AND r.internal_id NOT IN (SELECT internal_id FROM protected_patients)
		ORDER BY m.value ASC, r.internal_id ASC
		LIMIT 1`,
		string(types.MetaLastUpdate), string(types.LevelPatient), avoidID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("selecting recycling victim: %w", err)
	}
	return id, true, nil
}

// Statistics summarizes the index contents.
type Statistics struct {
	Counts           map[types.Level]int64 `json:"counts"`
	CompressedSize   int64                 `json:"compressedSize"`
	UncompressedSize int64                 `json:"uncompressedSize"`
}

// GetStatistics counts resources per level and sums attachment sizes.
func (t *Tx) GetStatistics() (*Statistics, error) {
	stats := &Statistics{Counts: make(map[types.Level]int64, 4)}
	rows, err := t.tx.Query("SELECT level, COUNT(*) FROM resources GROUP BY level")
	if err != nil {
		return nil, fmt.Errorf("counting resources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		stats.Counts[types.Level(level)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = t.tx.QueryRow(
		"SELECT COALESCE(SUM(compressed_size), 0), COALESCE(SUM(uncompressed_size), 0) FROM attachments").
		Scan(&stats.CompressedSize, &stats.UncompressedSize)
	if err != nil {
		return nil, fmt.Errorf("summing attachment sizes: %w", err)
	}
	return stats, nil
}
