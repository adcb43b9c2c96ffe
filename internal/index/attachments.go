package index

import (
	"database/sql"
	"fmt"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// AddAttachment registers an attachment record. At most one attachment
// exists per (resource, content type); a second Add fails with
// ErrAlreadyExisting.
func (t *Tx) AddAttachment(internalID int64, a types.Attachment) error {
	var one int
	err := t.tx.QueryRow(
		"SELECT 1 FROM attachments WHERE internal_id = ? AND content_type = ?",
		internalID, string(a.Type)).Scan(&one)
	if err == nil {
		return fmt.Errorf("attachment %s on %d: %w", a.Type, internalID, types.ErrAlreadyExisting)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("checking attachment: %w", err)
	}

	_, err = t.tx.Exec(`
		INSERT INTO attachments
			(internal_id, content_type, uuid, compressed_size, uncompressed_size, compression, md5, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		internalID, string(a.Type), a.UUID, a.CompressedSize, a.UncompressedSize,
		string(a.Compression), nullable(a.MD5), a.Revision)
	if err != nil {
		return fmt.Errorf("adding attachment: %w", err)
	}
	return nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// GetAttachment reads the attachment of one content type.
func (t *Tx) GetAttachment(internalID int64, contentType types.AttachmentType) (*types.Attachment, error) {
	var a types.Attachment
	var compression, ct string
	var md5 sql.NullString
	err := t.tx.QueryRow(`
		SELECT uuid, content_type, compressed_size, uncompressed_size, compression, md5, revision
		FROM attachments WHERE internal_id = ? AND content_type = ?`,
		internalID, string(contentType)).
		Scan(&a.UUID, &ct, &a.CompressedSize, &a.UncompressedSize, &compression, &md5, &a.Revision)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("attachment %s: %w", contentType, types.ErrInexistentItem)
	}
	if err != nil {
		return nil, fmt.Errorf("reading attachment: %w", err)
	}
	a.Type = types.AttachmentType(ct)
	a.Compression = types.CompressionKind(compression)
	if md5.Valid {
		a.MD5 = md5.String
	}
	return &a, nil
}

// ListAttachments reads every attachment of a resource.
func (t *Tx) ListAttachments(internalID int64) ([]types.Attachment, error) {
	rows, err := t.tx.Query(`
		SELECT uuid, content_type, compressed_size, uncompressed_size, compression, md5, revision
		FROM attachments WHERE internal_id = ? ORDER BY content_type`, internalID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	defer rows.Close()

	var all []types.Attachment
	for rows.Next() {
		var a types.Attachment
		var compression, ct string
		var md5 sql.NullString
		if err := rows.Scan(&a.UUID, &ct, &a.CompressedSize, &a.UncompressedSize,
			&compression, &md5, &a.Revision); err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		a.Type = types.AttachmentType(ct)
		a.Compression = types.CompressionKind(compression)
		if md5.Valid {
			a.MD5 = md5.String
		}
		all = append(all, a)
	}
	return all, rows.Err()
}

// DeleteAttachment removes one attachment record, returning it so the
// storage blob can be reclaimed after commit.
func (t *Tx) DeleteAttachment(internalID int64, contentType types.AttachmentType) (*types.Attachment, error) {
	a, err := t.GetAttachment(internalID, contentType)
	if err != nil {
		return nil, err
	}
	if _, err := t.tx.Exec(
		"DELETE FROM attachments WHERE internal_id = ? AND content_type = ?",
		internalID, string(contentType)); err != nil {
		return nil, fmt.Errorf("deleting attachment: %w", err)
	}
	return a, nil
}
