package index

import (
	"fmt"
	"strings"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// IdentifierConstraint selects the comparison applied by LookupIdentifier.
type IdentifierConstraint int

// Identifier lookup constraints.
const (
	ConstraintEqual IdentifierConstraint = iota
	ConstraintSmallerOrEqual
	ConstraintGreaterOrEqual
	ConstraintWildcard
)

// SetMainDicomTag upserts one main-tag value for a resource.
func (t *Tx) SetMainDicomTag(internalID int64, tag types.Tag, value string) error {
	_, err := t.tx.Exec(`
		INSERT INTO main_dicom_tags (internal_id, tag_group, tag_element, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(internal_id, tag_group, tag_element) DO UPDATE SET
			value = excluded.value`,
		internalID, tag.Group, tag.Element, value)
	if err != nil {
		return fmt.Errorf("setting main tag %s: %w", tag, err)
	}
	return nil
}

// SetIdentifierTag upserts one identifier-tag value, keyed for range scans.
func (t *Tx) SetIdentifierTag(internalID int64, level types.Level, tag types.Tag, value string) error {
	_, err := t.tx.Exec(`
		INSERT INTO identifier_tags (internal_id, level, tag_group, tag_element, value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(internal_id, tag_group, tag_element) DO UPDATE SET
			value = excluded.value`,
		internalID, string(level), tag.Group, tag.Element, value)
	if err != nil {
		return fmt.Errorf("setting identifier tag %s: %w", tag, err)
	}
	return nil
}

// GetMainDicomTags reads all main tags of a resource.
func (t *Tx) GetMainDicomTags(internalID int64) (map[types.Tag]string, error) {
	rows, err := t.tx.Query(
		"SELECT tag_group, tag_element, value FROM main_dicom_tags WHERE internal_id = ?",
		internalID)
	if err != nil {
		return nil, fmt.Errorf("reading main tags: %w", err)
	}
	defer rows.Close()

	tags := make(map[types.Tag]string)
	for rows.Next() {
		var group, element uint16
		var value string
		if err := rows.Scan(&group, &element, &value); err != nil {
			return nil, fmt.Errorf("scanning main tag: %w", err)
		}
		tags[types.Tag{Group: group, Element: element}] = value
	}
	return tags, rows.Err()
}

// HasConsistentTags compares the stored tag signature against the one
// this process would write. A mismatch means the binary's main-tag set
// changed since the resource was indexed, and its tags should be
// re-derived from the stored Dicom attachment.
func (t *Tx) HasConsistentTags(internalID int64, level types.Level) (bool, error) {
	stored, _, err := t.GetMetadata(internalID, types.MetaMainDicomTagsSignature)
	if err != nil {
		// Resources written before signatures existed count as stale.
		return false, nil
	}
	return stored == TagSignature(level), nil
}

// wildcardToLike translates DICOM wildcard syntax (*, ?) to SQL LIKE.
func wildcardToLike(pattern string) string {
	replacer := strings.NewReplacer(
		`%`, `\%`,
		`_`, `\_`,
		`*`, `%`,
		`?`, `_`,
	)
	return replacer.Replace(pattern)
}

// LookupIdentifier resolves internal ids whose identifier tag matches the
// constraint, ordered by internal id.
func (t *Tx) LookupIdentifier(level types.Level, tag types.Tag, constraint IdentifierConstraint, value string) ([]int64, error) {
	query := "SELECT internal_id FROM identifier_tags WHERE level = ? AND tag_group = ? AND tag_element = ?"
	args := []any{string(level), tag.Group, tag.Element}

	switch constraint {
	case ConstraintEqual:
		query += " AND value = ?"
		args = append(args, value)
	case ConstraintSmallerOrEqual:
		query += " AND value <= ?"
		args = append(args, value)
	case ConstraintGreaterOrEqual:
		query += " AND value >= ?"
		args = append(args, value)
	case ConstraintWildcard:
		query += ` AND value LIKE ? ESCAPE '\'`
		args = append(args, wildcardToLike(value))
	default:
		return nil, fmt.Errorf("constraint %d: %w", constraint, types.ErrParameterOutOfRange)
	}
	query += " ORDER BY internal_id"

	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("identifier lookup: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning identifier match: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
