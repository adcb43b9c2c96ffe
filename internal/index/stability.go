package index

import (
	"fmt"
	"time"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// ListUnstable returns the resources at a level whose LastUpdate is older
// than cutoff and that have not been marked stable yet. RFC3339 strings
// compare in time order, so the filter runs in SQL.
func (t *Tx) ListUnstable(level types.Level, cutoff time.Time) ([]int64, error) {
	rows, err := t.tx.Query(`
		SELECT r.internal_id FROM resources r
		JOIN metadata m ON m.internal_id = r.internal_id AND m.kind = ?
		WHERE r.level = ?
		  AND m.value < ?
		  AND NOT EXISTS (
			SELECT 1 FROM metadata s
			WHERE s.internal_id = r.internal_id AND s.kind = ?)
		ORDER BY r.internal_id`,
		string(types.MetaLastUpdate), string(level),
		cutoff.UTC().Format(time.RFC3339Nano), string(types.MetaStable))
	if err != nil {
		return nil, fmt.Errorf("listing unstable resources: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning unstable resource: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
