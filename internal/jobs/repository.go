package jobs

import (
	"github.com/mesh-intelligence/dicomvault/internal/index"
	"github.com/mesh-intelligence/dicomvault/internal/ingest"
	"github.com/mesh-intelligence/dicomvault/internal/storage"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// Repository gives job bodies access to stored instances: reading bytes
// back, re-storing rewritten files, deleting sources and recording
// outbound transfers.
type Repository struct {
	idx      *index.Index
	area     storage.Area
	pipeline *ingest.Pipeline
}

// NewRepository wires the job-facing view over the index, the storage
// area and the ingestion pipeline.
func NewRepository(idx *index.Index, area storage.Area, pipeline *ingest.Pipeline) *Repository {
	return &Repository{idx: idx, area: area, pipeline: pipeline}
}

// ReadInstance returns the original bytes of one stored instance.
func (r *Repository) ReadInstance(publicID string) ([]byte, error) {
	var att *types.Attachment
	err := r.idx.WithTransaction(func(tx *index.Tx) error {
		id, level, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		if level != types.LevelInstance {
			return types.ErrParameterOutOfRange
		}
		att, err = tx.GetAttachment(id, types.AttachmentDicom)
		return err
	})
	if err != nil {
		return nil, err
	}
	blob, err := r.area.Read(att.UUID, att.Type)
	if err != nil {
		return nil, err
	}
	return ingest.Decompress(blob, att.Compression)
}

// ListInstances collects the instance public ids under any resource, in
// internal-id order.
func (r *Repository) ListInstances(publicID string) ([]string, error) {
	var instances []string
	err := r.idx.WithTransaction(func(tx *index.Tx) error {
		rootID, level, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		var walk func(id int64, level types.Level) error
		walk = func(id int64, level types.Level) error {
			if level == types.LevelInstance {
				res, err := tx.GetResource(id)
				if err != nil {
					return err
				}
				instances = append(instances, res.PublicID)
				return nil
			}
			children, err := tx.GetChildren(id)
			if err != nil {
				return err
			}
			child, _ := level.Child()
			for _, c := range children {
				if err := walk(c, child); err != nil {
					return err
				}
			}
			return nil
		}
		return walk(rootID, level)
	})
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// Store ingests a rewritten file, tagging its origin.
func (r *Repository) Store(data []byte, origin types.Origin) (*ingest.Result, error) {
	return r.pipeline.StoreInstance(ingest.Instance{Data: data, Origin: origin})
}

// Delete removes a resource and reclaims the blobs of every deleted
// attachment.
func (r *Repository) Delete(publicID string) error {
	var removed []types.Attachment
	err := r.idx.WithTransaction(func(tx *index.Tx) error {
		id, _, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		removed, err = tx.DeleteResource(id)
		return err
	})
	if err != nil {
		return err
	}
	for _, a := range removed {
		r.area.Remove(a.UUID, a.Type)
	}
	return nil
}

// SetMetadata stamps one metadata entry on a resource.
func (r *Repository) SetMetadata(publicID string, kind types.MetadataKind, value string) error {
	return r.idx.WithTransaction(func(tx *index.Tx) error {
		id, _, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		return tx.SetMetadata(id, kind, value)
	})
}

// MainTags reads the main-tag dictionary of a resource.
func (r *Repository) MainTags(publicID string) (map[types.Tag]string, error) {
	var tags map[types.Tag]string
	err := r.idx.WithTransaction(func(tx *index.Tx) error {
		id, _, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		tags, err = tx.GetMainDicomTags(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// ParentMainTags reads the main-tag dictionary of a resource's parent.
func (r *Repository) ParentMainTags(publicID string) (map[types.Tag]string, error) {
	var tags map[types.Tag]string
	err := r.idx.WithTransaction(func(tx *index.Tx) error {
		id, _, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		parent, ok, err := tx.GetParent(id)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrUnknownResource
		}
		tags, err = tx.GetMainDicomTags(parent)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// RecordExport appends one outbound transfer to the audit log.
func (r *Repository) RecordExport(e types.ExportedResource) error {
	return r.idx.WithTransaction(func(tx *index.Tx) error {
		return tx.LogExportedResource(e)
	})
}

// LogChange appends a change for a resource, used by modification jobs
// to announce rewritten studies.
func (r *Repository) LogChange(kind types.ChangeKind, level types.Level, publicID string) error {
	return r.idx.WithTransaction(func(tx *index.Tx) error {
		return tx.LogChange(kind, level, publicID)
	})
}
