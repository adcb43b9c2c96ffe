package ingest

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/dicomvault/internal/dicom"
	"github.com/mesh-intelligence/dicomvault/internal/index"
	"github.com/mesh-intelligence/dicomvault/internal/storage"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// maxTagValueLen bounds the tag values kept in the index summary.
const maxTagValueLen = 256

// Filter inspects an instance after identity computation and before any
// side effect. Returning false drops the instance with FilteredOut.
type Filter func(summary *dicom.Summary, origin types.Origin) bool

// Instance is one ingestion request: the raw file bytes plus the origin
// descriptor supplied by the acceptor.
type Instance struct {
	Data      []byte
	Origin    types.Origin
	RemoteAET string
	RemoteIP  string
	CalledAET string
	Username  string
}

// Result is the outcome of one ingestion. PublicID identifies the
// instance for Success and AlreadyStored; Chain carries the four public
// ids of its ancestry.
type Result struct {
	Status   types.StoreStatus
	PublicID string
	Chain    index.IdentityChain
}

// Pipeline ingests parsed instances into the index and the storage area.
type Pipeline struct {
	cfg    *types.Config
	area   storage.Area
	idx    *index.Index
	filter Filter
	log    *logrus.Entry
}

// New builds an ingestion pipeline over an open index and storage area.
func New(cfg *types.Config, area storage.Area, idx *index.Index) *Pipeline {
	return &Pipeline{
		cfg:  cfg,
		area: area,
		idx:  idx,
		log:  logrus.WithField("component", "ingest"),
	}
}

// SetFilter installs the incoming-instance filter. Must be called before
// the pipeline starts receiving instances.
func (p *Pipeline) SetFilter(f Filter) {
	p.filter = f
}

// StoreInstance runs the full ingestion of one instance: identity
// derivation, filtering, deduplication, recycling, resource chain
// creation, blob write and change publication. All index writes happen
// in a single transaction; the blob write is rolled back when the
// transaction does not commit.
func (p *Pipeline) StoreInstance(in Instance) (*Result, error) {
	summary, err := dicom.ParseSummary(in.Data, maxTagValueLen)
	if err != nil {
		return nil, err
	}
	patientID, studyUID, seriesUID, sopUID, ok := summary.IdentityChain()
	if !ok {
		return nil, fmt.Errorf("incomplete identity chain: %w", types.ErrBadFileFormat)
	}
	chain := index.DeriveChain(p.idx.Salt(), patientID, studyUID, seriesUID, sopUID)

	if p.filter != nil && !p.filter(summary, in.Origin) {
		p.log.WithField("sop", sopUID).Info("instance rejected by filter")
		return &Result{Status: types.StoreFilteredOut, Chain: chain}, nil
	}

	blob := in.Data
	compression := types.CompressionNone
	if p.cfg.CompressAttachments {
		blob, err = Compress(in.Data)
		if err != nil {
			return nil, err
		}
		compression = types.CompressionGzip
	}
	sum := md5.Sum(in.Data)
	attachment := types.Attachment{
		UUID:             newUUID(),
		Type:             types.AttachmentDicom,
		UncompressedSize: int64(len(in.Data)),
		CompressedSize:   int64(len(blob)),
		Compression:      compression,
		MD5:              hex.EncodeToString(sum[:]),
		Revision:         1,
	}

	if err := p.area.Create(attachment.UUID, blob, types.AttachmentDicom); err != nil {
		return nil, err
	}

	result := &Result{Status: types.StoreSuccess, PublicID: chain.Instance, Chain: chain}
	var reclaim []types.Attachment
	err = p.idx.WithTransaction(func(tx *index.Tx) error {
		reclaim = reclaim[:0]

		existing, _, err := tx.LookupResource(chain.Instance)
		switch {
		case err == nil:
			if p.cfg.StoreMode != types.StoreModeOverwriteDuplicate {
				result.Status = types.StoreAlreadyStored
				return nil
			}
			removed, err := tx.DeleteResource(existing)
			if err != nil {
				return err
			}
			reclaim = append(reclaim, removed...)
		case errors.Is(err, types.ErrUnknownResource):
			// Fresh instance.
		default:
			return err
		}

		removed, err := p.recycle(tx, chain, attachment.CompressedSize)
		if err != nil {
			return err
		}
		reclaim = append(reclaim, removed...)

		instanceID, seriesID, err := p.createChain(tx, chain, summary, in)
		if err != nil {
			return err
		}
		if err := tx.AddAttachment(instanceID, attachment); err != nil {
			return err
		}
		return p.checkCompletedSeries(tx, seriesID, chain.Series)
	})
	if err != nil || result.Status != types.StoreSuccess {
		// The blob never made it into the index; reclaim it.
		if rmErr := p.area.Remove(attachment.UUID, types.AttachmentDicom); rmErr != nil {
			p.log.WithError(rmErr).Warn("orphan blob cleanup failed")
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	for _, a := range reclaim {
		if err := p.area.Remove(a.UUID, a.Type); err != nil {
			p.log.WithField("uuid", a.UUID).WithError(err).Warn("blob reclaim failed")
		}
	}
	return result, nil
}

// recycle deletes least-recently-updated unprotected patients until the
// storage and patient-count quotas admit the incoming instance. The
// patient being ingested is never a victim.
func (p *Pipeline) recycle(tx *index.Tx, chain index.IdentityChain, incoming int64) ([]types.Attachment, error) {
	if p.cfg.MaxStorageSize <= 0 && p.cfg.MaxPatientCount <= 0 {
		return nil, nil
	}

	// The incoming patient may already exist; it must survive recycling.
	var avoid int64
	if id, _, err := tx.LookupResource(chain.Patient); err == nil {
		avoid = id
	} else if !errors.Is(err, types.ErrUnknownResource) {
		return nil, err
	}
	newPatient := avoid == 0

	var reclaim []types.Attachment
	for {
		stats, err := tx.GetStatistics()
		if err != nil {
			return nil, err
		}
		overSize := p.cfg.MaxStorageSize > 0 &&
			stats.CompressedSize+incoming > p.cfg.MaxStorageSize
		patients := stats.Counts[types.LevelPatient]
		if newPatient {
			patients++
		}
		overCount := p.cfg.MaxPatientCount > 0 && patients > p.cfg.MaxPatientCount
		if !overSize && !overCount {
			return reclaim, nil
		}

		victim, ok, err := tx.SelectPatientToRecycle(avoid)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("no recyclable patient: %w", types.ErrFullStorage)
		}
		removed, err := tx.DeleteResource(victim)
		if err != nil {
			return nil, err
		}
		reclaim = append(reclaim, removed...)
	}
}

// createChain materializes the missing part of the patient → instance
// chain, writing main and identifier tags per level, emitting New{Level}
// changes, and stamping the instance metadata. It returns the instance
// and series internal ids.
func (p *Pipeline) createChain(tx *index.Tx, chain index.IdentityChain, summary *dicom.Summary, in Instance) (int64, int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	levels := []types.Level{
		types.LevelPatient, types.LevelStudy, types.LevelSeries, types.LevelInstance,
	}

	var instanceID, seriesID, parent int64
	for _, level := range levels {
		publicID := chain.At(level)
		id, _, err := tx.LookupResource(publicID)
		created := false
		if errors.Is(err, types.ErrUnknownResource) {
			id, err = tx.CreateResource(publicID, level)
			if err != nil {
				return 0, 0, err
			}
			created = true
			if parent != 0 {
				if err := tx.AttachChild(parent, id); err != nil {
					return 0, 0, err
				}
			}
			for _, tag := range types.MainTags[level] {
				value := summary.Get(tag)
				if value == "" {
					continue
				}
				if err := tx.SetMainDicomTag(id, tag, value); err != nil {
					return 0, 0, err
				}
				if types.IsIdentifierTag(level, tag) {
					if err := tx.SetIdentifierTag(id, level, tag, value); err != nil {
						return 0, 0, err
					}
				}
			}
			if err := tx.LogChange(types.NewChangeKind(level), level, publicID); err != nil {
				return 0, 0, err
			}
			if level == types.LevelSeries {
				if expected := summary.Get(types.TagImagesInAcquisition); expected != "" {
					if err := tx.SetMetadata(id, types.MetaExpectedInstances, expected); err != nil {
						return 0, 0, err
					}
				}
			}
		} else if err != nil {
			return 0, 0, err
		}

		// A new descendant resets the stability clock of its ancestors.
		if err := tx.SetMetadata(id, types.MetaLastUpdate, now); err != nil {
			return 0, 0, err
		}
		if !created && level != types.LevelInstance {
			if err := tx.DeleteMetadata(id, types.MetaStable); err != nil {
				return 0, 0, err
			}
		}

		switch level {
		case types.LevelSeries:
			seriesID = id
		case types.LevelInstance:
			instanceID = id
		}
		parent = id
	}

	if err := p.writeInstanceMetadata(tx, instanceID, seriesID, summary, in, now); err != nil {
		return 0, 0, err
	}
	return instanceID, seriesID, nil
}

// writeInstanceMetadata records the provenance of a freshly created
// instance.
func (p *Pipeline) writeInstanceMetadata(tx *index.Tx, instanceID, seriesID int64, summary *dicom.Summary, in Instance, now string) error {
	entries := []struct {
		kind  types.MetadataKind
		value string
	}{
		{types.MetaReceptionDate, now},
		{types.MetaOrigin, string(in.Origin)},
		{types.MetaTransferSyntax, summary.TransferSyntax},
		{types.MetaSopClassUID, summary.Get(types.TagSOPClassUID)},
		{types.MetaRemoteAET, in.RemoteAET},
		{types.MetaRemoteIP, in.RemoteIP},
		{types.MetaCalledAET, in.CalledAET},
		{types.MetaHTTPUsername, in.Username},
	}
	for _, e := range entries {
		if e.value == "" {
			continue
		}
		if err := tx.SetMetadata(instanceID, e.kind, e.value); err != nil {
			return err
		}
	}

	siblings, err := tx.GetChildren(seriesID)
	if err != nil {
		return err
	}
	return tx.SetMetadata(instanceID, types.MetaIndexInSeries, strconv.Itoa(len(siblings)))
}

// checkCompletedSeries emits CompletedSeries when the instance count
// reaches the expected count recorded at series creation.
func (p *Pipeline) checkCompletedSeries(tx *index.Tx, seriesID int64, seriesPublicID string) error {
	expected, _, err := tx.GetMetadata(seriesID, types.MetaExpectedInstances)
	if errors.Is(err, types.ErrInexistentItem) {
		return nil
	}
	if err != nil {
		return err
	}
	want, err := strconv.Atoi(expected)
	if err != nil || want <= 0 {
		return nil
	}
	children, err := tx.GetChildren(seriesID)
	if err != nil {
		return err
	}
	if len(children) == want {
		return tx.LogChange(types.ChangeCompletedSeries, types.LevelSeries, seriesPublicID)
	}
	return nil
}

// newUUID generates a time-ordered blob id.
func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
