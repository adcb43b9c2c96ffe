package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/dicomvault/internal/archive"
	"github.com/mesh-intelligence/dicomvault/internal/index"
	"github.com/mesh-intelligence/dicomvault/internal/ingest"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// Handlers holds the HTTP handlers and their collaborators.
type Handlers struct {
	deps Deps
	log  *logrus.Entry
}

// NewHandlers builds the handler set.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, log: logrus.WithField("component", "api")}
}

// System answers the liveness probe.
func (h *Handlers) System(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"name":       "dicomvault",
		"apiVersion": "1",
	})
}

// StoreInstance ingests one DICOM file posted as the request body.
func (h *Handlers) StoreInstance(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil || len(data) == 0 {
		respondError(w, http.StatusBadRequest, "empty or unreadable body")
		return
	}

	result, err := h.deps.Pipeline.StoreInstance(ingest.Instance{
		Data:     data,
		Origin:   types.OriginRestAPI,
		RemoteIP: r.RemoteAddr,
		Username: r.Header.Get("X-Username"),
	})
	if err != nil {
		respondMappedError(w, err)
		return
	}

	switch result.Status {
	case types.StoreSuccess, types.StoreAlreadyStored:
		respond(w, http.StatusOK, map[string]string{
			"ID":            result.PublicID,
			"Status":        string(result.Status),
			"Path":          "/instances/" + result.PublicID,
			"ParentPatient": result.Chain.Patient,
			"ParentStudy":   result.Chain.Study,
			"ParentSeries":  result.Chain.Series,
		})
	case types.StoreFilteredOut:
		respondError(w, http.StatusForbidden, "rejected by the incoming-instance filter")
	default:
		respondError(w, http.StatusInternalServerError, string(result.Status))
	}
}

// resourceInfo is the JSON shape of one indexed resource.
type resourceInfo struct {
	ID            string            `json:"id"`
	Type          types.Level       `json:"type"`
	MainDicomTags map[string]string `json:"mainDicomTags"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Parent        string            `json:"parent,omitempty"`
	Children      []string          `json:"children,omitempty"`
	IsProtected   *bool             `json:"isProtected,omitempty"`
}

// GetResource returns the indexed view of one resource.
func (h *Handlers) GetResource(level types.Level) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		publicID := chi.URLParam(r, "id")
		var info resourceInfo
		err := h.deps.Index.WithTransaction(func(tx *index.Tx) error {
			id, actual, err := tx.LookupResource(publicID)
			if err != nil {
				return err
			}
			if actual != level {
				return types.ErrUnknownResource
			}
			return h.fillResourceInfo(tx, id, level, publicID, &info)
		})
		if err != nil {
			respondMappedError(w, err)
			return
		}
		respond(w, http.StatusOK, info)
	}
}

func (h *Handlers) fillResourceInfo(tx *index.Tx, id int64, level types.Level, publicID string, info *resourceInfo) error {
	info.ID = publicID
	info.Type = level

	tags, err := tx.GetMainDicomTags(id)
	if err != nil {
		return err
	}
	info.MainDicomTags = make(map[string]string, len(tags))
	for tag, value := range tags {
		info.MainDicomTags[tag.String()] = value
	}

	metadata, err := tx.GetAllMetadata(id)
	if err != nil {
		return err
	}
	if len(metadata) > 0 {
		info.Metadata = make(map[string]string, len(metadata))
		for _, m := range metadata {
			info.Metadata[string(m.Kind)] = m.Value
		}
	}

	if parent, ok, err := tx.GetParent(id); err != nil {
		return err
	} else if ok {
		res, err := tx.GetResource(parent)
		if err != nil {
			return err
		}
		info.Parent = res.PublicID
	}

	if level != types.LevelInstance {
		children, err := tx.GetChildren(id)
		if err != nil {
			return err
		}
		for _, c := range children {
			res, err := tx.GetResource(c)
			if err != nil {
				return err
			}
			info.Children = append(info.Children, res.PublicID)
		}
	}

	if level == types.LevelPatient {
		protected, err := tx.IsProtectedPatient(id)
		if err != nil {
			return err
		}
		info.IsProtected = &protected
	}
	return nil
}

// ListResources pages through the public ids of one level.
func (h *Handlers) ListResources(level types.Level) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since := queryInt64(r, "since", 0)
		limit := queryInt64(r, "limit", 100)
		var ids []string
		err := h.deps.Index.WithTransaction(func(tx *index.Tx) error {
			var err error
			ids, err = tx.GetAllPublicIds(level, since, limit)
			return err
		})
		if err != nil {
			respondMappedError(w, err)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		respond(w, http.StatusOK, ids)
	}
}

// DeleteResource removes a resource, its subtree and its blobs.
func (h *Handlers) DeleteResource(level types.Level) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		publicID := chi.URLParam(r, "id")
		err := h.deps.Index.WithTransaction(func(tx *index.Tx) error {
			_, actual, err := tx.LookupResource(publicID)
			if err != nil {
				return err
			}
			if actual != level {
				return types.ErrUnknownResource
			}
			return nil
		})
		if err != nil {
			respondMappedError(w, err)
			return
		}
		if err := h.deps.Repo.Delete(publicID); err != nil {
			respondMappedError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetInstanceFile streams the original DICOM bytes.
func (h *Handlers) GetInstanceFile(w http.ResponseWriter, r *http.Request) {
	data, err := h.deps.Repo.ReadInstance(chi.URLParam(r, "id"))
	if err != nil {
		respondMappedError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/dicom")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// ExportArchive streams the subtree as a ZIP archive.
func (h *Handlers) ExportArchive(level types.Level) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		publicID := chi.URLParam(r, "id")

		tmp, err := os.CreateTemp("", "dicomvault-archive-*.zip")
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		tmp.Close()
		path := tmp.Name()
		defer os.Remove(path)

		zw, err := archive.NewZipWriter(path, archive.Options{
			CompressionLevel: h.deps.Config.CompressionLevel,
			ZIP64:            h.deps.Config.ZIP64,
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := h.deps.Exporter.Export(zw, publicID); err != nil {
			zw.Close()
			respondMappedError(w, err)
			return
		}
		if err := zw.Close(); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		f, err := os.Open(path)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition",
			"attachment; filename="+strconv.Quote(filepath.Base(publicID)+".zip"))
		io.Copy(w, f)
	}
}

// ListChanges pages through the change log.
func (h *Handlers) ListChanges(w http.ResponseWriter, r *http.Request) {
	since := queryInt64(r, "since", 0)
	limit := int(queryInt64(r, "limit", 100))

	var changes []types.Change
	var done bool
	err := h.deps.Index.WithTransaction(func(tx *index.Tx) error {
		var err error
		changes, done, err = tx.GetChanges(since, limit)
		return err
	})
	if err != nil {
		respondMappedError(w, err)
		return
	}
	last := since
	if len(changes) > 0 {
		last = changes[len(changes)-1].Seq
	}
	if changes == nil {
		changes = []types.Change{}
	}
	respond(w, http.StatusOK, map[string]any{
		"changes": changes,
		"done":    done,
		"last":    last,
	})
}

// ListExports pages through the outbound-transfer audit log.
func (h *Handlers) ListExports(w http.ResponseWriter, r *http.Request) {
	since := queryInt64(r, "since", 0)
	limit := int(queryInt64(r, "limit", 100))

	var exports []types.ExportedResource
	var done bool
	err := h.deps.Index.WithTransaction(func(tx *index.Tx) error {
		var err error
		exports, done, err = tx.GetExportedResources(since, limit)
		return err
	})
	if err != nil {
		respondMappedError(w, err)
		return
	}
	last := since
	if len(exports) > 0 {
		last = exports[len(exports)-1].Seq
	}
	if exports == nil {
		exports = []types.ExportedResource{}
	}
	respond(w, http.StatusOK, map[string]any{
		"exports": exports,
		"done":    done,
		"last":    last,
	})
}

// GetStatistics reports per-level counts and storage sizes.
func (h *Handlers) GetStatistics(w http.ResponseWriter, r *http.Request) {
	var stats *index.Statistics
	err := h.deps.Index.WithTransaction(func(tx *index.Tx) error {
		var err error
		stats, err = tx.GetStatistics()
		return err
	})
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"countPatients":         stats.Counts[types.LevelPatient],
		"countStudies":          stats.Counts[types.LevelStudy],
		"countSeries":           stats.Counts[types.LevelSeries],
		"countInstances":        stats.Counts[types.LevelInstance],
		"totalDiskSize":         stats.CompressedSize,
		"totalUncompressedSize": stats.UncompressedSize,
	})
}

// GetProtected reports the recycling protection flag of a patient.
func (h *Handlers) GetProtected(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "id")
	var protected bool
	err := h.deps.Index.WithTransaction(func(tx *index.Tx) error {
		id, level, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		if level != types.LevelPatient {
			return types.ErrUnknownResource
		}
		protected, err = tx.IsProtectedPatient(id)
		return err
	})
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respond(w, http.StatusOK, protected)
}

// SetProtected flips the recycling protection flag of a patient. The
// body is a boolean, bare ("1", "true") or JSON.
func (h *Handlers) SetProtected(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "id")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	protected, err := strconv.ParseBool(strings.TrimSpace(string(body)))
	if err != nil {
		respondError(w, http.StatusBadRequest, "body must be a boolean")
		return
	}

	err = h.deps.Index.WithTransaction(func(tx *index.Tx) error {
		id, level, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		if level != types.LevelPatient {
			return types.ErrUnknownResource
		}
		return tx.SetProtected(id, protected)
	})
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respond(w, http.StatusOK, protected)
}

// findRequest is the body of POST /tools/find.
type findRequest struct {
	Level         string            `json:"level"`
	Query         map[string]string `json:"query"`
	Limit         int               `json:"limit"`
	CaseSensitive bool              `json:"caseSensitive"`
}

// Find runs a conjunction query against the index. Values containing
// '*' or '?' match as DICOM wildcards.
func (h *Handlers) Find(w http.ResponseWriter, r *http.Request) {
	var req findRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	level, ok := parseLevel(req.Level)
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown level "+req.Level)
		return
	}

	var constraints []index.LookupConstraint
	for key, value := range req.Query {
		tag, err := types.ParseTag(key)
		if err != nil {
			respondError(w, http.StatusBadRequest, "bad tag "+key)
			return
		}
		kind := index.KindEqual
		if strings.ContainsAny(value, "*?") {
			kind = index.KindWildcard
		}
		constraints = append(constraints, index.LookupConstraint{
			Tag:           tag,
			Kind:          kind,
			Value:         value,
			CaseSensitive: req.CaseSensitive,
			Mandatory:     true,
		})
	}

	ids := []string{}
	err := h.deps.Index.WithTransaction(func(tx *index.Tx) error {
		matches, err := tx.Lookup(level, constraints, req.Limit)
		if err != nil {
			return err
		}
		for _, id := range matches {
			res, err := tx.GetResource(id)
			if err != nil {
				return err
			}
			ids = append(ids, res.PublicID)
		}
		return nil
	})
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respond(w, http.StatusOK, ids)
}

// parseLevel accepts both singular level names and the plural URL
// segments.
func parseLevel(s string) (types.Level, bool) {
	switch strings.ToLower(s) {
	case "patient", "patients":
		return types.LevelPatient, true
	case "study", "studies":
		return types.LevelStudy, true
	case "series":
		return types.LevelSeries, true
	case "instance", "instances":
		return types.LevelInstance, true
	}
	return "", false
}

// newSeed returns a fresh seed for deterministic UID remapping.
func newSeed() string {
	return uuid.NewString()
}

func queryInt64(r *http.Request, key string, fallback int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"error": message})
}

// respondMappedError translates sentinel errors to HTTP statuses.
func respondMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrUnknownResource),
		errors.Is(err, types.ErrInexistentItem),
		errors.Is(err, types.ErrInexistentFile):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrBadFileFormat),
		errors.Is(err, types.ErrParameterOutOfRange):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrBadSequenceOfCalls):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrFullStorage):
		respondError(w, http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, types.ErrNotImplemented):
		respondError(w, http.StatusNotImplemented, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
