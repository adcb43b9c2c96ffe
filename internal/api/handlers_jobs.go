package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mesh-intelligence/dicomvault/internal/jobs"
	"github.com/mesh-intelligence/dicomvault/internal/peers"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// ListJobs returns the snapshot of every registered job.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.deps.Engine.List())
}

// GetJob returns one job snapshot.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	info, err := h.deps.Engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respond(w, http.StatusOK, info)
}

// JobAction dispatches one lifecycle transition on a job.
func (h *Handlers) JobAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var err error
		switch action {
		case "pause":
			err = h.deps.Engine.Pause(id)
		case "resume":
			err = h.deps.Engine.Resume(id)
		case "cancel":
			err = h.deps.Engine.Cancel(id)
		case "reset":
			err = h.deps.Engine.Reset(id)
		}
		if err != nil {
			respondMappedError(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]string{"id": id})
	}
}

// submitRequest carries the common fields of job-submitting endpoints.
type submitRequest struct {
	Resources  []string `json:"resources"`
	Priority   int      `json:"priority"`
	Permissive bool     `json:"permissive"`

	// StorageCommitment asks the remote modality to take custody
	// (modality store only).
	StorageCommitment bool `json:"storageCommitment"`
}

// expandInstances flattens resource public ids into instance ids.
func (h *Handlers) expandInstances(resources []string) ([]string, error) {
	var instances []string
	for _, id := range resources {
		expanded, err := h.deps.Repo.ListInstances(id)
		if err != nil {
			return nil, err
		}
		instances = append(instances, expanded...)
	}
	return instances, nil
}

func (h *Handlers) submit(w http.ResponseWriter, job jobs.Job, priority int) {
	id, err := h.deps.Engine.Submit(job, priority)
	if err != nil {
		respondMappedError(w, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]string{
		"ID":   id,
		"Path": "/jobs/" + id,
	})
}

// PeerStore submits a job forwarding resources to a configured peer.
func (h *Handlers) PeerStore(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	peerCfg, ok := h.deps.Config.Peers[name]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown peer "+name)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	instances, err := h.expandInstances(req.Resources)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	peer := peers.Peer{
		Name:     name,
		BaseURL:  peerCfg.URL,
		Username: peerCfg.Username,
		Password: peerCfg.Password,
	}
	job := jobs.NewPeerStoreJob(h.deps.Repo, peer, h.deps.Config.HTTPTimeout,
		instances, req.Permissive)
	h.submit(w, job, req.Priority)
}

// remoteModality resolves a configured modality by symbolic name.
func (h *Handlers) remoteModality(name string) (jobs.RemoteModality, bool) {
	cfg, ok := h.deps.Config.DicomModalities[name]
	if !ok {
		return jobs.RemoteModality{}, false
	}
	return jobs.RemoteModality{AET: cfg.AET, Host: cfg.Host, Port: cfg.Port}, true
}

// ModalityStore submits a C-STORE job to a configured modality.
func (h *Handlers) ModalityStore(w http.ResponseWriter, r *http.Request) {
	if h.deps.Dicom == nil {
		respondError(w, http.StatusServiceUnavailable, "no DICOM networking backend")
		return
	}
	remote, ok := h.remoteModality(chi.URLParam(r, "name"))
	if !ok {
		respondError(w, http.StatusNotFound, "unknown modality")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	instances, err := h.expandInstances(req.Resources)
	if err != nil {
		respondMappedError(w, err)
		return
	}

	job := jobs.NewModalityStoreJob(h.deps.Repo, h.deps.Dicom, remote,
		instances, req.Permissive, req.StorageCommitment)
	h.submit(w, job, req.Priority)
}

// queryRequest is the body of POST /modalities/{name}/query.
type queryRequest struct {
	Level      string            `json:"level"`
	Query      map[string]string `json:"query"`
	Normalized bool              `json:"normalized"`
}

// ModalityQuery registers a C-FIND against a configured modality and
// returns the token addressing its future answers.
func (h *Handlers) ModalityQuery(w http.ResponseWriter, r *http.Request) {
	if h.deps.Dicom == nil {
		respondError(w, http.StatusServiceUnavailable, "no DICOM networking backend")
		return
	}
	remote, ok := h.remoteModality(chi.URLParam(r, "name"))
	if !ok {
		respondError(w, http.StatusNotFound, "unknown modality")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	level, ok := parseLevel(req.Level)
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown level "+req.Level)
		return
	}

	token := h.deps.Queries.Add(remote, level, jobs.QueryAnswer(req.Query), req.Normalized)
	respond(w, http.StatusOK, map[string]string{
		"ID":   token,
		"Path": "/queries/" + token,
	})
}

// QueryAnswers runs the query on first access and returns its answers.
func (h *Handlers) QueryAnswers(w http.ResponseWriter, r *http.Request) {
	handler, err := h.deps.Queries.Get(chi.URLParam(r, "token"))
	if err != nil {
		respondMappedError(w, err)
		return
	}
	answers, err := handler.Answers(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if answers == nil {
		answers = []jobs.QueryAnswer{}
	}
	respond(w, http.StatusOK, answers)
}

// retrieveRequest is the body of POST /queries/{token}/retrieve.
type retrieveRequest struct {
	TargetAET string `json:"targetAet"`
	Priority  int    `json:"priority"`
}

// QueryRetrieve submits a C-MOVE job consuming the query's answers.
func (h *Handlers) QueryRetrieve(w http.ResponseWriter, r *http.Request) {
	handler, err := h.deps.Queries.Get(chi.URLParam(r, "token"))
	if err != nil {
		respondMappedError(w, err)
		return
	}

	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetAET == "" {
		respondError(w, http.StatusBadRequest, "targetAet is required")
		return
	}

	answers, err := handler.Answers(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	job := jobs.NewMoveScuJob(h.deps.Dicom, handler.Remote(), req.TargetAET,
		handler.Level(), answers, false)
	h.submit(w, job, req.Priority)
}

// DeleteQuery drops a query handler from the archive.
func (h *Handlers) DeleteQuery(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Queries.Remove(chi.URLParam(r, "token")); err != nil {
		respondMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// modifyRequest is the body of the modify and anonymize endpoints.
type modifyRequest struct {
	Replace  map[string]string `json:"replace"`
	Remove   []string          `json:"remove"`
	Priority int               `json:"priority"`

	// Seed pins the UID remapping; empty picks a fresh one so every
	// submission produces a distinct rewritten chain.
	Seed string `json:"seed"`
}

// Modify submits a tag-rewrite job over the subtree of one resource.
func (h *Handlers) Modify(level types.Level, anonymize bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		publicID := chi.URLParam(r, "id")

		// An empty body means the default profile.
		var req modifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		instances, err := h.deps.Repo.ListInstances(publicID)
		if err != nil {
			respondMappedError(w, err)
			return
		}
		seed := req.Seed
		if seed == "" {
			seed = newSeed()
		}

		job := jobs.NewModificationJob(h.deps.Repo, level, seed, instances,
			req.Replace, req.Remove, anonymize)
		h.submit(w, job, req.Priority)
	}
}
