package jobs

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/dicomvault/internal/index"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// registryProperty is the global-property key holding the serialized job
// registry.
const registryProperty = "jobs-registry"

// handler is the engine's bookkeeping around one job.
type handler struct {
	id          string
	job         Job
	state       State
	priority    int
	enqueueSeq  int64
	errDetails  string
	cancelReq   bool
	pauseReq    bool
	createdAt   time.Time
	completedAt *time.Time
}

// Engine schedules jobs over a pool of workers and persists the registry
// across restarts.
type Engine struct {
	mu            sync.Mutex
	cond          *sync.Cond
	jobs          map[string]*handler
	queue         jobQueue
	seq           int64
	stopped       bool
	workers       int
	checkpoint    time.Duration
	idx           *index.Index
	unserializers map[string]Unserializer
	wg            sync.WaitGroup
	stopCh        chan struct{}
	log           *logrus.Entry
}

// NewEngine builds a job engine persisting into idx. workers below 1 is
// clamped to 1.
func NewEngine(idx *index.Index, workers int, checkpoint time.Duration) *Engine {
	if workers < 1 {
		workers = 1
	}
	if checkpoint <= 0 {
		checkpoint = 10 * time.Second
	}
	e := &Engine{
		jobs:          make(map[string]*handler),
		workers:       workers,
		checkpoint:    checkpoint,
		idx:           idx,
		unserializers: make(map[string]Unserializer),
		stopCh:        make(chan struct{}),
		log:           logrus.WithField("component", "jobs"),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// RegisterUnserializer binds a job type to its reconstruction function.
// Must be called before Restore.
func (e *Engine) RegisterUnserializer(jobType string, u Unserializer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unserializers[jobType] = u
}

// Start restores the persisted registry and launches the worker pool plus
// the checkpointer.
func (e *Engine) Start() error {
	if err := e.restore(); err != nil {
		return err
	}
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.wg.Add(1)
	go e.checkpointer()
	return nil
}

// Stop drains the workers. Running jobs are stopped with Retry and left
// Pending so a restart resumes them; the registry is persisted last.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stopCh)
	e.cond.Broadcast()
	e.mu.Unlock()
	e.wg.Wait()
	e.persist()
}

// Submit registers a job and queues it for execution.
func (e *Engine) Submit(job Job, priority int) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("job id: %w", err)
	}

	e.mu.Lock()
	h := &handler{
		id:        id.String(),
		job:       job,
		state:     StatePending,
		priority:  priority,
		createdAt: time.Now().UTC(),
	}
	e.jobs[h.id] = h
	e.enqueueLocked(h)
	e.mu.Unlock()

	e.persist()
	return h.id, nil
}

// enqueueLocked puts a pending handler on the run queue. Caller holds mu.
func (e *Engine) enqueueLocked(h *handler) {
	e.seq++
	h.enqueueSeq = e.seq
	e.queue.enqueue(h)
	e.cond.Signal()
}

// Get snapshots one job.
func (e *Engine) Get(id string) (*Info, error) {
	e.mu.Lock()
	h, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("job %s: %w", id, types.ErrInexistentItem)
	}
	info := e.snapshotLocked(h)
	e.mu.Unlock()
	return &info, nil
}

// List snapshots every known job.
func (e *Engine) List() []Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]Info, 0, len(e.jobs))
	for _, h := range e.jobs {
		infos = append(infos, e.snapshotLocked(h))
	}
	return infos
}

func (e *Engine) snapshotLocked(h *handler) Info {
	return Info{
		ID:           h.id,
		Type:         h.job.JobType(),
		State:        h.state,
		Priority:     h.priority,
		Progress:     h.job.Progress(),
		ErrorDetails: h.errDetails,
		Content:      h.job.PublicContent(),
		CreatedAt:    h.createdAt,
		CompletedAt:  h.completedAt,
	}
}

// Output retrieves a job-specific result. Only Success jobs have outputs.
func (e *Engine) Output(id, key string) ([]byte, string, error) {
	e.mu.Lock()
	h, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return nil, "", fmt.Errorf("job %s: %w", id, types.ErrInexistentItem)
	}
	state := h.state
	job := h.job
	e.mu.Unlock()

	if state != StateSuccess {
		return nil, "", fmt.Errorf("job %s not successful: %w", id, types.ErrBadSequenceOfCalls)
	}
	provider, ok := job.(OutputProvider)
	if !ok {
		return nil, "", fmt.Errorf("job %s has no outputs: %w", id, types.ErrInexistentItem)
	}
	data, mime, ok := provider.Output(key)
	if !ok {
		return nil, "", fmt.Errorf("output %s: %w", key, types.ErrInexistentItem)
	}
	return data, mime, nil
}

// Pause requests a running or pending job to pause at the next step
// boundary.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	h, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, types.ErrInexistentItem)
	}
	switch h.state {
	case StateRunning:
		h.pauseReq = true
		e.mu.Unlock()
		return nil
	case StatePending:
		e.queue.remove(h)
		h.state = StatePaused
		job := h.job
		e.mu.Unlock()
		job.Stop(StopPaused)
		e.persist()
		return nil
	default:
		e.mu.Unlock()
		return fmt.Errorf("pause in state %s: %w", h.state, types.ErrBadSequenceOfCalls)
	}
}

// Resume requeues a paused job.
func (e *Engine) Resume(id string) error {
	e.mu.Lock()
	h, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, types.ErrInexistentItem)
	}
	if h.state != StatePaused {
		e.mu.Unlock()
		return fmt.Errorf("resume in state %s: %w", h.state, types.ErrBadSequenceOfCalls)
	}
	h.state = StatePending
	e.enqueueLocked(h)
	e.mu.Unlock()
	e.persist()
	return nil
}

// Cancel terminates a job. Running jobs are stopped cooperatively at the
// next step boundary; pending and paused jobs fail immediately.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	h, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, types.ErrInexistentItem)
	}
	switch h.state {
	case StateRunning:
		h.cancelReq = true
		e.mu.Unlock()
		return nil
	case StatePending, StatePaused:
		if h.state == StatePending {
			e.queue.remove(h)
		}
		job := h.job
		e.mu.Unlock()
		job.Stop(StopCanceled)
		e.finish(h, StateFailure, types.ErrCanceledJob.Error())
		return nil
	default:
		e.mu.Unlock()
		return fmt.Errorf("cancel in state %s: %w", h.state, types.ErrBadSequenceOfCalls)
	}
}

// Reset returns a failed job to Pending after clearing its state.
func (e *Engine) Reset(id string) error {
	e.mu.Lock()
	h, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, types.ErrInexistentItem)
	}
	if h.state != StateFailure {
		e.mu.Unlock()
		return fmt.Errorf("reset in state %s: %w", h.state, types.ErrBadSequenceOfCalls)
	}
	h.job.Reset()
	h.state = StatePending
	h.errDetails = ""
	h.completedAt = nil
	h.cancelReq = false
	h.pauseReq = false
	e.enqueueLocked(h)
	e.mu.Unlock()
	e.persist()
	return nil
}

// worker dequeues pending jobs and drives them to a terminal state.
func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for !e.stopped && e.queue.Len() == 0 {
			e.cond.Wait()
		}
		if e.stopped {
			e.mu.Unlock()
			return
		}
		h := e.queue.dequeue()
		if h.cancelReq {
			job := h.job
			e.mu.Unlock()
			job.Stop(StopCanceled)
			e.finish(h, StateFailure, types.ErrCanceledJob.Error())
			continue
		}
		h.state = StateRunning
		e.mu.Unlock()
		e.run(h)
	}
}

// run executes one job until a terminal state, a pause, or engine
// shutdown.
func (e *Engine) run(h *handler) {
	if err := h.job.Start(); err != nil {
		h.job.Stop(StopFailure)
		e.finish(h, StateFailure, err.Error())
		return
	}

	for {
		e.mu.Lock()
		switch {
		case e.stopped:
			// Leave the job Pending so a restart resumes it.
			h.state = StatePending
			e.mu.Unlock()
			h.job.Stop(StopRetry)
			return
		case h.cancelReq:
			e.mu.Unlock()
			h.job.Stop(StopCanceled)
			e.finish(h, StateFailure, types.ErrCanceledJob.Error())
			return
		case h.pauseReq:
			h.pauseReq = false
			h.state = StatePaused
			e.mu.Unlock()
			h.job.Stop(StopPaused)
			e.persist()
			return
		}
		e.mu.Unlock()

		res := h.job.Step(h.id)
		switch res.Status {
		case StepContinue:
			continue
		case StepSuccess:
			h.job.Stop(StopSuccess)
			e.finish(h, StateSuccess, "")
			return
		case StepFailure:
			h.job.Stop(StopFailure)
			details := res.Details
			if details == "" && res.Err != nil {
				details = res.Err.Error()
			}
			e.finish(h, StateFailure, details)
			return
		}
	}
}

// finish records a terminal transition and persists the registry.
func (e *Engine) finish(h *handler, state State, details string) {
	e.mu.Lock()
	h.state = state
	h.errDetails = details
	now := time.Now().UTC()
	h.completedAt = &now
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"job":   h.id,
		"type":  h.job.JobType(),
		"state": state,
	}).Info("job finished")
	e.persist()
}

// checkpointer persists the registry periodically, independent of
// transitions.
func (e *Engine) checkpointer() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.checkpoint)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.persist()
		case <-e.stopCh:
			return
		}
	}
}

// persistedJob is the on-disk form of one registry entry.
type persistedJob struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	State    State           `json:"state"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

type persistedRegistry struct {
	Jobs []persistedJob `json:"jobs"`
}

// persist serializes the non-terminal jobs into the index. Jobs that
// cannot serialize are skipped with a log line.
func (e *Engine) persist() {
	e.mu.Lock()
	reg := persistedRegistry{Jobs: []persistedJob{}}
	for _, h := range e.jobs {
		state := h.state
		if state == StateSuccess || state == StateFailure {
			continue
		}
		if state == StateRunning {
			state = StatePending
		}
		payload, ok := h.job.Serialize()
		if !ok {
			e.log.WithField("job", h.id).Debug("job not serializable, skipped")
			continue
		}
		reg.Jobs = append(reg.Jobs, persistedJob{
			ID:       h.id,
			Type:     h.job.JobType(),
			State:    state,
			Priority: h.priority,
			Payload:  payload,
		})
	}
	e.mu.Unlock()

	data, err := json.Marshal(reg)
	if err != nil {
		e.log.WithError(err).Error("registry serialization failed")
		return
	}
	err = e.idx.WithTransaction(func(tx *index.Tx) error {
		return tx.SetGlobalProperty(registryProperty, string(data))
	})
	if err != nil {
		e.log.WithError(err).Error("registry persistence failed")
	}
}

// restore reads the persisted registry and reconstructs each job through
// its unserializer. A job that fails to unserialize is logged and
// skipped; the others survive.
func (e *Engine) restore() error {
	var raw string
	err := e.idx.WithTransaction(func(tx *index.Tx) error {
		var err error
		raw, err = tx.GetGlobalProperty(registryProperty, "")
		return err
	})
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}

	var reg persistedRegistry
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		e.log.WithError(err).Warn("persisted registry unreadable, starting empty")
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range reg.Jobs {
		u, ok := e.unserializers[p.Type]
		if !ok {
			e.log.WithField("type", p.Type).Warn("no unserializer for job type, skipped")
			continue
		}
		job, err := u(p.Payload)
		if err != nil {
			e.log.WithField("job", p.ID).WithError(err).Warn("job unserialization failed, skipped")
			continue
		}
		h := &handler{
			id:        p.ID,
			job:       job,
			state:     p.State,
			priority:  p.Priority,
			createdAt: time.Now().UTC(),
		}
		e.jobs[h.id] = h
		if h.state == StatePending {
			e.enqueueLocked(h)
		}
	}
	return nil
}
