// Package qr keeps a process-local archive of query-retrieve handlers.
// A handler remembers one outbound C-FIND: the remote modality, the
// query and, once executed, its answers. Handlers are addressed by a
// short random token handed to the caller, so a later C-MOVE job can
// consume the answers without repeating the query.
package qr

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/dicomvault/internal/jobs"
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// Defaults for the expiry policy.
const (
	DefaultMaxHandlers = 16
	DefaultMaxAge      = 10 * time.Minute
)

// Handler is one cached query. The first call to Answers issues the
// C-FIND; later calls return the cached result set.
type Handler struct {
	remote     jobs.RemoteModality
	level      types.Level
	query      jobs.QueryAnswer
	normalized bool

	mu      sync.Mutex
	client  jobs.DicomClient
	done    bool
	answers []jobs.QueryAnswer
}

// Remote returns the modality the query targets.
func (h *Handler) Remote() jobs.RemoteModality { return h.remote }

// Level returns the query level.
func (h *Handler) Level() types.Level { return h.level }

// Query returns the query identifiers.
func (h *Handler) Query() jobs.QueryAnswer { return h.query }

// Normalized reports whether the find was requested in normalized form.
func (h *Handler) Normalized() bool { return h.normalized }

// Done reports whether the query has already run.
func (h *Handler) Done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Answers runs the query on first use and returns the cached answers
// afterwards.
func (h *Handler) Answers(ctx context.Context) ([]jobs.QueryAnswer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.done {
		answers, err := h.client.Find(ctx, h.remote, h.level, h.query)
		if err != nil {
			return nil, err
		}
		h.answers = answers
		h.done = true
	}
	return h.answers, nil
}

// entry pairs a handler with its position in the LRU list.
type entry struct {
	token    string
	handler  *Handler
	lastUsed time.Time
	elem     *list.Element
}

// Archive is the token-keyed handler registry. Entries expire on an
// LRU basis once the archive is full, and by age on every access.
type Archive struct {
	mu       sync.Mutex
	client   jobs.DicomClient
	entries  map[string]*entry
	lru      *list.List // front = most recently used; values are *entry
	maxCount int
	maxAge   time.Duration
	now      func() time.Time
	log      *logrus.Entry
}

// NewArchive builds an archive issuing queries through client. Zero
// limits fall back to the defaults.
func NewArchive(client jobs.DicomClient, maxHandlers int, maxAge time.Duration) *Archive {
	if maxHandlers <= 0 {
		maxHandlers = DefaultMaxHandlers
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Archive{
		client:   client,
		entries:  make(map[string]*entry),
		lru:      list.New(),
		maxCount: maxHandlers,
		maxAge:   maxAge,
		now:      time.Now,
		log:      logrus.WithField("component", "qr-archive"),
	}
}

// Add registers a new handler and returns its token.
func (a *Archive) Add(remote jobs.RemoteModality, level types.Level, query jobs.QueryAnswer, normalized bool) string {
	h := &Handler{
		remote:     remote,
		level:      level,
		query:      query,
		normalized: normalized,
		client:     a.client,
	}
	token := uuid.NewString()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked()
	e := &entry{token: token, handler: h, lastUsed: a.now()}
	e.elem = a.lru.PushFront(e)
	a.entries[token] = e
	for a.lru.Len() > a.maxCount {
		a.evictLocked(a.lru.Back().Value.(*entry))
	}
	return token
}

// Get looks up a handler and refreshes its LRU position.
func (a *Archive) Get(token string) (*Handler, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked()
	e, ok := a.entries[token]
	if !ok {
		return nil, types.ErrUnknownResource
	}
	e.lastUsed = a.now()
	a.lru.MoveToFront(e.elem)
	return e.handler, nil
}

// Remove drops a handler. Later lookups of the token fail with
// ErrUnknownResource.
func (a *Archive) Remove(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[token]
	if !ok {
		return types.ErrUnknownResource
	}
	a.evictLocked(e)
	return nil
}

// Len reports the number of live handlers.
func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked()
	return len(a.entries)
}

// expireLocked drops every entry idle past the age limit.
func (a *Archive) expireLocked() {
	cutoff := a.now().Add(-a.maxAge)
	for {
		back := a.lru.Back()
		if back == nil {
			break
		}
		e := back.Value.(*entry)
		if !e.lastUsed.Before(cutoff) {
			break
		}
		a.evictLocked(e)
	}
}

func (a *Archive) evictLocked(e *entry) {
	a.lru.Remove(e.elem)
	delete(a.entries, e.token)
	a.log.WithField("token", e.token).Debug("query handler evicted")
}
