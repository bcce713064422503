package session

import (
	"sync"

	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/messaging"
)

// handle is one live client together with its ordered event queue.
type handle struct {
	ref    domain.SessionRef
	client messaging.Client
	events chan messaging.Event
	stop   chan struct{}
	once   sync.Once

	// owned by the pump goroutine
	status     domain.SessionStatus
	pending    *domain.SessionUpdate
	mapPending bool
}

func newHandle(ref domain.SessionRef, buffer int) *handle {
	return &handle{
		ref:    ref,
		events: make(chan messaging.Event, buffer),
		stop:   make(chan struct{}),
		status: domain.SessionInitializing,
	}
}

// emit queues ev without blocking forever once the handle is closed.
func (h *handle) emit(ev messaging.Event) {
	select {
	case <-h.stop:
		return
	default:
	}
	select {
	case h.events <- ev:
	case <-h.stop:
	}
}

func (h *handle) close() {
	h.once.Do(func() { close(h.stop) })
}

func (h *handle) closed() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// Registry owns the session id to live handle table. At most one handle is
// registered per session id.
type Registry struct {
	mu      sync.Mutex
	handles map[int64]*handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[int64]*handle)}
}

// install registers h and returns the handle it replaced, if any.
func (r *Registry) install(h *handle) *handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.handles[h.ref.SessionID]
	r.handles[h.ref.SessionID] = h
	return prev
}

// remove unregisters whatever handle holds sessionID.
func (r *Registry) remove(sessionID int64) *handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[sessionID]
	delete(r.handles, sessionID)
	return h
}

// release unregisters h only if it is still the registered handle, so a
// superseded client can never evict its successor.
func (r *Registry) release(h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.ref.SessionID] != h {
		return false
	}
	delete(r.handles, h.ref.SessionID)
	return true
}

// removeSubaccount unregisters every handle of a subaccount.
func (r *Registry) removeSubaccount(subaccountID int64) []*handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*handle
	for id, h := range r.handles {
		if h.ref.SubaccountID == subaccountID {
			out = append(out, h)
			delete(r.handles, id)
		}
	}
	return out
}

func (r *Registry) current(h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[h.ref.SessionID] == h
}

// Get returns the live client of a session.
func (r *Registry) Get(sessionID int64) (messaging.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[sessionID]
	if !ok || h.client == nil {
		return nil, false
	}
	return h.client, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) drain() []*handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*handle, 0, len(r.handles))
	for id, h := range r.handles {
		out = append(out, h)
		delete(r.handles, id)
	}
	return out
}
