// Package registry holds the process-wide table of connected clients: the
// one piece of state genuinely shared across every Session. Its lock is
// coarse-grained and intentionally so - membership only changes on
// connect/disconnect/rename, so contention here is not the bottleneck a
// per-shard or lock-free structure would exist to fix.
package registry

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chatrelay/chatrelay/transport"
)

// ClientData is the per-client record the registry tracks. id is set once
// at construction and never changes. name starts unset (nil) and becomes a
// non-empty string on successful registration; it may change again on a
// later rename. sent/received are touched by atomic increment - including,
// for received, by a Session other than the one that owns this ClientData:
// a broadcasting or whispering Session increments each recipient's counter.
type ClientData struct {
	ID   string
	Conn *transport.Conn

	name     atomic.Pointer[string]
	sent     atomic.Int64
	received atomic.Int64
}

// NewClientData constructs a ClientData for a freshly accepted connection.
// Its name starts unset.
func NewClientData(id string, conn *transport.Conn) *ClientData {
	return &ClientData{ID: id, Conn: conn}
}

// Name returns the client's current name, or "" if unset.
func (c *ClientData) Name() string {
	p := c.name.Load()
	if p == nil {
		return ""
	}
	return *p
}

// HasName reports whether the client has completed name registration.
func (c *ClientData) HasName() bool {
	return c.name.Load() != nil
}

// SetName atomically sets the client's name.
func (c *ClientData) SetName(name string) {
	c.name.Store(&name)
}

// Sent returns the count of CHAT_MESSAGE/WHISPER deliveries this client has
// sent.
func (c *ClientData) Sent() int64 { return c.sent.Load() }

// Received returns the count of CHAT_MESSAGE/WHISPER deliveries this client
// has received.
func (c *ClientData) Received() int64 { return c.received.Load() }

// IncSent increments the sent counter by one.
func (c *ClientData) IncSent() { c.sent.Add(1) }

// IncReceived increments the received counter by one.
func (c *ClientData) IncReceived() { c.received.Add(1) }

// Registry is the process-wide map of active clients keyed by id, with a
// single mutex protecting both the id index and the name-uniqueness
// invariant.
type Registry struct {
	mu     sync.Mutex
	byID   map[string]*ClientData
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*ClientData)}
}

// Add inserts a client. Callers add immediately after accept, before the
// client has a name.
func (r *Registry) Add(c *ClientData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.ID] = c
}

// Remove deletes a client by id. A no-op if the id is not present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Lookup returns the client with the given id, or nil if none.
func (r *Registry) Lookup(id string) *ClientData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// FindByName returns the client currently registered under the exact given
// name, or nil if none. Unnamed clients never match.
func (r *Registry) FindByName(name string) *ClientData {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byID {
		if c.HasName() && c.Name() == name {
			return c
		}
	}
	return nil
}

// NameExistsOther reports whether some client other than exceptID already
// holds name.
func (r *Registry) NameExistsOther(name, exceptID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nameExistsOtherLocked(name, exceptID)
}

func (r *Registry) nameExistsOtherLocked(name, exceptID string) bool {
	for id, c := range r.byID {
		if id == exceptID {
			continue
		}
		if c.HasName() && c.Name() == name {
			return true
		}
	}
	return false
}

// TryClaimName checks and asserts name uniqueness under one lock
// acquisition: if no other client already holds name, it sets c's name and
// returns true; otherwise it leaves c untouched and returns false. This is
// what REGISTER_NAME and UPDATE_NAME both call, so the check and the
// mutation can never race against a concurrent registration of the same
// name.
func (r *Registry) TryClaimName(c *ClientData, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nameExistsOtherLocked(name, c.ID) {
		return false
	}
	c.SetName(name)
	return true
}

// SnapshotExcept returns every client except the one with the given id, as
// a shallow slice safe to iterate without holding the registry lock. The
// ClientData pointers stay valid; their internal state (name, counters) may
// keep changing concurrently, which is fine - delivery always goes through
// each client's own Conn queue.
func (r *Registry) SnapshotExcept(exceptID string) []*ClientData {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ClientData, 0, len(r.byID))
	for id, c := range r.byID {
		if id == exceptID {
			continue
		}
		out = append(out, c)
	}
	return out
}

// isBlank reports whether name is empty after trimming leading/trailing
// whitespace - the one normalization rule name validation performs.
func isBlank(name string) bool {
	return strings.TrimSpace(name) == ""
}

// IsBlank exposes isBlank for use outside the package (session validation).
func IsBlank(name string) bool { return isBlank(name) }
