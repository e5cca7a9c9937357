package residue

import (
	"crypto/rsa"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is a registered, authenticated remote log source (spec.md §3).
// Once added to a ClientRegistry it is looked up by id on every request;
// nothing in this package retains a raw pointer to a Client across a
// potential integrity-sweep boundary (spec.md §5 "pointer-stability
// hazard") — the dispatcher always re-resolves by id instead.
type Client struct {
	ID           string
	PublicKey    *rsa.PublicKey
	SymmetricKey []byte
	DateCreated  time.Time
	Age          int64 // seconds until expiry
	Known        bool  // true iff id was pre-declared in configuration
	User         string
}

// IsAlive reports whether the client has not yet expired as of now.
// spec.md §3: isAlive(now) == dateCreated + age > now. Token verification
// and client liveness both use the request's recorded dateReceived, never
// wall-clock at dispatch time (spec.md §3 invariant, TOCTOU prevention).
func (c *Client) IsAlive(now time.Time) bool {
	return c.DateCreated.Add(time.Duration(c.Age) * time.Second).After(now)
}

// NewClientID generates an opaque client identifier.
func NewClientID() string {
	return uuid.NewString()
}

// ClientRegistry is the in-memory map of live client sessions (spec.md
// §4.3). Readers are many (dispatch worker, session handlers resolving a
// client id); the single writer is either a new connection registering a
// client, or the integrity task sweeping expired ones. A write-preferred
// RWMutex is not available in the standard library, but sync.RWMutex's
// writer starvation is bounded in practice for this access pattern (short,
// infrequent writes against frequent, short reads), matching the teacher's
// choice of a plain mutex around its store operations.
type ClientRegistry struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	generation uint64
}

// NewClientRegistry creates an empty client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Add inserts or replaces the client by id and bumps the generation
// counter (spec.md §4.3).
func (r *ClientRegistry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
	r.generation++
}

// Find returns the client with the given id, or nil if none is registered.
func (r *ClientRegistry) Find(id string) *Client {
	if id == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// Remove explicitly unregisters a client by id.
func (r *ClientRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	r.generation++
}

// Sweep removes clients whose lifetime has elapsed as of now and returns
// their ids (spec.md §4.3, called by the integrity task).
func (r *ClientRegistry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, c := range r.clients {
		if !c.IsAlive(now) {
			delete(r.clients, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		r.generation++
	}
	return removed
}

// Generation returns the current write-generation counter, useful for
// tests asserting that a write actually occurred.
func (r *ClientRegistry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Len returns the number of currently registered clients.
func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
