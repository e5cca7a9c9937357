package residue

import "sync"

// RawRequest is the unit the session layer enqueues and the dispatcher
// drains: a framed, still-encrypted payload plus the envelope metadata
// the codec and parser need (spec.md §3).
type RawRequest struct {
	Payload      []byte
	SessionAddr  string // remote address of the originating connection
	DateReceived int64  // unix nanos, recorded at accept time
	IPAddr       string
}

// dualBufferQueue is a single-producer(many)/single-consumer FIFO with an
// atomic context switch for draining, exactly as described in spec.md
// §4.6. Two fixed-identity slices are swapped by flipping activeIdx under
// producerLock; the dispatcher drains the non-active buffer without
// holding the lock, so producers never contend with the drain loop.
type dualBufferQueue struct {
	mu        sync.Mutex // producerLock
	buffers   [2][]RawRequest
	activeIdx int
}

// newDualBufferQueue returns an empty queue.
func newDualBufferQueue() *dualBufferQueue {
	return &dualBufferQueue{}
}

// Push appends item to the active buffer under producerLock.
func (q *dualBufferQueue) Push(item RawRequest) {
	q.mu.Lock()
	q.buffers[q.activeIdx] = append(q.buffers[q.activeIdx], item)
	q.mu.Unlock()
}

// Size returns the active buffer's length at the moment of the call.
func (q *dualBufferQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffers[q.activeIdx])
}

// SwitchContext flips the active buffer under producerLock. After this
// call, the buffer that was active becomes the drain buffer and the
// previously-drained (now empty) buffer becomes active again. Called
// exactly once per drain round, per spec.md §4.6.
func (q *dualBufferQueue) SwitchContext() {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := 1 - q.activeIdx
	q.buffers[drained] = q.buffers[drained][:0]
	q.activeIdx = drained
}

// BeginDrain atomically records total = current active-buffer size and
// switches the context so that buffer becomes the private drain buffer,
// returning exactly those total items. Because the size check and the
// switch happen under the same critical section, no push can land in the
// buffer being handed over between the two steps: every item returned was
// present before the round started, and every item pushed from this
// moment on goes to the other (now active) buffer and is processed next
// round (spec.md §4.6).
func (q *dualBufferQueue) BeginDrain() []RawRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	drainIdx := q.activeIdx
	drain := q.buffers[drainIdx]

	newActive := 1 - drainIdx
	q.buffers[newActive] = q.buffers[newActive][:0]
	q.activeIdx = newActive

	return drain
}
