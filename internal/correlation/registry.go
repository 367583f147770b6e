package correlation

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by Pending.Wait when no reply arrived in time.
var ErrTimeout = errors.New("correlation: timed out waiting for reply")

// Snapshot is a point-in-time copy of a registry entry.
type Snapshot struct {
	ID           string
	Fulfilled    bool
	Reply        string
	MessageID    int
	RegisteredAt time.Time
}

// Pending is the handle a waiting request holds for its registry entry.
// The reply is written under the registry lock before done is closed, so it
// can be read without locking once Done has fired.
type Pending struct {
	id           string
	seq          uint64
	registeredAt time.Time
	done         chan struct{}

	// guarded by Registry.mu
	armed     bool
	fulfilled bool
	reply     string
	messageID int
}

func (p *Pending) ID() string { return p.id }

// Done is closed when the entry is fulfilled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Reply returns the reply text once the entry has been fulfilled.
func (p *Pending) Reply() (string, bool) {
	select {
	case <-p.done:
		return p.reply, true
	default:
		return "", false
	}
}

// Wait blocks until the entry is fulfilled, the timeout elapses or ctx is done.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.reply, nil
	case <-timer.C:
		// A reply that raced the timer still wins.
		if reply, ok := p.Reply(); ok {
			return reply, nil
		}
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// defaultSentHistory bounds how many outbound message ids are remembered.
const defaultSentHistory = 1024

// Registry is the in-memory rendezvous table between waiting requests and
// inbound transport messages. Every method is a single critical section.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Pending
	seq     uint64
	now     func() time.Time

	// outbound message ids, oldest evicted first
	sent     map[int]struct{}
	sentRing []int
	sentNext int
}

func NewRegistry() *Registry {
	return newRegistry(defaultSentHistory)
}

func newRegistry(history int) *Registry {
	return &Registry{
		entries:  make(map[string]*Pending),
		now:      time.Now,
		sent:     make(map[int]struct{}, history),
		sentRing: make([]int, history),
	}
}

// Register creates an unfulfilled entry for id. An existing entry with the
// same id is replaced (last writer wins); its holder is never fulfilled.
func (r *Registry) Register(id string) *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	p := &Pending{
		id:           id,
		seq:          r.seq,
		registeredAt: r.now(),
		done:         make(chan struct{}),
	}
	r.entries[id] = p
	return p
}

// Fulfill sets the reply for id if the entry exists and is still unfulfilled.
func (r *Registry) Fulfill(id, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.entries[id]
	if !ok || p.fulfilled {
		return false
	}
	fulfillLocked(p, text)
	return true
}

// Must be called with r.mu held.
func fulfillLocked(p *Pending, text string) {
	p.reply = text
	p.fulfilled = true
	close(p.done)
}

func (r *Registry) Peek(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		ID:           p.id,
		Fulfilled:    p.fulfilled,
		Reply:        p.reply,
		MessageID:    p.messageID,
		RegisteredAt: p.registeredAt,
	}, true
}

// Remove deletes the entry for id whoever owns it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Release deletes p's entry only if p is still the current holder of its id,
// so a waiter whose entry was overwritten cannot evict the newer one.
func (r *Registry) Release(p *Pending) bool {
	if p == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[p.id]; ok && cur == p {
		delete(r.entries, p.id)
		return true
	}
	return false
}

// Arm makes p eligible for oldest-first attribution. Call it right before the
// request text goes out; anything the peer says earlier belongs to commands.
func (r *Registry) Arm(p *Pending) bool {
	if p == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[p.id]; !ok || cur != p {
		return false
	}
	p.armed = true
	return true
}

// Bind records the transport message id of the request text sent for p.
// The id is remembered as outbound even if p has already been replaced.
func (r *Registry) Bind(p *Pending, messageID int) bool {
	if p == nil || messageID == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recordSentLocked(messageID)
	if cur, ok := r.entries[p.id]; !ok || cur != p {
		return false
	}
	p.messageID = messageID
	return true
}

// RecordSent remembers an outbound message id that no entry owns, such as a
// command sent ahead of the request text.
func (r *Registry) RecordSent(messageID int) {
	if messageID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordSentLocked(messageID)
}

// WasSent reports whether messageID is one of the recently sent outbound ids.
func (r *Registry) WasSent(messageID int) bool {
	if messageID == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sent[messageID]
	return ok
}

// Must be called with r.mu held.
func (r *Registry) recordSentLocked(messageID int) {
	if len(r.sentRing) == 0 {
		return
	}
	if _, ok := r.sent[messageID]; ok {
		return
	}
	if old := r.sentRing[r.sentNext]; old != 0 {
		delete(r.sent, old)
	}
	r.sentRing[r.sentNext] = messageID
	r.sentNext = (r.sentNext + 1) % len(r.sentRing)
	r.sent[messageID] = struct{}{}
}

// FulfillReplyTo fulfills the unfulfilled entry bound to messageID.
func (r *Registry) FulfillReplyTo(messageID int, text string) (string, bool) {
	if messageID == 0 {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.entries {
		if p.messageID == messageID && !p.fulfilled {
			fulfillLocked(p, text)
			return id, true
		}
	}
	return "", false
}

// FulfillFirstPending fulfills the oldest armed, unfulfilled entry. It also
// reports how many such entries were present when the choice was made.
func (r *Registry) FulfillFirstPending(text string) (id string, pending int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest *Pending
	for _, p := range r.entries {
		if p.fulfilled || !p.armed {
			continue
		}
		pending++
		if oldest == nil || p.seq < oldest.seq {
			oldest = p
		}
	}
	if oldest == nil {
		return "", 0, false
	}
	fulfillLocked(oldest, text)
	return oldest.id, pending, true
}

// Len is the number of entries, fulfilled or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Pending is the number of unfulfilled entries.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, p := range r.entries {
		if !p.fulfilled {
			n++
		}
	}
	return n
}
