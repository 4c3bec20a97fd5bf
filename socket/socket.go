// Package socket implements the vendor-agnostic TCP/UDP socket multiplexer:
// small-integer socket ids mapped to state objects whose readiness and
// closure are driven by URCs, with the dirty-bit protocol that prevents a
// URC-delivered edge from being lost across a wait/clear race.
package socket

import (
	"context"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
)

// ID is a vendor-chosen small-integer socket handle.
type ID int

// Kind distinguishes TCP from UDP entries.
type Kind int

const (
	TCP Kind = iota
	UDP
)

// StateWord is a bitmask of socket readiness conditions.
type StateWord uint32

const (
	Connected StateWord = 1 << iota
	Readable
	Closed
)

var (
	// ErrResourceExhausted indicates no free socket id remains in range.
	ErrResourceExhausted = errors.New("socket: no free id in range")
	// ErrNotFound indicates an operation referenced an id with no entry.
	ErrNotFound = errors.New("socket: no such id")
	// ErrClosed indicates an operation on an already-closed entry.
	ErrClosed = errors.New("socket: closed")
)

// Entry is one socket's shared state, mutated by the reader task (via URCs)
// and waited on by the owning task.
type Entry struct {
	ID   ID
	Kind Kind
	Peer netip.AddrPort

	mu               sync.Mutex
	cond             *sync.Cond
	state            StateWord
	dirty            StateWord // bits set since the current waiter's snapshot
	ErrorCode        int
	ShouldPDPDeact   bool
}

func newEntry(id ID, kind Kind) *Entry {
	e := &Entry{ID: id, Kind: kind}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// SetState ORs mask into the entry's state word and marks those bits dirty,
// then wakes any waiter. Called from the reader task on URC delivery.
func (e *Entry) SetState(mask StateWord) {
	e.mu.Lock()
	e.state |= mask
	e.dirty |= mask
	e.mu.Unlock()
	e.cond.Broadcast()
}

// Clear turns off the bits in mask, except any that went dirty since the
// matching WaitFor call began — those survive, per the dirty-bit protocol,
// so the edge is not lost to a concurrent SetState.
func (e *Entry) Clear(mask StateWord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state &^= mask &^ e.dirty
}

// State returns the current state word.
func (e *Entry) State() StateWord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// WaitFor blocks until any bit in mask is set, or ctx is done. The instant
// the condition is observed satisfied, dirty tracking for the returned bits
// is reset — marking this as the fresh snapshot a subsequent Clear is
// relative to. A SetState landing anywhere from this point until the
// matching Clear call is guaranteed to survive that Clear.
func (e *Entry) WaitFor(ctx context.Context, mask StateWord) (StateWord, error) {
	e.mu.Lock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			e.cond.Broadcast()
		case <-done:
		}
	}()

	for e.state&mask == 0 {
		if err := ctx.Err(); err != nil {
			e.mu.Unlock()
			return 0, err
		}
		e.cond.Wait()
	}
	got := e.state & mask
	e.dirty &^= got
	e.mu.Unlock()
	return got, nil
}

// Mux maps socket ids to Entry objects within a vendor-specified range,
// allocating the lowest free id.
type Mux struct {
	mu       sync.Mutex
	lo, hi   int
	entries  map[ID]*Entry
}

// NewMux creates a Mux allocating ids in [lo, hi] inclusive.
func NewMux(lo, hi int) *Mux {
	return &Mux{lo: lo, hi: hi, entries: make(map[ID]*Entry)}
}

// Alloc reserves the lowest free id in range and returns its new Entry.
func (m *Mux) Alloc(kind Kind) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := m.lo; i <= m.hi; i++ {
		id := ID(i)
		if _, taken := m.entries[id]; !taken {
			e := newEntry(id, kind)
			m.entries[id] = e
			return e, nil
		}
	}
	return nil, ErrResourceExhausted
}

// Get returns the Entry for id, if any.
func (m *Mux) Get(id ID) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

// Remove drops id from the map. It is idempotent.
func (m *Mux) Remove(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// IDs returns the currently allocated socket ids, for callers that need to
// enumerate live sockets during teardown.
func (m *Mux) IDs() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]ID, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live entries, for tests asserting the
// "removed exactly once" invariant.
func (m *Mux) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
