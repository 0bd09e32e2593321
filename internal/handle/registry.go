// Package handle implements the back-reference registry that lets
// interrupt-context code reach a thread-owned role context without holding a
// raw pointer into it.
//
// A Registry is a fixed-capacity arena of slots. Each slot word packs a
// generation counter with an ownership state and is only ever changed by
// compare-and-swap:
//
//	Free -> Owned-by-Thread -> Owned-by-ISR -> Owned-by-Thread -> Free
//
// Handles embed the slot generation, so Resolve on a handle whose slot was
// unregistered (and possibly reused) deterministically reports Invalid.
package handle

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Handle identifies one registered reference: pool(16) | generation(32) | index(16).
type Handle uint64

// Invalid is never returned by Register.
const Invalid Handle = 0

// Pool returns the pool tag the handle was issued from.
func (h Handle) Pool() uint16 { return uint16(h >> 48) }

// Index returns the slot index inside its pool.
func (h Handle) Index() uint16 { return uint16(h) }

func (h Handle) gen() uint32 { return uint32(h >> 16) }

func (h Handle) String() string {
	if h == Invalid {
		return "invalid"
	}
	return fmt.Sprintf("%d:%d/%d", h.Pool(), h.Index(), h.gen())
}

func makeHandle(pool uint16, gen uint32, idx uint16) Handle {
	return Handle(uint64(pool)<<48 | uint64(gen)<<16 | uint64(idx))
}

// Owner is the execution context currently allowed to use a handle.
type Owner uint32

const (
	Free Owner = iota
	reserved
	Thread
	ISR
)

func (o Owner) String() string {
	switch o {
	case Free:
		return "free"
	case reserved:
		return "reserved"
	case Thread:
		return "thread"
	case ISR:
		return "isr"
	default:
		return fmt.Sprintf("owner(%d)", uint32(o))
	}
}

// Registry errors
var (
	ErrExhausted     = errors.New("handle pool exhausted")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrNotOwner      = errors.New("handle not owned by caller")
)

const maxCapacity = 1 << 16

type slot[T any] struct {
	word atomic.Uint64 // generation(32) | owner(32)
	ref  atomic.Pointer[T]
}

func pack(gen uint32, o Owner) uint64 { return uint64(gen)<<32 | uint64(o) }

func unpack(w uint64) (uint32, Owner) { return uint32(w >> 32), Owner(uint32(w)) }

// Registry maps handles to references of type T.
type Registry[T any] struct {
	pool  uint16
	slots []slot[T]
	hint  atomic.Uint32
	used  atomic.Int32
}

// New creates a registry with capacity slots whose handles carry the pool tag.
func New[T any](pool uint16, capacity int) (*Registry[T], error) {
	if capacity <= 0 || capacity > maxCapacity {
		return nil, fmt.Errorf("registry capacity %d out of range [1, %d]", capacity, maxCapacity)
	}
	return &Registry[T]{
		pool:  pool,
		slots: make([]slot[T], capacity),
	}, nil
}

// Register binds ref to a free slot, owned by the thread context.
func (r *Registry[T]) Register(ref *T) (Handle, error) {
	if ref == nil {
		return Invalid, fmt.Errorf("register nil reference: %w", ErrInvalidHandle)
	}

	n := uint32(len(r.slots))
	start := r.hint.Load()
	for i := uint32(0); i < n; i++ {
		idx := (start + i) % n
		s := &r.slots[idx]
		w := s.word.Load()
		gen, owner := unpack(w)
		if owner != Free {
			continue
		}
		if !s.word.CompareAndSwap(w, pack(gen, reserved)) {
			continue
		}

		gen++
		if gen == 0 {
			gen = 1
		}
		s.ref.Store(ref)
		s.word.Store(pack(gen, Thread))

		r.hint.Store(idx + 1)
		r.used.Add(1)
		return makeHandle(r.pool, gen, uint16(idx)), nil
	}

	return Invalid, ErrExhausted
}

func (r *Registry[T]) slot(h Handle) (*slot[T], bool) {
	if h == Invalid || h.Pool() != r.pool || int(h.Index()) >= len(r.slots) {
		return nil, false
	}
	return &r.slots[h.Index()], true
}

// Resolve returns the reference bound to h. It never blocks and is safe from
// interrupt context. ok is false for handles that were never issued, were
// unregistered, or belong to another pool.
func (r *Registry[T]) Resolve(h Handle) (ref *T, ok bool) {
	s, found := r.slot(h)
	if !found {
		return nil, false
	}

	gen, owner := unpack(s.word.Load())
	if gen != h.gen() || (owner != Thread && owner != ISR) {
		return nil, false
	}

	ref = s.ref.Load()
	// the slot may have been released between the two loads
	if g, o := unpack(s.word.Load()); g != gen || o == Free || ref == nil {
		return nil, false
	}
	return ref, true
}

// Owner reports which context owns h, or Free for an invalid handle.
func (r *Registry[T]) Owner(h Handle) Owner {
	s, found := r.slot(h)
	if !found {
		return Free
	}
	gen, owner := unpack(s.word.Load())
	if gen != h.gen() {
		return Free
	}
	return owner
}

// Transfer hands h from one context to the other.
func (r *Registry[T]) Transfer(h Handle, from, to Owner) error {
	if (from != Thread && from != ISR) || (to != Thread && to != ISR) {
		return fmt.Errorf("transfer %s -> %s: %w", from, to, ErrNotOwner)
	}
	s, found := r.slot(h)
	if !found {
		return fmt.Errorf("transfer %s: %w", h, ErrInvalidHandle)
	}
	if !s.word.CompareAndSwap(pack(h.gen(), from), pack(h.gen(), to)) {
		if _, owner := unpack(s.word.Load()); owner == Free {
			return fmt.Errorf("transfer %s: %w", h, ErrInvalidHandle)
		}
		return fmt.Errorf("transfer %s from %s: %w", h, from, ErrNotOwner)
	}
	return nil
}

// Unregister releases h. Only the thread context may release a handle; a
// handle still owned by the interrupt context is in flight and is refused.
// Unregistering an already released handle is a no-op.
func (r *Registry[T]) Unregister(h Handle) error {
	s, found := r.slot(h)
	if !found {
		return fmt.Errorf("unregister %s: %w", h, ErrInvalidHandle)
	}

	w := s.word.Load()
	gen, owner := unpack(w)
	if gen != h.gen() || owner == Free {
		return nil
	}
	if owner != Thread {
		return fmt.Errorf("unregister %s while owned by %s: %w", h, owner, ErrNotOwner)
	}

	if !s.word.CompareAndSwap(w, pack(gen, reserved)) {
		return fmt.Errorf("unregister %s: %w", h, ErrNotOwner)
	}
	s.ref.Store(nil)
	s.word.Store(pack(gen, Free))
	r.used.Add(-1)
	return nil
}

// Len returns the number of registered handles.
func (r *Registry[T]) Len() int { return int(r.used.Load()) }

// Cap returns the registry capacity.
func (r *Registry[T]) Cap() int { return len(r.slots) }

// Pool returns the pool tag of issued handles.
func (r *Registry[T]) Pool() uint16 { return r.pool }
