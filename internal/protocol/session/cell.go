package session

import (
	"sync"
	"sync/atomic"
)

// Cell holds one immutable snapshot of T. Readers load the current pointer
// without locking; writers are serialized and replace the whole value, so a
// reader never observes a partial update. Subscribers receive the latest value
// only: a slow subscriber loses intermediate values, never the newest one.
type Cell[T any] struct {
	cur  atomic.Pointer[T]
	mu   sync.Mutex
	subs map[*cellSub[T]]struct{}
}

// Observable is the read side of a Cell.
type Observable[T any] interface {
	Load() T
	Subscribe() (<-chan T, func())
}

type cellSub[T any] struct {
	ch   chan T
	once sync.Once
}

func NewCell[T any](initial T) *Cell[T] {
	c := &Cell[T]{subs: make(map[*cellSub[T]]struct{})}
	c.cur.Store(&initial)
	return c
}

func (c *Cell[T]) Load() T {
	return *c.cur.Load()
}

func (c *Cell[T]) Store(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(v)
}

// Update applies fn to the current value and publishes the result.
func (c *Cell[T]) Update(fn func(T) T) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := fn(*c.cur.Load())
	c.storeLocked(next)
	return next
}

// UpdateIf publishes fn's result only when fn reports a change.
func (c *Cell[T]) UpdateIf(fn func(T) (T, bool)) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, ok := fn(*c.cur.Load())
	if !ok {
		return *c.cur.Load(), false
	}
	c.storeLocked(next)
	return next, true
}

// Subscribe returns a channel primed with the current value. The cancel func
// closes the channel and is safe to call more than once.
func (c *Cell[T]) Subscribe() (<-chan T, func()) {
	s := &cellSub[T]{ch: make(chan T, 1)}
	c.mu.Lock()
	s.ch <- *c.cur.Load()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			c.mu.Lock()
			delete(c.subs, s)
			close(s.ch)
			c.mu.Unlock()
		})
	}
	return s.ch, cancel
}

func (c *Cell[T]) storeLocked(v T) {
	c.cur.Store(&v)
	for s := range c.subs {
		select {
		case s.ch <- v:
			continue
		default:
		}
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- v:
		default:
		}
	}
}
