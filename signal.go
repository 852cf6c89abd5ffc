package cxp

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Source is a stream of values that can be subscribed to.
type Source[T any] interface {
	// Subscribe registers fn to receive values until the returned Disposable is disposed.
	Subscribe(fn func(T)) Disposable
}

// Signal is a live level value supplied by the host, such as "the document presently relevant" or
// "the current settings". It is not an event log: setting a value equal to the current one is not
// a change and is not delivered.
//
// Values are delivered to subscribers synchronously, in the order they were set, and a new
// subscriber first receives the current value if one was set. Subscribers must not call Set on
// the Signal they are subscribed to.
type Signal[T any] struct {
	// emitMu serializes deliveries so every subscriber sees values in the same order.
	emitMu sync.Mutex

	mu    sync.Mutex // guards value, has, subs
	value T
	has   bool
	subs  []*signalSubscriber[T]
	equal func(a, b T) bool
}

type signalSubscriber[T any] struct {
	fn      func(T)
	stopped atomic.Bool
}

// NewSignal creates a Signal without a value. Consecutive values for which equal reports true are
// collapsed into one; a nil equal delivers every value.
func NewSignal[T any](equal func(a, b T) bool) *Signal[T] {
	return &Signal[T]{equal: equal}
}

// NewDocumentSignal creates the current-document Signal. A nil item means no document is
// currently relevant.
func NewDocumentSignal() *Signal[*TextDocumentItem] {
	return NewSignal(sameDocument)
}

// Set changes the value of the signal and delivers it to every subscriber.
func (s *Signal[T]) Set(v T) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.has && s.equal != nil && s.equal(s.value, v) {
		s.mu.Unlock()
		return
	}
	s.value, s.has = v, true
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.stopped.Load() {
			continue
		}
		sub.fn(v)
	}
}

// Get returns the current value and whether one was ever set.
func (s *Signal[T]) Get() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.has
}

// Subscribe implements Source.
func (s *Signal[T]) Subscribe(fn func(T)) Disposable {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	sub := &signalSubscriber[T]{fn: fn}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	v, has := s.value, s.has
	s.mu.Unlock()

	if has {
		fn(v)
	}

	return DisposeFunc(func() {
		sub.stopped.Store(true)
		s.mu.Lock()
		s.subs = slices.DeleteFunc(s.subs, func(other *signalSubscriber[T]) bool {
			return other == sub
		})
		s.mu.Unlock()
	})
}

// subscribers returns the number of active subscribers.
func (s *Signal[T]) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type sourceFunc[T any] func(fn func(T)) Disposable

func (f sourceFunc[T]) Subscribe(fn func(T)) Disposable {
	return f(fn)
}

func sameDocument(a, b *TextDocumentItem) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
