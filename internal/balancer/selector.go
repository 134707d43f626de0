// Package balancer rotates requests across a fixed, ordered backend list.
package balancer

import (
	"errors"
	"sync/atomic"
)

// ErrNoBackends is returned when a Selector is built from an empty list.
var ErrNoBackends = errors.New("balancer: backend list is empty")

// Selector hands out backends in round-robin order. Retries do not touch
// the shared cursor: they walk forward from the index the request was first
// given, so every attempt of one request lands on a distinct backend.
type Selector struct {
	backends []string
	cursor   atomic.Uint64
}

// NewSelector copies backends; later changes to the slice do not affect the
// selector.
func NewSelector(backends []string) (*Selector, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	return &Selector{backends: append([]string(nil), backends...)}, nil
}

// Next advances the cursor once and returns the index and address it
// pointed at.
func (s *Selector) Next() (int, string) {
	n := s.cursor.Add(1) - 1
	idx := int(n % uint64(len(s.backends)))
	return idx, s.backends[idx]
}

// ByIndex returns the backend at i modulo the list length.
func (s *Selector) ByIndex(i int) string {
	n := len(s.backends)
	return s.backends[((i%n)+n)%n]
}

// Retry returns the backend for the attempt after failures failed attempts
// of a request first sent to original. ok is false once every backend has
// been tried.
func (s *Selector) Retry(original, failures int) (addr string, ok bool) {
	if failures <= 0 || failures >= len(s.backends) {
		return "", false
	}
	return s.ByIndex(original + failures), true
}

// Len returns the number of backends.
func (s *Selector) Len() int { return len(s.backends) }

// Backends returns a copy of the backend list.
func (s *Selector) Backends() []string {
	return append([]string(nil), s.backends...)
}
