// Package scope releases acquired resources in reverse order on every exit
// path and aggregates release failures.
package scope

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type release struct {
	name string
	fn   func(context.Context) error
}

type Stack struct {
	mu       sync.Mutex
	releases []release
}

// Defer registers fn to run on Release. Releases run last-in first-out.
func (s *Stack) Defer(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases = append(s.releases, release{name: name, fn: fn})
}

// Release runs every registered function, even after failures, and returns
// their errors joined. Cancellation of ctx does not skip releases.
func (s *Stack) Release(ctx context.Context) error {
	s.mu.Lock()
	pending := s.releases
	s.releases = nil
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(pending) - 1; i >= 0; i-- {
		if err := pending[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pending[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the stack and joins any failure into *errp after the
// error already there.
func (s *Stack) Close(ctx context.Context, errp *error) {
	if err := s.Release(ctx); err != nil {
		*errp = errors.Join(*errp, err)
	}
}

func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.releases)
}
