package scope

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestReleaseRunsInReverseOrder(t *testing.T) {
	t.Parallel()

	var order []string
	var s Stack
	for _, name := range []string{"detach", "remove-mountpoint", "unmount"} {
		s.Defer(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	if err := s.Release(context.Background()); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if got, want := strings.Join(order, ","), "unmount,remove-mountpoint,detach"; got != want {
		t.Fatalf("unexpected order: got %q want %q", got, want)
	}
	if s.Len() != 0 {
		t.Fatalf("expected stack to be drained, got %d", s.Len())
	}
}

func TestReleaseContinuesAfterFailureAndJoins(t *testing.T) {
	t.Parallel()

	busy := errors.New("target is busy")
	detached := false
	var s Stack
	s.Defer("detach", func(context.Context) error {
		detached = true
		return nil
	})
	s.Defer("unmount", func(context.Context) error { return busy })

	err := s.Release(context.Background())
	if !detached {
		t.Fatal("expected detach to run after unmount failure")
	}
	if !errors.Is(err, busy) {
		t.Fatalf("expected unmount failure in result, got %v", err)
	}
	if !strings.Contains(err.Error(), "unmount: target is busy") {
		t.Fatalf("expected release name prefix, got %q", err.Error())
	}
}

func TestCloseKeepsRootCause(t *testing.T) {
	t.Parallel()

	rootCause := errors.New("systemctl mask failed")
	busy := errors.New("target is busy")

	run := func() (err error) {
		var s Stack
		defer s.Close(context.Background(), &err)
		s.Defer("unmount", func(context.Context) error { return busy })
		return rootCause
	}

	err := run()
	if !errors.Is(err, rootCause) {
		t.Fatalf("root cause lost: %v", err)
	}
	if !errors.Is(err, busy) {
		t.Fatalf("release failure lost: %v", err)
	}
	if !strings.HasPrefix(err.Error(), rootCause.Error()) {
		t.Fatalf("expected root cause first, got %q", err.Error())
	}
}

func TestReleaseIgnoresCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sawErr error
	var s Stack
	s.Defer("detach", func(ctx context.Context) error {
		sawErr = ctx.Err()
		return nil
	})
	if err := s.Release(ctx); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if sawErr != nil {
		t.Fatalf("expected release context to be detached from cancellation, got %v", sawErr)
	}
}
