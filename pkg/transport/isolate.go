package transport

import (
	"context"
	"fmt"
)

// Isolate runs fn on its own goroutine and waits for it or for ctx. Blocking
// system calls inside fn therefore cannot hold the caller past its deadline.
// A session that fn produces after ctx has ended is closed, so an abandoned
// attempt never leaves a live session behind.
func Isolate(ctx context.Context, fn func(ctx context.Context) (Session, error)) (Session, error) {
	type result struct {
		s   Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := fn(ctx)
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if ctx.Err() != nil {
			if r.s != nil {
				_ = r.s.Close()
			}
			return nil, fmt.Errorf("attempt abandoned: %w", ctx.Err())
		}
		return r.s, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.s != nil {
				_ = r.s.Close()
			}
		}()
		return nil, fmt.Errorf("attempt abandoned: %w", ctx.Err())
	}
}
