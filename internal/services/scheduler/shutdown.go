package scheduler

import "context"

// Shutdown completes when every service has finished collecting.
type Shutdown struct {
	done chan struct{}
	err  error
}

func newShutdown() *Shutdown { return &Shutdown{done: make(chan struct{})} }

func completedShutdown() *Shutdown {
	s := newShutdown()
	close(s.done)
	return s
}

func (s *Shutdown) complete(err error) {
	s.err = err
	close(s.done)
}

// Done is closed once all FinishCollecting calls have returned.
func (s *Shutdown) Done() <-chan struct{} { return s.done }

// Err returns the first FinishCollecting error. It is nil until Done is
// closed.
func (s *Shutdown) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the shutdown completes or ctx ends.
func (s *Shutdown) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
