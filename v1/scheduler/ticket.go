package scheduler

import (
	"context"
	"errors"
	"fmt"

	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
)

// Ticket is the acceptance acknowledgment of a submitted job. It completes
// once the job has run, successfully or not.
type Ticket struct {
	ID  string
	Key string

	done chan struct{}
	err  error
}

func newTicket(id, key string) *Ticket {
	return &Ticket{ID: id, Key: key, done: make(chan struct{})}
}

func (t *Ticket) complete(err error) {
	t.err = err
	close(t.done)
}

// Done is closed when the job has finished.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the final job error. It is nil until Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx ends.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctxError(ctx)
	}
}

// ctxError maps a deadline to ErrTimeout while keeping the context error
// in the chain.
func ctxError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", keeperrors.ErrTimeout, err)
	}
	return err
}
