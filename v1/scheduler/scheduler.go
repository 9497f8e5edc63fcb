// Package scheduler runs asynchronous writes on a fixed set of partitions.
// Every key maps to one partition, so jobs for the same key run in
// submission order while different keys proceed in parallel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/eapache/go-resiliency/retrier"
	"github.com/google/uuid"
	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultQueueDepth = 1024
	DefaultRetries    = 3
	DefaultBackoff    = 10 * time.Millisecond
)

// Job is the unit of work executed by a partition worker.
type Job func(ctx context.Context) error

type task struct {
	seq    uint64
	job    Job
	ticket *Ticket
}

type options struct {
	workers    int
	queueDepth int
	retries    int
	backoff    time.Duration
	logger     *slog.Logger
	onComplete func(key string, err error)
}

// Option configures a Scheduler.
type Option func(*options)

// WithWorkers sets the number of partitions. Values below one select
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithQueueDepth sets the capacity of each partition queue.
func WithQueueDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// WithRetries sets how many times a failed persistence write is retried
// and the initial backoff, which doubles on each attempt.
func WithRetries(n int, backoff time.Duration) Option {
	return func(o *options) {
		if n >= 0 {
			o.retries = n
		}
		if backoff > 0 {
			o.backoff = backoff
		}
	}
}

// WithLogger sets the logger used for job failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCompletionHook registers fn to be called once per job after its
// last attempt, with the final error.
func WithCompletionHook(fn func(key string, err error)) Option {
	return func(o *options) { o.onComplete = fn }
}

// Scheduler owns the partition workers.
type Scheduler struct {
	opts   options
	queues []chan task
	group  *errgroup.Group
	ctx    context.Context
	stop   context.CancelFunc

	// submitMu orders Submit against Close so nothing is accepted after
	// Close has started.
	submitMu sync.RWMutex
	closed   bool

	mu          sync.Mutex
	seq         uint64
	outstanding map[uint64]*Ticket

	closeOnce sync.Once
	closeErr  error
}

// New starts a scheduler with its workers running.
func New(opts ...Option) *Scheduler {
	o := options{
		workers:    runtime.GOMAXPROCS(0),
		queueDepth: DefaultQueueDepth,
		retries:    DefaultRetries,
		backoff:    DefaultBackoff,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		o.workers = runtime.GOMAXPROCS(0)
	}
	ctx, stop := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	s := &Scheduler{
		opts:        o,
		queues:      make([]chan task, o.workers),
		group:       group,
		ctx:         gctx,
		stop:        stop,
		outstanding: make(map[uint64]*Ticket),
	}
	for i := range s.queues {
		q := make(chan task, o.queueDepth)
		s.queues[i] = q
		group.Go(func() error {
			s.work(q)
			return nil
		})
	}
	return s
}

// Workers returns the number of partitions.
func (s *Scheduler) Workers() int { return len(s.queues) }

// Partition returns the partition index of key.
func (s *Scheduler) Partition(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.queues)))
}

// Submit queues fn on the partition of key and returns its ticket. When
// the partition is full Submit blocks until there is room or ctx ends.
func (s *Scheduler) Submit(ctx context.Context, key string, fn Job) (*Ticket, error) {
	return s.submit(ctx, key, fn, true)
}

// TrySubmit is Submit without blocking: a full partition yields
// ErrQueueFull.
func (s *Scheduler) TrySubmit(key string, fn Job) (*Ticket, error) {
	return s.submit(context.Background(), key, fn, false)
}

func (s *Scheduler) submit(ctx context.Context, key string, fn Job, block bool) (*Ticket, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil job", keeperrors.ErrInvalidArgument)
	}
	s.submitMu.RLock()
	defer s.submitMu.RUnlock()
	if s.closed {
		return nil, keeperrors.ErrClosed
	}

	t := task{job: fn, ticket: newTicket(uuid.NewString(), key)}
	s.mu.Lock()
	s.seq++
	t.seq = s.seq
	s.outstanding[t.seq] = t.ticket
	s.mu.Unlock()

	q := s.queues[s.Partition(key)]
	if block {
		select {
		case q <- t:
			return t.ticket, nil
		case <-ctx.Done():
			err := ctxError(ctx)
			s.abandon(t, err)
			return nil, err
		}
	}
	select {
	case q <- t:
		return t.ticket, nil
	default:
		s.abandon(t, keeperrors.ErrQueueFull)
		return nil, keeperrors.ErrQueueFull
	}
}

// abandon completes a ticket that never reached its queue so a Drain that
// already picked it up does not wait for it.
func (s *Scheduler) abandon(t task, err error) {
	s.forget(t.seq)
	t.ticket.complete(err)
}

func (s *Scheduler) forget(seq uint64) {
	s.mu.Lock()
	delete(s.outstanding, seq)
	s.mu.Unlock()
}

func (s *Scheduler) work(q chan task) {
	r := s.newRetrier()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-q:
			err := s.run(r, t)
			if err != nil {
				s.opts.logger.Warn("keep: async job failed", "key", t.ticket.Key, "ticket", t.ticket.ID, "error", err)
			}
			if s.opts.onComplete != nil {
				s.opts.onComplete(t.ticket.Key, err)
			}
			s.forget(t.seq)
			t.ticket.complete(err)
		}
	}
}

// run executes t with retries. Backoff sleeps end when the scheduler
// stops, and the job then fails with ErrClosed wrapping its last error.
func (s *Scheduler) run(r *retrier.Retrier, t task) error {
	var last error
	err := r.RunCtx(s.ctx, func(ctx context.Context) error {
		last = t.job(ctx)
		return last
	})
	if last != nil && s.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", keeperrors.ErrClosed, last)
	}
	return err
}

// Pending returns the number of accepted jobs that have not finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

// Depths returns the number of queued jobs per partition.
func (s *Scheduler) Depths() []int {
	out := make([]int, len(s.queues))
	for i, q := range s.queues {
		out[i] = len(q)
	}
	return out
}

// Drain waits for every job accepted before the call to finish. Jobs
// submitted while Drain waits are not waited for.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	waiting := make([]*Ticket, 0, len(s.outstanding))
	for _, t := range s.outstanding {
		waiting = append(waiting, t)
	}
	s.mu.Unlock()
	for _, t := range waiting {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctxError(ctx)
		}
	}
	return nil
}

// Close stops accepting jobs, drains what was accepted and stops the
// workers. Later calls return the first result.
func (s *Scheduler) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.submitMu.Lock()
		s.closed = true
		s.submitMu.Unlock()
		s.closeErr = s.Drain(ctx)
		s.stop()
		_ = s.group.Wait()
		s.failLeftovers()
	})
	return s.closeErr
}

// failLeftovers completes tickets still queued when Close gave up on
// draining.
func (s *Scheduler) failLeftovers() {
	for _, q := range s.queues {
		for len(q) > 0 {
			t := <-q
			s.forget(t.seq)
			if s.opts.onComplete != nil {
				s.opts.onComplete(t.ticket.Key, keeperrors.ErrClosed)
			}
			t.ticket.complete(keeperrors.ErrClosed)
		}
	}
}
