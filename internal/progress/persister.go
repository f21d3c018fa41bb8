package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/mpvserve/mpvserve/internal/metrics"
)

// Handoff is the one-shot channel between a stream and its persister.
// Deliver may be called from any goroutine; only the first call counts and it
// never blocks.
type Handoff struct {
	ch       chan Snapshot
	released chan struct{}
	once     sync.Once
}

// Deliver hands snap over to the waiting persister goroutine.
func (h *Handoff) Deliver(snap Snapshot) {
	h.once.Do(func() {
		select {
		case h.ch <- snap:
		default:
		}
	})
}

// Release ends the unit of work without persisting anything. It is used when
// the stream fails to open. Release after Deliver is a no-op and vice versa.
func (h *Handoff) Release() {
	h.once.Do(func() {
		if h.released != nil {
			close(h.released)
		}
	})
}

// Persister runs one background upsert per armed stream.
// Storage calls use the persister's own context, never a request context, so
// they keep running after the response that produced the snapshot is gone.
type Persister struct {
	store  Store
	ctx    context.Context
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	wg     conc.WaitGroup
}

type PersisterOption func(*Persister)

// WithLogger sets the logger used to report failed upserts.
func WithLogger(logger *slog.Logger) PersisterOption {
	return func(p *Persister) { p.logger = logger }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) PersisterOption {
	return func(p *Persister) { p.now = now }
}

// WithContext sets the base context for storage calls.
func WithContext(ctx context.Context) PersisterOption {
	return func(p *Persister) { p.ctx = ctx }
}

func NewPersister(store Store, opts ...PersisterOption) *Persister {
	p := &Persister{
		store:  store,
		ctx:    context.Background(),
		logger: slog.Default().With("component", "progress-persister"),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Arm spawns the unit of work for one stream and returns its handoff.
// After Close, the returned handoff silently drops whatever it is given.
func (p *Persister) Arm() *Handoff {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.logger.Warn("Persister closed, progress will not be recorded")
		return &Handoff{}
	}

	h := &Handoff{ch: make(chan Snapshot, 1), released: make(chan struct{})}
	p.wg.Go(func() {
		select {
		case snap := <-h.ch:
			p.persist(snap)
		case <-h.released:
		case <-p.stop:
			// A stream closed right before shutdown may already have delivered
			select {
			case snap := <-h.ch:
				p.persist(snap)
			default:
			}
		}
	})
	return h
}

func (p *Persister) persist(snap Snapshot) {
	result, err := Upsert(p.ctx, p.store, snap, p.now())
	if err != nil {
		metrics.PersistTotal.WithLabelValues("failed").Inc()
		p.logger.ErrorContext(p.ctx, "Failed to persist playback progress",
			"key", snap.Key,
			"last_offset", snap.LastOffset,
			"error", err)
		return
	}

	metrics.PersistTotal.WithLabelValues(string(result)).Inc()
	p.logger.DebugContext(p.ctx, "Playback progress persisted",
		"key", snap.Key,
		"last_offset", snap.LastOffset,
		"file_length", snap.FileLength,
		"result", result)
}

// Close stops arming new streams, releases waiters that never got a snapshot
// and waits for in-flight upserts until ctx is done.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := p.wg.WaitAndRecover(); r != nil {
			p.logger.Error("Panic in progress persister", "panic", r.Value, "stack", string(r.Stack))
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
