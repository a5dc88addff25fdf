package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/agentworkforce/alarmfeed/internal/eventcache"
)

type Logger interface {
	Printf(format string, args ...any)
}

type pendingWrite struct {
	seq    uint64
	clear  bool
	events []eventcache.Event
}

type flushWaiter struct {
	target uint64
	done   chan struct{}
}

// Persister writes snapshots on a single background goroutine. Only the most
// recent request is kept while a write is in progress, so a burst of saves
// costs one write and a Clear issued after a Save wins over it.
type Persister struct {
	backend StateBackend
	logger  Logger
	now     func() time.Time

	mu        sync.Mutex
	pending   *pendingWrite
	requested uint64
	completed uint64
	waiters   []flushWaiter
	closed    bool

	wake    chan struct{}
	stopped chan struct{}
}

func NewPersister(backend StateBackend, logger Logger) *Persister {
	p := &Persister{
		backend: backend,
		logger:  logger,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go p.run()
	return p
}

// Save schedules events to be written and returns immediately.
func (p *Persister) Save(events []eventcache.Event) {
	copied := make([]eventcache.Event, len(events))
	for i, event := range events {
		copied[i] = event.Clone()
	}
	p.enqueue(pendingWrite{events: copied})
}

// Clear schedules removal of the persisted state.
func (p *Persister) Clear() {
	p.enqueue(pendingWrite{clear: true})
}

func (p *Persister) enqueue(write pendingWrite) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logf("persister closed; dropping write")
		return
	}
	p.requested++
	write.seq = p.requested
	p.pending = &write
	p.mu.Unlock()
	p.signal()
}

// Load returns the persisted events oldest first. Missing or unreadable state
// yields an empty slice.
func (p *Persister) Load() []eventcache.Event {
	if p.backend == nil {
		return nil
	}
	snapshot, err := p.backend.Load()
	if err != nil {
		p.logf("load persisted events failed: %v", err)
		return nil
	}
	if snapshot == nil {
		return nil
	}
	if snapshot.Version > SnapshotVersion {
		p.logf("persisted snapshot version %d is newer than supported %d; ignoring", snapshot.Version, SnapshotVersion)
		return nil
	}
	return snapshot.Events
}

// Flush blocks until every write requested before the call has completed.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	target := p.requested
	if p.completed >= target {
		p.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	p.waiters = append(p.waiters, flushWaiter{target: target, done: done})
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending writes and stops the writer goroutine. It is safe to
// call more than once.
func (p *Persister) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.stopped
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.signal()
	<-p.stopped
	return nil
}

func (p *Persister) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Persister) run() {
	defer close(p.stopped)
	for {
		<-p.wake
		p.drain()
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
	}
}

func (p *Persister) drain() {
	for {
		p.mu.Lock()
		write := p.pending
		p.pending = nil
		p.mu.Unlock()
		if write == nil {
			return
		}

		p.write(write)

		p.mu.Lock()
		p.completed = write.seq
		remaining := p.waiters[:0]
		for _, waiter := range p.waiters {
			if waiter.target <= p.completed {
				close(waiter.done)
				continue
			}
			remaining = append(remaining, waiter)
		}
		p.waiters = remaining
		p.mu.Unlock()
	}
}

func (p *Persister) write(write *pendingWrite) {
	if p.backend == nil {
		return
	}
	if write.clear {
		if err := p.backend.Clear(); err != nil {
			p.logf("clear persisted events failed: %v", err)
		}
		return
	}
	snapshot := &Snapshot{
		Version: SnapshotVersion,
		SavedAt: p.now().UTC(),
		Events:  write.events,
	}
	if err := p.backend.Save(snapshot); err != nil {
		p.logf("save %d events failed: %v", len(write.events), err)
	}
}

func (p *Persister) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
