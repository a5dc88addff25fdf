package feedsync

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type SchedulerOptions struct {
	// Jitter spreads each interval by up to this ratio in either direction.
	Jitter float64
	Logger Logger
	// Sample returns values in [0,1); defaults to a seeded math/rand source.
	Sample func() float64
}

// Scheduler fires poll on a best-effort interval. Each tick runs in its own
// goroutine and is never queued behind a previous one; overlap is the
// poller's concern.
type Scheduler struct {
	poll   func(ctx context.Context)
	jitter float64
	sample func() float64
	logger Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(poll func(ctx context.Context), opts SchedulerOptions) *Scheduler {
	sample := opts.Sample
	if sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		var rngMu sync.Mutex
		sample = func() float64 {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Float64()
		}
	}
	return &Scheduler{
		poll:   poll,
		jitter: ClampJitterRatio(opts.Jitter),
		sample: sample,
		logger: opts.Logger,
	}
}

// Start begins ticking after initialDelay and then roughly every interval.
// It returns false without changing anything when already running.
func (s *Scheduler) Start(initialDelay, interval time.Duration) bool {
	if interval <= 0 {
		interval = time.Minute
	}
	if initialDelay < 0 {
		initialDelay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done, initialDelay, interval)
	return true
}

// Stop cancels the schedule and waits for the timer loop to exit. Ticks
// already running are left to finish. Safe to call when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}, initialDelay, interval time.Duration) {
	defer close(done)
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			go s.tick(ctx)
			timer.Reset(JitteredInterval(interval, s.jitter, s.sample()))
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logf("poll panicked: %v", r)
		}
	}()
	s.poll(ctx)
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval scales base by a factor in [1-ratio, 1+ratio] chosen by
// sample, which is expected in [0,1].
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
