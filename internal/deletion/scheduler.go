package deletion

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	perrors "github.com/p-blackswan/chatwarden/internal/errors"
	"github.com/p-blackswan/chatwarden/internal/retry"
)

// Recorder receives scheduler observations (implemented by metrics.Metrics).
type Recorder interface {
	RecordJobScheduled()
	ObserveAttempt(outcome string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordJobScheduled() {}

func (nopRecorder) ObserveAttempt(_ string, _ time.Duration) {}

// Config holds scheduler configuration.
type Config struct {
	// Retry.MaxAttempts bounds delete attempts per job; the remaining fields
	// shape the backoff between attempts.
	Retry       retry.Config
	Workers     int
	QueueSize   int
	CallTimeout time.Duration
	RatePerSec  float64 // outbound delete calls per second, <= 0 disables limiting
	RateBurst   int
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Retry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    time.Minute,
			Jitter:      true,
		},
		Workers:     2,
		QueueSize:   1024,
		CallTimeout: 10 * time.Second,
		RatePerSec:  20,
		RateBurst:   5,
	}
}

// Scheduler fires deletion jobs at their due time. A single dispatcher
// goroutine drains a min-heap of timers into a bounded work queue consumed by
// a fixed pool of workers.
type Scheduler struct {
	cfg      Config
	registry *Registry
	executor *Executor
	limiter  *rate.Limiter
	recorder Recorder
	logger   zerolog.Logger

	mu     sync.Mutex // guards timers and items; taken before the registry lock
	timers timerHeap
	items  map[Key]*timerItem

	wake chan struct{}
	work chan timerItem

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) SchedulerOption {
	return func(s *Scheduler) { s.recorder = r }
}

// NewScheduler creates a scheduler over registry and executor.
func NewScheduler(cfg Config, registry *Registry, executor *Executor, logger zerolog.Logger, opts ...SchedulerOption) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	s := &Scheduler{
		cfg:      cfg,
		registry: registry,
		executor: executor,
		limiter:  rate.NewLimiter(limit, burst),
		recorder: nopRecorder{},
		logger:   logger.With().Str("component", "deletion_scheduler").Logger(),
		items:    make(map[Key]*timerItem),
		wake:     make(chan struct{}, 1),
		work:     make(chan timerItem, cfg.QueueSize),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the dispatcher and worker goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	if s.running.Swap(true) {
		return // already running
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.dispatch(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.logger.Info().
		Int("workers", s.cfg.Workers).
		Int("max_attempts", s.cfg.Retry.MaxAttempts).
		Msg("deletion scheduler started")
}

// Stop halts dispatching, waits for workers and cancels every live job.
// In-flight delete calls are aborted through their context.
func (s *Scheduler) Stop() {
	if !s.running.Swap(false) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.timers = nil
	s.items = make(map[Key]*timerItem)
	n := s.registry.CancelAll()
	s.mu.Unlock()

	s.logger.Info().Int("cancelled", n).Msg("deletion scheduler stopped")
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Schedule arranges for key to be deleted after delay, superseding any
// earlier job for the same key. It never blocks on the work queue.
func (s *Scheduler) Schedule(key Key, delay time.Duration) Handle {
	if delay < 0 {
		delay = 0
	}
	due := time.Now().Add(delay)

	s.mu.Lock()
	h := s.registry.Upsert(key, due)
	s.arm(key, h.gen, due)
	s.mu.Unlock()

	s.signal()
	s.recorder.RecordJobScheduled()
	s.logger.Debug().Str("key", key.String()).Dur("delay", delay).Msg("deletion scheduled")
	return h
}

// Cancel drops the job for key and disarms its timer. No-op if absent.
func (s *Scheduler) Cancel(key Key) bool {
	s.mu.Lock()
	s.disarm(key)
	ok := s.registry.Cancel(key)
	s.mu.Unlock()

	if ok {
		s.logger.Debug().Str("key", key.String()).Msg("deletion cancelled")
	}
	return ok
}

// ActiveJobs returns the number of live jobs.
func (s *Scheduler) ActiveJobs() int { return s.registry.Len() }

// Armed returns the number of timers waiting in the heap.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers.Len()
}

// arm replaces the timer for key. Caller holds s.mu.
func (s *Scheduler) arm(key Key, gen uint64, due time.Time) {
	s.disarm(key)
	it := &timerItem{key: key, gen: gen, due: due}
	heap.Push(&s.timers, it)
	s.items[key] = it
}

// disarm removes the timer for key if armed. Caller holds s.mu.
func (s *Scheduler) disarm(key Key) {
	if it, ok := s.items[key]; ok {
		if it.index >= 0 {
			heap.Remove(&s.timers, it.index)
		}
		delete(s.items, key)
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// popDue removes all expired timers and returns them together with the wait
// until the next one (-1 when the heap is empty).
func (s *Scheduler) popDue() ([]timerItem, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []timerItem
	now := time.Now()
	for s.timers.Len() > 0 {
		next := s.timers[0]
		if next.due.After(now) {
			return ready, next.due.Sub(now)
		}
		heap.Pop(&s.timers)
		if s.items[next.key] == next {
			delete(s.items, next.key)
		}
		ready = append(ready, *next)
	}
	return ready, -1
}

func (s *Scheduler) dispatch(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		ready, wait := s.popDue()
		for _, it := range ready {
			select {
			case s.work <- it:
			case <-ctx.Done():
				return
			}
		}
		if len(ready) > 0 {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait >= 0 {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	log := s.logger.With().Int("worker", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.work:
			s.run(ctx, it, log)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, it timerItem, log zerolog.Logger) {
	if j, ok := s.registry.Get(it.key); !ok || j.gen != it.gen {
		return // cancelled or superseded while queued
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	job, ok := s.registry.fire(it.key, it.gen)
	if !ok {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	start := time.Now()
	out := s.executor.AttemptDelete(callCtx, job.Key)
	cancel()
	s.recorder.ObserveAttempt(out.Kind.String(), time.Since(start))

	if ctx.Err() != nil && out.Kind != OutcomeSuccess {
		return // shutting down; Stop cancels the job
	}

	log = log.With().
		Str("key", job.Key.String()).
		Int("attempt", job.Attempts).
		Logger()

	switch out.Kind {
	case OutcomeSuccess:
		if !s.registry.finish(job.Key, job.gen, StatusDone) {
			log.Debug().Msg("delete result discarded for cancelled job")
			return
		}
		log.Debug().Msg("message deleted")

	case OutcomePermanent:
		if s.registry.finish(job.Key, job.gen, StatusFailed) {
			log.Warn().Err(out.Err).Str("reason", out.Reason).Msg("message deletion failed permanently")
		}

	case OutcomeRetryable:
		if job.Attempts >= s.cfg.Retry.MaxAttempts {
			if s.registry.finish(job.Key, job.gen, StatusFailed) {
				log.Warn().Err(out.Err).Str("reason", out.Reason).Msg("message deletion retries exhausted")
			}
			return
		}

		backoff := s.cfg.Retry.Delay(job.Attempts)
		if hint := perrors.RetryAfter(out.Err); hint > backoff {
			backoff = hint
		}
		due := time.Now().Add(backoff)

		s.mu.Lock()
		rearmed := s.registry.retry(job.Key, job.gen, due, backoff)
		if rearmed {
			s.arm(job.Key, job.gen, due)
		}
		s.mu.Unlock()

		if rearmed {
			s.signal()
			log.Info().Err(out.Err).Str("reason", out.Reason).Dur("backoff", backoff).Msg("message deletion will be retried")
		}
	}
}
