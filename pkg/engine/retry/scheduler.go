package retry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrNotRetryable = errors.New("error is not retryable")
	ErrExhausted    = errors.New("retry budget exhausted")
)

// Scheduler runs agent-side retries of rejected operations. Each operation is
// identified by a key; at most one retry per key is pending, and a newer
// instruction for the same key supersedes it.
type Scheduler struct {
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	pending map[string]*attempt
	stopped bool
}

type attempt struct {
	bo    backoff.BackOff
	timer *time.Timer
	gen   uint64
}

type SchedulerOption func(*Scheduler)

// WithBackOff overrides the exponential policy used for new keys.
func WithBackOff(f func() backoff.BackOff) SchedulerOption {
	return func(s *Scheduler) {
		s.newBackOff = f
	}
}

func NewScheduler(logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		logger:  logger,
		pending: map[string]*attempt{},
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			bo.MaxInterval = 2 * time.Minute
			bo.MaxElapsedTime = 0
			return bo
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule arranges for fn to run once the retry delay for key elapses. The delay
// is the next backoff interval, never shorter than the server supplied minimum.
// Errors that must not be retried are returned unchanged wrapped in ErrNotRetryable.
func (s *Scheduler) Schedule(key string, cause *ServerError, fn func()) (time.Duration, error) {
	if cause == nil || !cause.Retryable() {
		return 0, errors.Join(ErrNotRetryable, cause)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, ErrExhausted
	}

	a, ok := s.pending[key]
	if !ok {
		a = &attempt{bo: s.newBackOff()}
		s.pending[key] = a
	}
	delay := a.bo.NextBackOff()
	if delay == backoff.Stop {
		delete(s.pending, key)
		return 0, ErrExhausted
	}
	delay = max(delay, cause.RetryAfter)

	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		cur, ok := s.pending[key]
		if !ok || cur != a || cur.gen != gen {
			s.mu.Unlock()
			return
		}
		a.timer = nil
		s.mu.Unlock()
		fn()
	})
	s.logger.Debug("retry scheduled", "key", key, "delay", delay, "cause", cause.Error())
	return delay, nil
}

// Supersede cancels any pending retry for key and resets its backoff. Called when a
// newer instruction arrives or the operation finally succeeds.
func (s *Scheduler) Supersede(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.pending[key]
	if !ok {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	delete(s.pending, key)
}

func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.pending[key]
	return ok && a.timer != nil
}

// Stop cancels every pending retry. Later calls to Schedule fail.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, a := range s.pending {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(s.pending, key)
	}
	s.stopped = true
}
