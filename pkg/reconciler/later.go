package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/converge/pkg/changes"
)

// LaterFunc stages changes from a delayed task
type LaterFunc func(ctx context.Context, svc *Services, cs *changes.Changeset) error

// scheduler runs one-shot delayed tasks on their own goroutines
type scheduler struct {
	engine *Engine

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	running sync.WaitGroup
	stopped bool
}

func newScheduler(e *Engine) *scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &scheduler{
		engine: e,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[*time.Timer]struct{}),
	}
}

// ExecuteLater runs fn after delay with a fresh changeset and executes what
// it staged. Errors are logged; the caller is never blocked.
func (e *Engine) ExecuteLater(delay time.Duration, fn LaterFunc) {
	e.later.schedule(delay, fn)
}

func (s *scheduler) schedule(delay time.Duration, fn LaterFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.timers, timer)
		s.running.Add(1)
		s.mu.Unlock()

		defer s.running.Done()
		s.run(fn)
	})
	s.timers[timer] = struct{}{}
}

func (s *scheduler) run(fn LaterFunc) {
	e := s.engine
	cs := e.NewChangeset()
	if err := fn(s.ctx, e.services, cs); err != nil {
		e.logger.Error().Err(err).Msg("Delayed task failed")
		return
	}
	if err := e.Execute(s.ctx, cs); err != nil {
		e.logger.Error().Err(err).Msg("Failed to commit delayed task changes")
	}
}

// pending returns the number of tasks waiting for their delay
func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *scheduler) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for timer := range s.timers {
		timer.Stop()
	}
	s.timers = nil
	s.mu.Unlock()

	s.cancel()
	s.running.Wait()
}
