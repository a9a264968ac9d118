// Package supervisor owns the process's background goroutines: panic
// isolation, restart-with-backoff for loops that must stay up, and a single
// place to cancel and wait on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"agentops/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

func New(parent context.Context, log logx.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    log.With(logx.String("comp", "supervisor")),
	}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel asks every supervised goroutine to stop.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error a supervised goroutine exited with.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Go runs fn once. A panic is recovered and recorded as the goroutine's
// error; it never takes the process down.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.run(name, fn)
		if err != nil && s.ctx.Err() == nil {
			s.log.Error("goroutine exited", logx.String("name", name), logx.Err(err))
			s.setErr(err)
		}
	}()
}

// GoRestart keeps fn running until the supervisor is cancelled, backing off
// exponentially between exits (1s doubling to 30s, reset after a minute of
// clean running).
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	const (
		backoffMin = time.Second
		backoffMax = 30 * time.Second
		healthyFor = time.Minute
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := backoffMin
		for {
			started := time.Now()
			err := s.run(name, fn)
			if s.ctx.Err() != nil {
				return
			}
			if time.Since(started) > healthyFor {
				backoff = backoffMin
			}
			s.log.Warn("restarting goroutine",
				logx.String("name", name),
				logx.Duration("backoff", backoff),
				logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
	}()
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v\n%s", name, r, debug.Stack())
		}
	}()
	return fn(s.ctx)
}

// Wait blocks until every supervised goroutine has exited or waitCtx is
// done.
func (s *Supervisor) Wait(waitCtx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-waitCtx.Done():
		return waitCtx.Err()
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(waitCtx context.Context) error {
	s.cancel()
	return s.Wait(waitCtx)
}
