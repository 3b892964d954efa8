// Package scheduler runs named periodic jobs. Each job has at most one
// instance in flight: a tick that arrives while the previous run is still
// going is dropped, not queued.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type Scheduler struct {
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel}
}

// Every schedules fn to run once per interval, starting one interval from
// now. Overlapping ticks are dropped.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		var running atomic.Bool
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
			}

			if !running.CompareAndSwap(false, true) {
				log.Printf("scheduler: previous run still going, skipping job=%s", name)
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer running.Store(false)
				fn(s.ctx)
			}()
		}
	}()
}

// Once schedules fn to run a single time after delay.
func (s *Scheduler) Once(name string, delay time.Duration, fn func(ctx context.Context)) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		fn(s.ctx)
	}()
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
