package sxm

import (
	"sync"
	"time"
)

// Scheduler is the collaborator contract the watchdog depends on: arm a
// one-shot callback after delay, and cancel an armed handle (spec Design
// Notes §9). Re-arming inside the callback must store the new handle into
// the SendState before returning — mirror.go does this.
type Scheduler interface {
	OneShot(delay time.Duration, cb func()) SchedulerHandle
	Cancel(h SchedulerHandle)
}

// timerScheduler is the stdlib-backed Scheduler used in production: a
// one-shot is a *time.Timer keyed by a monotonically increasing handle.
type timerScheduler struct {
	mu     sync.Mutex
	next   int64
	timers map[SchedulerHandle]*time.Timer
}

// NewScheduler returns the stdlib time.AfterFunc-backed Scheduler.
func NewScheduler() Scheduler {
	return &timerScheduler{timers: map[SchedulerHandle]*time.Timer{}}
}

func (s *timerScheduler) OneShot(delay time.Duration, cb func()) SchedulerHandle {
	s.mu.Lock()
	s.next++
	h := SchedulerHandle(s.next)
	s.mu.Unlock()

	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, h)
		s.mu.Unlock()

		cb()
	})

	s.mu.Lock()
	s.timers[h] = timer
	s.mu.Unlock()

	return h
}

func (s *timerScheduler) Cancel(h SchedulerHandle) {
	s.mu.Lock()
	timer, ok := s.timers[h]
	delete(s.timers, h)
	s.mu.Unlock()

	if ok {
		timer.Stop()
	}
}
