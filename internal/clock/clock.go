// Package clock provides the timers the round engine runs on.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Cancel stops a scheduled function. Calling it more than once is fine.
type Cancel func()

type Clock interface {
	// Every calls fn every d until cancelled.
	Every(d time.Duration, fn func()) Cancel
	// After calls fn once after d unless cancelled first.
	After(d time.Duration, fn func()) Cancel
}

// Real schedules on the runtime timers. Callbacks run on their own goroutine.
type Real struct{}

func (Real) Every(d time.Duration, fn func()) Cancel {
	t := time.NewTicker(d)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-done:
				return
			case <-t.C:
				fn()
			}
		}
	}()

	return func() {
		once.Do(func() {
			t.Stop()
			close(done)
		})
	}
}

func (Real) After(d time.Duration, fn func()) Cancel {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Manual is a Clock that only moves when Advance is called. Callbacks run
// synchronously on the goroutine calling Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers map[int]*manualTimer
}

type manualTimer struct {
	id     int
	at     time.Duration
	period time.Duration
	fn     func()
}

func NewManual() *Manual {
	return &Manual{timers: make(map[int]*manualTimer)}
}

func (m *Manual) Every(d time.Duration, fn func()) Cancel {
	return m.schedule(d, d, fn)
}

func (m *Manual) After(d time.Duration, fn func()) Cancel {
	return m.schedule(d, 0, fn)
}

func (m *Manual) schedule(d, period time.Duration, fn func()) Cancel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := m.seq
	m.timers[id] = &manualTimer{id: id, at: m.now + d, period: period, fn: fn}

	return func() {
		m.mu.Lock()
		delete(m.timers, id)
		m.mu.Unlock()
	}
}

// Advance moves time forward by d, firing every timer that comes due in
// order. Timers scheduled by a callback fire too if they fall inside d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.at
		if next.period > 0 {
			next.at += next.period
		} else {
			delete(m.timers, next.id)
		}
		fn := next.fn
		m.mu.Unlock()

		fn()
	}
}

// Pending reports how many timers are scheduled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) nextDue(target time.Duration) *manualTimer {
	due := make([]*manualTimer, 0, len(m.timers))
	for _, t := range m.timers {
		if t.at <= target {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at != due[j].at {
			return due[i].at < due[j].at
		}
		return due[i].id < due[j].id
	})
	return due[0]
}
