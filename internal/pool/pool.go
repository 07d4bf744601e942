// Package pool tracks live instances per execution mode and gates admission
// of process instances.
package pool

import (
	"sync"

	"github.com/loykin/condsched/internal/task"
)

// Pool counts live instances. Writes come from the scheduler loop only;
// reads may come from any goroutine.
type Pool struct {
	mu         sync.RWMutex
	maxProcess int
	limits     map[task.Mode]int
	counts     map[task.Mode]int
	total      int
}

// New returns a pool allowing at most maxProcess live process instances.
// limits optionally caps other modes too; a missing mode is unbounded.
func New(maxProcess int, limits map[task.Mode]int) *Pool {
	if maxProcess < 0 {
		maxProcess = 0
	}
	l := make(map[task.Mode]int, len(limits))
	for m, n := range limits {
		l[m] = n
	}
	return &Pool{maxProcess: maxProcess, limits: l, counts: make(map[task.Mode]int)}
}

// Admit reports whether one more instance of mode fits.
func (p *Pool) Admit(mode task.Mode) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := p.counts[mode]
	if mode == task.ModeProcess && n >= p.maxProcess {
		return false
	}
	if limit, ok := p.limits[mode]; ok && n >= limit {
		return false
	}
	return true
}

// Acquire records a launched instance.
func (p *Pool) Acquire(mode task.Mode) {
	p.mu.Lock()
	p.counts[mode]++
	p.total++
	p.mu.Unlock()
}

// Release records a finished instance.
func (p *Pool) Release(mode task.Mode) {
	p.mu.Lock()
	if p.counts[mode] > 0 {
		p.counts[mode]--
		p.total--
	}
	p.mu.Unlock()
}

// HasFreeCapacity reports whether a process slot remains.
func (p *Pool) HasFreeCapacity() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counts[task.ModeProcess] < p.maxProcess
}

// Count returns the live instances of mode.
func (p *Pool) Count(mode task.Mode) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counts[mode]
}

// Total returns all live instances.
func (p *Pool) Total() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total
}

// MaxProcess returns the process cap.
func (p *Pool) MaxProcess() int { return p.maxProcess }
