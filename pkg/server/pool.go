package server

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrPoolFull is returned by Submit when every worker slot is busy.
	ErrPoolFull = errors.New("worker pool full")
	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = errors.New("worker pool is shut down")
)

type workerStatus uint8

const (
	workerIdle workerStatus = iota
	workerRunning
	workerFinished
)

type workerSlot struct {
	status workerStatus
	done   chan struct{} // closed when the slot's work returns
}

// Pool runs at most capacity units of work concurrently. Admission is
// non-blocking: when no slot is free, Submit fails immediately so the caller
// can refuse the connection instead of queueing it.
type Pool struct {
	mu       sync.Mutex
	permits  chan struct{}
	slots    []workerSlot
	shutdown bool
}

func NewPool(capacity int) *Pool {
	p := &Pool{
		permits: make(chan struct{}, capacity),
		slots:   make([]workerSlot, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.permits <- struct{}{}
	}
	return p
}

// Submit runs work on a free slot. Finished slots are joined and reclaimed
// before a new slot is assigned. Returns ErrPoolFull without blocking when
// all slots are busy.
func (p *Pool) Submit(work func()) error {
	select {
	case <-p.permits:
	default:
		return ErrPoolFull
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		p.permits <- struct{}{}
		return ErrPoolClosed
	}

	for i := range p.slots {
		if p.slots[i].status == workerFinished {
			<-p.slots[i].done
			p.slots[i] = workerSlot{status: workerIdle}
		}
	}

	// Holding a permit guarantees an idle slot exists.
	idx := -1
	for i := range p.slots {
		if p.slots[i].status == workerIdle {
			idx = i
			break
		}
	}
	done := make(chan struct{})
	p.slots[idx] = workerSlot{status: workerRunning, done: done}
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			if !p.shutdown {
				p.slots[idx].status = workerFinished
			}
			p.mu.Unlock()
			close(done)
			p.permits <- struct{}{}
		}()
		work()
	}()

	return nil
}

// Running returns the number of slots currently executing work.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for i := range p.slots {
		if p.slots[i].status == workerRunning {
			n++
		}
	}
	return n
}

// Shutdown stops admitting work and waits up to timeout for in-flight work
// to finish. Work still running when the timeout expires is abandoned.
// Idempotent.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	var pending []chan struct{}
	for i := range p.slots {
		if p.slots[i].status == workerRunning {
			pending = append(pending, p.slots[i].done)
		}
		p.slots[i] = workerSlot{status: workerIdle}
	}
	p.mu.Unlock()

	deadline := time.After(timeout)
	for _, done := range pending {
		select {
		case <-done:
		case <-deadline:
			return
		}
	}
}
