package dispatch

import "sync"

// Pool bounds dispatch concurrency with a semaphore so a drop with
// thousands of jobs cannot spawn an unbounded goroutine herd.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 8
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Submit blocks until a slot is free, then runs fn on its own goroutine.
func (p *Pool) Submit(fn func()) {
	p.wg.Add(1)
	p.sem <- struct{}{}
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
}

// Wait blocks until every submitted task has finished. Used at shutdown.
func (p *Pool) Wait() { p.wg.Wait() }
