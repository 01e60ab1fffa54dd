package server

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// workerPool runs WorkerFunc on a bounded number of goroutines, reusing
// idle ones across requests instead of spawning one goroutine per
// datagram.
type workerPool struct {
	WorkerFunc      func(ctx *context) error
	MaxWorkersCount int
	Logger          *zap.Logger

	lock         sync.Mutex
	mustStop     bool
	ready        []*workerChan
	workersCount int
	stopCh       chan struct{}

	workerChanPool sync.Pool
}

type workerChan struct {
	lastUseTime time.Time
	ch          chan *context
}

const workerIdleDuration = 10 * time.Second

// Start prepares the pool for Serve calls.
func (p *workerPool) Start() {
	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.workerChanPool.New = func() interface{} {
		return &workerChan{ch: make(chan *context, workerChanCapacity)}
	}
	go func() {
		var scratch []*workerChan
		for {
			p.cleanIdle(&scratch)
			select {
			case <-stopCh:
				return
			case <-time.After(workerIdleDuration):
			}
		}
	}()
}

// workerChanCapacity of 1 matches a classic fasthttp-style pool: the
// channel only ever carries the context the dispatching goroutine is
// about to hand off.
const workerChanCapacity = 1

// Stop drains and shuts down all workers.
func (p *workerPool) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	p.stopCh = nil

	p.lock.Lock()
	ready := p.ready
	for i := range ready {
		ready[i].ch <- nil
		ready[i] = nil
	}
	p.ready = ready[:0]
	p.mustStop = true
	p.lock.Unlock()
}

// cleanIdle evicts workers that have sat idle past workerIdleDuration,
// signalling each one's goroutine to exit by sending it a nil context.
func (p *workerPool) cleanIdle(scratch *[]*workerChan) {
	criticalTime := time.Now().Add(-workerIdleDuration)

	p.lock.Lock()
	ready := p.ready
	n := len(ready)
	i := 0
	for i < n && criticalTime.After(ready[i].lastUseTime) {
		i++
	}
	*scratch = append((*scratch)[:0], ready[:i]...)
	if i > 0 {
		m := copy(ready, ready[i:])
		for j := m; j < n; j++ {
			ready[j] = nil
		}
		p.ready = ready[:m]
	}
	p.lock.Unlock()

	tmp := *scratch
	for i := range tmp {
		tmp[i].ch <- nil
		tmp[i] = nil
	}
}

// Serve schedules ctx onto an idle worker, spawning a new one if the
// pool has not yet reached MaxWorkersCount. It returns false if the
// pool is saturated (MaxWorkersCount workers, none idle), so callers
// can retry or drop the request; it does not check whether Stop has
// been called.
func (p *workerPool) Serve(ctx *context) bool {
	ch := p.getCh()
	if ch == nil {
		return false
	}
	ch.ch <- ctx
	return true
}

func (p *workerPool) getCh() *workerChan {
	var ch *workerChan
	createWorker := false

	p.lock.Lock()
	ready := p.ready
	n := len(ready) - 1
	if n < 0 {
		if p.workersCount < p.MaxWorkersCount {
			createWorker = true
			p.workersCount++
		}
	} else {
		ch = ready[n]
		ready[n] = nil
		p.ready = ready[:n]
	}
	p.lock.Unlock()

	if ch == nil {
		if !createWorker {
			return nil
		}
		vch := p.workerChanPool.Get()
		ch = vch.(*workerChan)
		go func() {
			p.workerFunc(ch)
			p.workerChanPool.Put(vch)
		}()
	}
	return ch
}

func (p *workerPool) release(ch *workerChan) bool {
	ch.lastUseTime = time.Now()
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.mustStop {
		return false
	}
	p.ready = append(p.ready, ch)
	return true
}

func (p *workerPool) workerFunc(ch *workerChan) {
	for ctx := range ch.ch {
		if ctx == nil {
			break
		}
		if err := p.WorkerFunc(ctx); err != nil {
			p.Logger.Error("worker func failed", zap.Error(err))
		}
		if !p.release(ch) {
			break
		}
	}

	p.lock.Lock()
	p.workersCount--
	p.lock.Unlock()
}
