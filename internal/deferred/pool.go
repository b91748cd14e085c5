package deferred

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Executor runs submitted tasks asynchronously. Submit never blocks on the
// execution of the task.
type Executor interface {
	Submit(task func())
}

// Pool is a fixed set of worker goroutines draining an unbounded FIFO task
// queue. Submit appends and returns immediately, so a producer such as a
// session read loop is never stalled by slow consumers.
//
// A Pool with one worker runs tasks strictly in submission order.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	closed  bool
	wg      sync.WaitGroup
	workers int
}

// NewPool starts a pool with the given number of workers. Values below one
// are raised to one.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{workers: workers}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

// Submit queues task. Tasks submitted after Close run on a fresh goroutine
// so late settlements are still delivered.
func (p *Pool) Submit(task func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		go run(task)
		return
	}
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()
	p.cond.Signal()
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.workers
}

// Close lets the workers finish the queued tasks and waits for them.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.tasks) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]
		p.mu.Unlock()

		run(task)
	}
}

// run shields the worker from a panicking task.
func run(task func()) {
	defer func() {
		if p := recover(); p != nil {
			reportPanic(p)
		}
	}()
	task()
}

var panicHandler atomic.Pointer[func(recovered any)]

// SetPanicHandler installs fn to observe panics recovered from pool tasks
// and Result callbacks. A nil fn removes the handler.
func SetPanicHandler(fn func(recovered any)) {
	if fn == nil {
		panicHandler.Store(nil)
		return
	}
	panicHandler.Store(&fn)
}

func reportPanic(p any) {
	fn := panicHandler.Load()
	if fn == nil {
		return
	}
	defer func() { _ = recover() }()
	(*fn)(p)
}

var (
	defaultPool     *Pool
	defaultPoolOnce sync.Once
)

// DefaultPool returns a process-wide pool sized to GOMAXPROCS.
func DefaultPool() *Pool {
	defaultPoolOnce.Do(func() {
		defaultPool = NewPool(runtime.GOMAXPROCS(0))
	})
	return defaultPool
}
