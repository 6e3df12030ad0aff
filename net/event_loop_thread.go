package net

import "sync"

// ThreadInitFunc is invoked exactly once on a worker goroutine, after
// its EventLoop is constructed but before Loop starts.
type ThreadInitFunc func(loop *EventLoop)

// EventLoopThread owns one goroutine running exactly one EventLoop,
// fishnet's EventLoopThread (spec.md §4.6). The loop is constructed on
// the worker goroutine itself — not handed in from the caller — so
// that the thread-affinity invariant (spec.md §5) holds from the very
// first instruction.
type EventLoopThread struct {
	mu       sync.Mutex
	cond     *sync.Cond
	loop     *EventLoop
	initFunc ThreadInitFunc
}

// NewEventLoopThread constructs a thread wrapper; call Start to spawn
// its goroutine.
func NewEventLoopThread(initFunc ThreadInitFunc) *EventLoopThread {
	t := &EventLoopThread{initFunc: initFunc}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start spawns the worker goroutine and blocks the caller until the
// child's EventLoop exists, returning it.
func (t *EventLoopThread) Start() *EventLoop {
	go t.run()

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.loop == nil {
		t.cond.Wait()
	}
	return t.loop
}

func (t *EventLoopThread) run() {
	loop := NewEventLoop()
	if t.initFunc != nil {
		t.initFunc(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	loop.Loop()
}
