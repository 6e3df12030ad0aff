package net

// EventLoopThreadPool spawns N worker goroutines, each running one
// EventLoop, and round-robins new connections across them (spec.md
// §4.6, fishnet/net/event_loop_thread_pool.h). With threadNum == 0 it
// degrades to single-threaded mode: GetNextLoop always returns the
// main/base loop the pool itself was built on.
type EventLoopThreadPool struct {
	baseLoop  *EventLoop
	started   bool
	threadNum int
	threads   []*EventLoopThread
	loops     []*EventLoop
	next      int
}

// NewEventLoopThreadPool builds a pool anchored on baseLoop (the loop
// that owns the Acceptor). Call SetThreadNum then Start.
func NewEventLoopThreadPool(baseLoop *EventLoop) *EventLoopThreadPool {
	return &EventLoopThreadPool{baseLoop: baseLoop}
}

// SetThreadNum sets the worker count. Must be called before Start.
func (p *EventLoopThreadPool) SetThreadNum(n int) { p.threadNum = n }

// Start spawns threadNum worker goroutines, running initFunc on each
// worker's loop before it begins looping, and blocking until every
// worker's EventLoop exists.
func (p *EventLoopThreadPool) Start(initFunc ThreadInitFunc) {
	p.baseLoop.assertInLoopThread()
	if p.started {
		Logger.Fatalw("event_loop_thread_pool: Start called twice")
	}
	p.started = true

	for i := 0; i < p.threadNum; i++ {
		t := NewEventLoopThread(initFunc)
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, t.Start())
	}
	if p.threadNum == 0 && initFunc != nil {
		initFunc(p.baseLoop)
	}
}

// GetNextLoop round-robins over the worker loops; in single-threaded
// mode (threadNum == 0) it always returns the base loop.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	p.baseLoop.assertInLoopThread()
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// AllLoops returns every worker loop, or just the base loop in
// single-threaded mode.
func (p *EventLoopThreadPool) AllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return append([]*EventLoop(nil), p.loops...)
}
