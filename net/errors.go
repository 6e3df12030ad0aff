package net

import "errors"

// Error taxonomy (spec.md §7). None of these surface on the public
// TcpConnection API — connection-level faults become state transitions
// plus callbacks, not returned errors. No function returns these; the
// programmer-error assertions pass them to Logger.Fatalw.
var (
	// ErrAlreadyLooping is logged (fatally) if EventLoop.Loop is called
	// while the same loop is already looping.
	ErrAlreadyLooping = errors.New("fishnet: event loop is already looping")

	// ErrWrongLoopThread indicates an operation affine to one loop's
	// thread was invoked from a different OS thread than the one Loop
	// is running on, without going through RunInLoop/QueueInLoop.
	ErrWrongLoopThread = errors.New("fishnet: operation must run on the owning event loop's thread")
)
