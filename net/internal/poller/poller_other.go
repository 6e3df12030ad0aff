//go:build !linux

package poller

import "errors"

// fishnet's Poller contract (poll/epoll, §4.2) targets Linux; the
// fishnet/net/poller C++ original likewise ships only PollPoller and
// EPollPoller. On another OS this package compiles, but NewDefault and
// NewPoll return a clear error rather than silently picking some other
// backend.
var errUnsupportedPlatform = errors.New("poller: only linux is supported (poll/epoll backends)")

// NewDefault is unavailable outside Linux.
func NewDefault() (Poller, error) {
	return nil, errUnsupportedPlatform
}

// NewPoll is unavailable outside Linux.
func NewPoll() (Poller, error) {
	return nil, errUnsupportedPlatform
}
