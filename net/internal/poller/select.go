package poller

import "os"

// EnvUsePoll is the environment variable that selects the poll(2)
// backend instead of the default epoll(7) backend.
const EnvUsePoll = "FISHNET_USE_POLL"

// New opens the backend selected by FISHNET_USE_POLL, defaulting to
// epoll when unset.
func New() (Poller, error) {
	if _, set := os.LookupEnv(EnvUsePoll); set {
		return NewPoll()
	}
	return NewDefault()
}
