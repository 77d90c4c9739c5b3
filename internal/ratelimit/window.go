// Package ratelimit counts requests per client in fixed time windows held in
// an external store, so every Lambda instance or server replica sees the same
// counters.
package ratelimit

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Window is a fixed-window policy: at most Limit requests per Size.
type Window struct {
	Limit int
	Size  time.Duration
}

func (w Window) validate() error {
	if w.Limit <= 0 {
		return errors.New("ratelimit: limit must be positive")
	}
	if w.Size < time.Second {
		return errors.New("ratelimit: window must be at least one second")
	}
	return nil
}

// start returns the beginning of the window containing t.
func (w Window) start(t time.Time) time.Time {
	return t.UTC().Truncate(w.Size)
}

// expiry is when a counter for the window containing t can be discarded. One
// extra window of slack covers clock skew between callers.
func (w Window) expiry(t time.Time) time.Time {
	return w.start(t).Add(2 * w.Size)
}

func windowID(w Window, t time.Time) string {
	return strconv.FormatInt(w.start(t).Unix(), 10)
}

func normalizeClientID(clientID string) (string, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return "", errors.New("ratelimit: client id is required")
	}
	return clientID, nil
}

var now = time.Now
