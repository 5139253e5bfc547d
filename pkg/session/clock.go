package session

import (
	"sync"
	"time"
)

var (
	clockMu sync.Mutex
	lastNow int64
)

// Now returns the current unix-millisecond timestamp, strictly increasing
// within this process: two calls in the same millisecond get consecutive
// values. Session file names sort by creation order because of this.
func Now() int64 {
	clockMu.Lock()
	defer clockMu.Unlock()
	now := time.Now().UnixMilli()
	if now <= lastNow {
		now = lastNow + 1
	}
	lastNow = now
	return now
}
