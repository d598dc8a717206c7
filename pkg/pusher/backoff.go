package pusher

import (
	"math/rand"
	"time"
)

// backoffDelay picks the reconnect wait for the nth consecutive failed
// attempt: a random draw from [0, 2^n-1] plus one second, capped at two
// minutes.
func backoffDelay(attempt int) time.Duration {
	if attempt > 7 {
		attempt = 7
	}
	window := int64(1)<<attempt - 1
	d := time.Duration(rand.Int63n(window+1)+1) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
