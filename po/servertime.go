// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"sync"
	"time"
)

// ServerClock tracks the signed offset between the local clock and the
// venue's clock (the venue operates at UTC+2, but only the offset matters).
// All expiry math must go through server time.
type ServerClock struct {
	mtx         sync.RWMutex
	lastServer  float64
	lastUpdated time.Time
	offset      time.Duration
}

// Update records a server timestamp (unix seconds, possibly fractional) and
// recomputes the offset.
func (c *ServerClock) Update(serverUnix float64) {
	now := time.Now()
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.lastServer = serverUnix
	c.lastUpdated = now
	localUnix := float64(now.UnixMilli()) / 1e3
	c.offset = time.Duration((serverUnix - localUnix) * float64(time.Second))
}

// Offset is the current server-minus-local offset.
func (c *ServerClock) Offset() time.Duration {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.offset
}

// Now is the estimated current server time.
func (c *ServerClock) Now() time.Time {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return time.Now().Add(c.offset)
}

// ToLocal converts a server timestamp to local time.
func (c *ServerClock) ToLocal(serverUnix float64) time.Time {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	secs := int64(serverUnix)
	nsecs := int64((serverUnix - float64(secs)) * 1e9)
	return time.Unix(secs, nsecs).Add(-c.offset)
}

// IsStale reports whether no server timestamp has arrived for 30 seconds.
func (c *ServerClock) IsStale() bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return time.Since(c.lastUpdated) > 30*time.Second
}

// Expiry computes the server-time expiry for a trade of the given duration
// started now. Durations of a minute or more are aligned to period
// boundaries of the server clock; shorter durations expire exactly duration
// from now.
func (c *ServerClock) Expiry(dur time.Duration) time.Time {
	now := c.Now()
	end := now.Add(dur)
	if dur < time.Minute {
		return end
	}
	aligned := end.Truncate(dur)
	if !aligned.After(now) {
		aligned = aligned.Add(dur)
	}
	return aligned
}
