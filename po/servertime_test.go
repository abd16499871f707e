// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"testing"
	"time"
)

func TestServerClockOffset(t *testing.T) {
	var c ServerClock

	// Server two hours ahead (the venue runs UTC+2).
	ahead := float64(time.Now().Unix()) + 7200
	c.Update(ahead)
	off := c.Offset()
	if off < 7199*time.Second || off > 7201*time.Second {
		t.Fatalf("offset = %v, want ~2h", off)
	}
	now := c.Now()
	wall := time.Now().Add(2 * time.Hour)
	if d := now.Sub(wall); d < -time.Second || d > time.Second {
		t.Fatalf("server now off by %v", d)
	}

	// Behind also works.
	c.Update(float64(time.Now().Unix()) - 30)
	if off := c.Offset(); off > -29*time.Second || off < -31*time.Second {
		t.Fatalf("negative offset = %v", off)
	}

	if c.IsStale() {
		t.Fatal("fresh clock reported stale")
	}
}

func TestServerClockExpiry(t *testing.T) {
	var c ServerClock
	c.Update(float64(time.Now().Unix()))

	// Sub-minute durations expire exactly duration from now.
	exp := c.Expiry(30 * time.Second)
	if d := time.Until(exp); d < 29*time.Second || d > 31*time.Second {
		t.Fatalf("30s expiry %v from now", d)
	}

	// Durations of a minute and up land on a period boundary in server
	// time, strictly in the future.
	exp = c.Expiry(time.Minute)
	if exp.Unix()%60 != 0 {
		t.Fatalf("expiry %v not on a minute boundary", exp)
	}
	if !exp.After(c.Now()) {
		t.Fatal("expiry not in the future")
	}
	if d := exp.Sub(c.Now()); d > time.Minute {
		t.Fatalf("aligned expiry %v past one period", d)
	}
}
