// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wait

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTickerQueue(t *testing.T) {
	q := NewTickerQueue(time.Millisecond * 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	// A waiter that succeeds on the third try.
	var tries, done uint32
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Second),
		TryFunc: func() TryDirective {
			if atomic.AddUint32(&tries, 1) == 3 {
				atomic.StoreUint32(&done, 1)
				return DontTryAgain
			}
			return TryAgain
		},
		ExpireFunc: func() { t.Error("waiter expired unexpectedly") },
	})

	tStart := time.Now()
	for atomic.LoadUint32(&done) == 0 {
		if time.Since(tStart) > time.Second {
			t.Fatalf("waiter never completed, %d tries", atomic.LoadUint32(&tries))
		}
		time.Sleep(time.Millisecond)
	}

	// A waiter that never succeeds must expire.
	var expired uint32
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Millisecond * 20),
		TryFunc:    func() TryDirective { return TryAgain },
		ExpireFunc: func() { atomic.StoreUint32(&expired, 1) },
	})

	tStart = time.Now()
	for atomic.LoadUint32(&expired) == 0 {
		if time.Since(tStart) > time.Second {
			t.Fatal("waiter never expired")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTickerQueueShutdown(t *testing.T) {
	q := NewTickerQueue(time.Millisecond * 5)
	ctx, cancel := context.WithCancel(context.Background())
	var expired uint32
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Hour),
		TryFunc:    func() TryDirective { return TryAgain },
		ExpireFunc: func() { atomic.AddUint32(&expired, 1) },
	})

	waitDone := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(waitDone)
	}()
	cancel()
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return on context cancellation")
	}
	if atomic.LoadUint32(&expired) != 1 {
		t.Fatalf("expected 1 expiration on shutdown, got %d", expired)
	}
}
