// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"binopt.org/binopt/bin"
)

// Middleware observes every inbound and outbound frame and every state
// transition. An error from OnReceive or OnSend aborts processing of that
// frame. Implementations that do heavy bookkeeping should batch internally
// rather than do I/O on the frame path.
type Middleware interface {
	OnReceive(f *Frame) error
	OnSend(f *Frame) error
	OnConnect()
	OnDisconnect()
}

// MiddlewareStack is an ordered list of Middleware.
type MiddlewareStack struct {
	mtx   sync.RWMutex
	stack []Middleware
}

// Use appends a middleware to the stack.
func (s *MiddlewareStack) Use(mw Middleware) {
	s.mtx.Lock()
	s.stack = append(s.stack, mw)
	s.mtx.Unlock()
}

func (s *MiddlewareStack) onReceive(f *Frame) error {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	for _, mw := range s.stack {
		if err := mw.OnReceive(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *MiddlewareStack) onSend(f *Frame) error {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	for _, mw := range s.stack {
		if err := mw.OnSend(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *MiddlewareStack) onConnect() {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	for _, mw := range s.stack {
		mw.OnConnect()
	}
}

func (s *MiddlewareStack) onDisconnect() {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	for _, mw := range s.stack {
		mw.OnDisconnect()
	}
}

// StatsMiddleware counts frames and bytes with atomics and logs a periodic
// summary, keeping all I/O off the frame path.
type StatsMiddleware struct {
	log bin.Logger

	recvFrames atomic.Uint64
	recvBytes  atomic.Uint64
	sentFrames atomic.Uint64
	sentBytes  atomic.Uint64
	connects   atomic.Uint64
	drops      atomic.Uint64
}

// NewStatsMiddleware creates a StatsMiddleware logging through the provided
// Logger.
func NewStatsMiddleware(log bin.Logger) *StatsMiddleware {
	return &StatsMiddleware{log: log}
}

// OnReceive counts an inbound frame.
func (s *StatsMiddleware) OnReceive(f *Frame) error {
	s.recvFrames.Add(1)
	s.recvBytes.Add(uint64(len(f.Data)))
	return nil
}

// OnSend counts an outbound frame.
func (s *StatsMiddleware) OnSend(f *Frame) error {
	s.sentFrames.Add(1)
	s.sentBytes.Add(uint64(len(f.Data)))
	return nil
}

// OnConnect counts a session establishment.
func (s *StatsMiddleware) OnConnect() { s.connects.Add(1) }

// OnDisconnect counts a session loss.
func (s *StatsMiddleware) OnDisconnect() { s.drops.Add(1) }

// Run logs a summary line every interval until the context is canceled.
func (s *StatsMiddleware) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.log.Infof("session stats: recv %d frames / %d B, sent %d frames / %d B, %d connects, %d drops",
				s.recvFrames.Load(), s.recvBytes.Load(), s.sentFrames.Load(),
				s.sentBytes.Load(), s.connects.Load(), s.drops.Load())
		case <-ctx.Done():
			return
		}
	}
}
