// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"fmt"
	"sync"
	"time"

	"binopt.org/binopt/bin"
)

// route is one registered (rule, inbox) pair.
type route struct {
	name        string
	rule        Rule
	inbox       chan *Frame
	policy      InboxPolicy
	shedTimeout time.Duration
	closed      bool
}

// Router dispatches each inbound frame to zero or more module inboxes by
// rule evaluation, invoking the middleware stack first. Rules are evaluated
// in registration order and multiple rules may match the same frame. Delivery
// into a given inbox preserves arrival order.
type Router struct {
	mtx    sync.RWMutex
	routes []*route
	mw     *MiddlewareStack
	log    bin.Logger
	quit   chan struct{}
}

// NewRouter creates a Router logging through the provided Logger.
func NewRouter(log bin.Logger) *Router {
	return &Router{
		mw:   &MiddlewareStack{},
		log:  log,
		quit: make(chan struct{}),
	}
}

// Middleware is the router's middleware stack.
func (r *Router) Middleware() *MiddlewareStack {
	return r.mw
}

// Register adds a route and returns its inbox. The router owns delivery into
// the channel and closes it on shutdown or Deregister; the module reads from
// it until close.
func (r *Router) Register(spec ModuleSpec) (chan *Frame, error) {
	if spec.Rule == nil {
		return nil, fmt.Errorf("route %q has no rule", spec.Name)
	}
	size := spec.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	shedTimeout := spec.ShedTimeout
	if shedTimeout <= 0 {
		shedTimeout = defaultShedTimeout
	}
	rt := &route{
		name:        spec.Name,
		rule:        spec.Rule,
		inbox:       make(chan *Frame, size),
		policy:      spec.Policy,
		shedTimeout: shedTimeout,
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, existing := range r.routes {
		if existing.name == spec.Name && !existing.closed {
			return nil, fmt.Errorf("route %q already registered", spec.Name)
		}
	}
	r.routes = append(r.routes, rt)
	return rt.inbox, nil
}

// Deregister removes a route by name and closes its inbox.
func (r *Router) Deregister(name string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for i, rt := range r.routes {
		if rt.name != name {
			continue
		}
		if !rt.closed {
			rt.closed = true
			close(rt.inbox)
		}
		r.routes = append(r.routes[:i], r.routes[i+1:]...)
		return
	}
}

// Route evaluates every registered rule against the frame and delivers into
// each matching inbox. A full inbox only stalls its own module: shed-policy
// routes drop the frame after their shed timeout, block-policy routes wait
// until space frees or the router shuts down.
func (r *Router) Route(f *Frame) {
	if err := r.mw.onReceive(f); err != nil {
		r.log.Errorf("middleware rejected inbound %s: %v", f.Preview(), err)
		return
	}

	r.mtx.RLock()
	routes := make([]*route, 0, len(r.routes))
	for _, rt := range r.routes {
		if !rt.closed && rt.rule.Match(f) {
			routes = append(routes, rt)
		}
	}
	r.mtx.RUnlock()

	for _, rt := range routes {
		r.deliver(rt, f)
	}
}

func (r *Router) deliver(rt *route, f *Frame) {
	select {
	case rt.inbox <- f:
		return
	case <-r.quit:
		return
	default:
	}

	if rt.policy == PolicyBlock {
		select {
		case rt.inbox <- f:
		case <-r.quit:
		}
		return
	}

	timer := time.NewTimer(rt.shedTimeout)
	defer timer.Stop()
	select {
	case rt.inbox <- f:
	case <-timer.C:
		r.log.Warnf("inbox for %q full for %v, dropping %s", rt.name,
			rt.shedTimeout, f.Preview())
	case <-r.quit:
	}
}

// ResetRules clears every rule's latch. The runner calls this on every entry
// to the connected state so that no pairing rule carries a stale latch across
// sessions.
func (r *Router) ResetRules() {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	for _, rt := range r.routes {
		rt.rule.Reset()
	}
}

// Close shuts the router down, closing every inbox. Modules treat inbox
// close as a graceful termination signal.
func (r *Router) Close() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	for _, rt := range r.routes {
		if !rt.closed {
			rt.closed = true
			close(rt.inbox)
		}
	}
}
