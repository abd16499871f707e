// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"time"
)

// InboxPolicy controls router behavior when a module's inbox is full.
type InboxPolicy uint8

const (
	// PolicyShed blocks for the route's shed timeout, then logs and drops
	// the frame. This is the default policy.
	PolicyShed InboxPolicy = iota
	// PolicyBlock blocks until the inbox drains. Reserved for
	// trade-critical modules where dropping a frame loses money.
	PolicyBlock
)

const defaultShedTimeout = 5 * time.Second

// defaultInboxSize is the inbox capacity used when a ModuleSpec leaves
// InboxSize zero.
const defaultInboxSize = 64

// ModuleSpec describes a module to the router: its routing rule, inbox
// sizing, and full-inbox policy.
type ModuleSpec struct {
	Name        string
	Rule        Rule
	InboxSize   int
	Policy      InboxPolicy
	ShedTimeout time.Duration
}

// Module is a cooperative task hosted by the engine. Two kinds exist by
// convention: lightweight modules react to inbound frames only, while API
// modules additionally read typed commands from their own command channel and
// resolve per-request response sinks. The engine does not distinguish the
// two; an API module's command plumbing is owned by its constructor and
// handle.
//
// Run processes frames from in until in is closed (graceful shutdown) or ctx
// is canceled. Frames placed on out are forwarded to the session writer.
// Decode failures must be logged and skipped, never returned as a reason to
// stop.
type Module interface {
	Spec() ModuleSpec
	Run(ctx context.Context, in <-chan *Frame, out chan<- *Frame)
}
