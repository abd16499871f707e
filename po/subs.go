// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"
	"fmt"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/core"
)

const (
	defaultMaxSubscriptions = 4
	defaultStreamBuffer     = 64
)

// SubsCfg configures the subscriptions module.
type SubsCfg struct {
	State *State
	Log   bin.Logger
	// MaxSubscriptions caps concurrent streams. Zero selects 4.
	MaxSubscriptions int
	// StreamBuffer is the per-subscription channel capacity. Zero
	// selects 64.
	StreamBuffer int
}

// Subscription is one live tick stream. The channel is closed on
// unsubscribe and on client shutdown.
type Subscription struct {
	asset  string
	period int64
	ticks  chan Tick
	m      *SubsModule
}

// Asset is the subscribed symbol.
func (s *Subscription) Asset() string { return s.asset }

// Ticks is the stream channel. It is closed when the subscription ends.
func (s *Subscription) Ticks() <-chan Tick { return s.ticks }

// Unsubscribe ends the stream and releases the server-side subscription.
func (s *Subscription) Unsubscribe() error {
	return s.m.unsubscribe(s.asset)
}

type subResponse struct {
	sub *Subscription
	err error
}

type subCommand struct {
	// Exactly one of subscribe and unsubscribe is set.
	subscribe   *subscribeCommand
	unsubscribe *unsubscribeCommand
}

type subscribeCommand struct {
	asset  string
	period int64
	resp   chan subResponse
}

type unsubscribeCommand struct {
	asset string
	resp  chan error
}

// SubsModule multiplexes the venue's tick stream into per-subscription
// channels and enforces the subscription cap. The server pushes one
// updateStream per subscribed symbol; a changeSymbol/subfor pair opens a
// stream, unsubfor releases it.
type SubsModule struct {
	cfg  SubsCfg
	log  bin.Logger
	cmds chan subCommand
	done chan struct{}

	// streams is owned by the Run goroutine.
	streams map[string]*Subscription
}

// NewSubsModule creates the subscriptions module.
func NewSubsModule(cfg *SubsCfg) *SubsModule {
	c := *cfg
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = defaultMaxSubscriptions
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = defaultStreamBuffer
	}
	return &SubsModule{
		cfg:     c,
		log:     c.Log,
		cmds:    make(chan subCommand, 16),
		done:    make(chan struct{}),
		streams: make(map[string]*Subscription),
	}
}

// Spec implements core.Module.
func (m *SubsModule) Spec() core.ModuleSpec {
	return core.ModuleSpec{
		Name: "subscriptions",
		Rule: core.AnyOf(
			core.Pairing(pxUpdateStream),
			core.Prefix(pxChangeSymbol42),
		),
		InboxSize: 128,
	}
}

// Handle returns the caller-facing handle.
func (m *SubsModule) Handle() *SubsHandle {
	return &SubsHandle{m: m}
}

// Run implements core.Module.
func (m *SubsModule) Run(ctx context.Context, in <-chan *core.Frame, out chan<- *core.Frame) {
	defer close(m.done)
	for {
		select {
		case f, ok := <-in:
			if !ok {
				m.closeAll()
				return
			}
			m.handleFrame(f)
		case cmd := <-m.cmds:
			switch {
			case cmd.subscribe != nil:
				m.handleSubscribe(ctx, cmd.subscribe, out)
			case cmd.unsubscribe != nil:
				m.handleUnsubscribe(ctx, cmd.unsubscribe, out)
			}
		case <-ctx.Done():
			m.closeAll()
			return
		}
	}
}

func (m *SubsModule) handleFrame(f *core.Frame) {
	body := eventBody(f)
	if body == nil {
		return
	}
	ticks, err := ParseTicks(body)
	if err != nil {
		m.log.Tracef("undecodable stream payload: %v", err)
		return
	}
	for _, tick := range ticks {
		sub, ok := m.streams[tick.Asset]
		if !ok {
			continue
		}
		select {
		case sub.ticks <- tick:
		default:
			// A stalled consumer sheds ticks rather than stalling the
			// module.
			m.log.Tracef("subscriber for %s lagging, tick dropped", tick.Asset)
		}
	}
}

func (m *SubsModule) handleSubscribe(ctx context.Context, cmd *subscribeCommand, out chan<- *core.Frame) {
	if _, exists := m.streams[cmd.asset]; exists {
		cmd.resp <- subResponse{err: bin.NewError(bin.ErrValidation,
			"already subscribed to "+cmd.asset)}
		return
	}
	if len(m.streams) >= m.cfg.MaxSubscriptions {
		cmd.resp <- subResponse{err: bin.NewError(bin.ErrValidation,
			fmt.Sprintf("subscription limit of %d reached", m.cfg.MaxSubscriptions))}
		return
	}

	for _, f := range streamOpenFrames(cmd.asset, cmd.period) {
		select {
		case out <- f:
		case <-ctx.Done():
			cmd.resp <- subResponse{err: bin.NewError(bin.ErrConnectionLost, "session shut down")}
			return
		}
	}

	sub := &Subscription{
		asset:  cmd.asset,
		period: cmd.period,
		ticks:  make(chan Tick, m.cfg.StreamBuffer),
		m:      m,
	}
	m.streams[cmd.asset] = sub
	m.cfg.State.AddSubscription(&SubscriptionDesc{Asset: cmd.asset, Period: cmd.period})
	m.log.Infof("subscribed to %s", cmd.asset)
	cmd.resp <- subResponse{sub: sub}
}

func (m *SubsModule) handleUnsubscribe(ctx context.Context, cmd *unsubscribeCommand, out chan<- *core.Frame) {
	sub, ok := m.streams[cmd.asset]
	if !ok {
		cmd.resp <- bin.NewError(bin.ErrValidation, "not subscribed to "+cmd.asset)
		return
	}
	delete(m.streams, cmd.asset)
	m.cfg.State.RemoveSubscription(cmd.asset)
	close(sub.ticks)

	select {
	case out <- core.TextFramef(`42["unsubfor",%q]`, cmd.asset):
	case <-ctx.Done():
	}
	m.log.Infof("unsubscribed from %s", cmd.asset)
	cmd.resp <- nil
}

func (m *SubsModule) closeAll() {
	for asset, sub := range m.streams {
		close(sub.ticks)
		delete(m.streams, asset)
	}
}

func (m *SubsModule) unsubscribe(asset string) error {
	cmd := &unsubscribeCommand{asset: asset, resp: make(chan error, 1)}
	select {
	case m.cmds <- subCommand{unsubscribe: cmd}:
	case <-m.done:
		return bin.NewError(bin.ErrConnectionLost, "session shut down")
	}
	select {
	case err := <-cmd.resp:
		return err
	case <-m.done:
		return bin.NewError(bin.ErrConnectionLost, "session shut down")
	}
}

// streamOpenFrames is the changeSymbol/subfor pair that opens a server-side
// stream.
func streamOpenFrames(asset string, period int64) []*core.Frame {
	if period <= 0 {
		period = 1
	}
	return []*core.Frame{
		core.TextFramef(`42["changeSymbol",{"asset":%q,"period":%d}]`, asset, period),
		core.TextFramef(`42["subfor",%q]`, asset),
	}
}

// ResubscribeCallback restores the server-side streams on reconnect: one
// changeSymbol/subfor pair per recorded subscription, never duplicated per
// asset since the records are keyed by asset.
func (m *SubsModule) ResubscribeCallback() core.ReconnectCallback {
	return core.ReconnectCallback{
		Name: "resubscribe",
		Func: func(ctx context.Context, send core.Sender) error {
			for _, desc := range m.cfg.State.Subscriptions() {
				for _, f := range streamOpenFrames(desc.Asset, desc.Period) {
					if err := send(f); err != nil {
						return err
					}
				}
				m.cfg.State.MarkSubscriptionFresh(desc.Asset)
				m.log.Debugf("restored stream for %s", desc.Asset)
			}
			return nil
		},
	}
}

// SubsHandle is the caller-facing API of the subscriptions module.
type SubsHandle struct {
	m *SubsModule
}

// Subscribe opens a tick stream for an asset. Period selects the venue's
// stream granularity in seconds; zero selects 1. The configured maximum
// number of concurrent subscriptions is enforced.
func (h *SubsHandle) Subscribe(ctx context.Context, asset string, period int64) (*Subscription, error) {
	cmd := &subscribeCommand{asset: asset, period: period, resp: make(chan subResponse, 1)}
	select {
	case h.m.cmds <- subCommand{subscribe: cmd}:
	case <-ctx.Done():
		return nil, bin.NewError(bin.ErrTimeout, "subscribe command not accepted")
	}
	select {
	case resp := <-cmd.resp:
		return resp.sub, resp.err
	case <-ctx.Done():
		return nil, bin.NewError(bin.ErrTimeout, "waiting for subscription")
	}
}

// Unsubscribe releases an asset's stream.
func (h *SubsHandle) Unsubscribe(asset string) error {
	return h.m.unsubscribe(asset)
}
