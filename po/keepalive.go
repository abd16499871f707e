// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"
	"time"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/core"
)

// keepAliveInterval is how often the periodic keep-alive event is emitted.
const keepAliveInterval = 20 * time.Second

// KeepAliveModule answers the server's ping control token and emits the
// periodic keep-alive event. It also runs the post-authentication init
// sequence: loading indicators, favorites and price alerts, and priming the
// default symbol stream.
type KeepAliveModule struct {
	state         *State
	log           bin.Logger
	defaultSymbol string
}

// NewKeepAliveModule creates the keep-alive module.
func NewKeepAliveModule(state *State, defaultSymbol string, log bin.Logger) *KeepAliveModule {
	if defaultSymbol == "" {
		defaultSymbol = "EURUSD_otc"
	}
	return &KeepAliveModule{state: state, log: log, defaultSymbol: defaultSymbol}
}

// Spec implements core.Module.
func (m *KeepAliveModule) Spec() core.ModuleSpec {
	return core.ModuleSpec{
		Name: "keepalive",
		Rule: core.AnyOf(
			core.Prefix(pxSuccessAuth),
			core.Func(func(f *core.Frame) bool {
				tok, ok := f.ControlToken()
				return ok && tok == '2'
			}),
		),
		InboxSize: 16,
	}
}

// Run implements core.Module.
func (m *KeepAliveModule) Run(ctx context.Context, in <-chan *core.Frame, out chan<- *core.Frame) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	send := func(f *core.Frame) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case f, ok := <-in:
			if !ok {
				return
			}
			if tok, isTok := f.ControlToken(); isTok && tok == '2' {
				if !send(core.TextFrame(core.PongToken)) {
					return
				}
				continue
			}
			if name, _ := f.EventName(); name == "successauth" {
				m.log.Debugf("authenticated, running init sequence")
				for _, frame := range m.initFrames() {
					if !send(frame) {
						return
					}
				}
			}
		case <-ticker.C:
			if !send(core.TextFrame(`42["ps"]`)) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *KeepAliveModule) initFrames() []*core.Frame {
	return []*core.Frame{
		core.TextFrame(`42["indicator/load"]`),
		core.TextFrame(`42["favorite/load"]`),
		core.TextFrame(`42["price-alert/load"]`),
		core.TextFramef(`42["changeSymbol",{"asset":%q,"period":1}]`, m.defaultSymbol),
		core.TextFramef(`42["subfor",%q]`, m.defaultSymbol),
	}
}
