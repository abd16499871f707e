// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/core"
)

// ServerTimeModule updates the shared server clock from the timestamps the
// venue embeds in its stream updates. Every subscribed symbol feeds it; the
// keep-alive module's primed default symbol guarantees a baseline cadence.
type ServerTimeModule struct {
	state *State
	log   bin.Logger
}

// NewServerTimeModule creates the server-time module.
func NewServerTimeModule(state *State, log bin.Logger) *ServerTimeModule {
	return &ServerTimeModule{state: state, log: log}
}

// Spec implements core.Module.
func (m *ServerTimeModule) Spec() core.ModuleSpec {
	return core.ModuleSpec{
		Name: "servertime",
		Rule: core.AnyOf(
			core.Pairing(pxUpdateStream),
			core.Prefix(pxChangeSymbol42),
		),
		InboxSize: 64,
	}
}

// Run implements core.Module.
func (m *ServerTimeModule) Run(ctx context.Context, in <-chan *core.Frame, _ chan<- *core.Frame) {
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return
			}
			body := eventBody(f)
			if body == nil {
				continue
			}
			ticks, err := ParseTicks(body)
			if err != nil || len(ticks) == 0 {
				continue
			}
			latest := ticks[len(ticks)-1]
			if latest.Timestamp > 0 {
				m.state.Clock.Update(latest.Timestamp)
			}
		case <-ctx.Done():
			return
		}
	}
}
