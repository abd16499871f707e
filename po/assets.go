// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"
	"encoding/json"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/core"
)

// AssetsModule populates the shared asset table from updateAssets payloads.
// The table is filled once per session; InvalidateAssets on the state forces
// the next payload to be awaited again.
type AssetsModule struct {
	state *State
	log   bin.Logger
}

// NewAssetsModule creates the assets module.
func NewAssetsModule(state *State, log bin.Logger) *AssetsModule {
	return &AssetsModule{state: state, log: log}
}

// Spec implements core.Module.
func (m *AssetsModule) Spec() core.ModuleSpec {
	return core.ModuleSpec{
		Name:      "assets",
		Rule:      core.Pairing(pxUpdateAssets),
		InboxSize: 8,
	}
}

// Run implements core.Module.
func (m *AssetsModule) Run(ctx context.Context, in <-chan *core.Frame, _ chan<- *core.Frame) {
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
			var tuples []*Asset
			if err := json.Unmarshal(body, &tuples); err != nil {
				m.log.Warnf("undecodable asset table: %v", err)
				continue
			}
			table := make(map[string]*Asset, len(tuples))
			for _, a := range tuples {
				table[a.Symbol] = a
			}
			m.state.SetAssets(table)
			m.log.Debugf("asset table loaded: %d assets", len(table))
		case <-ctx.Done():
			return
		}
	}
}

// WaitForAssets blocks until the asset table is populated or the context
// expires.
func (s *State) WaitForAssets(ctx context.Context) error {
	select {
	case <-s.AssetsReady():
		return nil
	case <-ctx.Done():
		return bin.NewError(bin.ErrTimeout, "waiting for asset table")
	}
}
