// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"
	"encoding/json"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/core"
	"github.com/shopspring/decimal"
)

// BalanceModule keeps the shared balance current. Balance arrives in the
// successauth acknowledgement and in every successupdateBalance event, both
// of which pair a text header with a binary body.
type BalanceModule struct {
	state *State
	log   bin.Logger
}

// NewBalanceModule creates the balance module.
func NewBalanceModule(state *State, log bin.Logger) *BalanceModule {
	return &BalanceModule{state: state, log: log}
}

// Spec implements core.Module.
func (m *BalanceModule) Spec() core.ModuleSpec {
	return core.ModuleSpec{
		Name:      "balance",
		Rule:      core.Pairing(pxUpdateBalance, pxSuccessAuth),
		InboxSize: 16,
	}
}

// balanceBody covers both the demo and live balance payload shapes.
type balanceBody struct {
	Balance  *decimal.Decimal `json:"balance"`
	Currency string           `json:"currency"`
	IsDemo   int              `json:"isDemo"`
	UID      uint64           `json:"uid"`
}

// Run implements core.Module.
func (m *BalanceModule) Run(ctx context.Context, in <-chan *core.Frame, _ chan<- *core.Frame) {
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return
			}
			body := eventBody(f)
			if body == nil {
				continue // announcement header
			}
			var bal balanceBody
			if err := json.Unmarshal(body, &bal); err != nil {
				m.log.Warnf("undecodable balance payload: %v", err)
				continue
			}
			if bal.Balance == nil {
				m.log.Tracef("balance payload without balance field")
				continue
			}
			m.state.SetBalance(*bal.Balance, bal.Currency)
			m.log.Debugf("balance update: %s %s", bal.Balance, bal.Currency)
		case <-ctx.Done():
			return
		}
	}
}
