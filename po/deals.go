// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"
	"encoding/json"
	"time"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/core"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultWaitlistRetention = 5 * time.Minute
	defaultWaitlistCapacity  = 1024
	dealsReapInterval        = 15 * time.Second
)

// DealsCfg configures the deals module.
type DealsCfg struct {
	State *State
	Log   bin.Logger
	// Retention bounds how long a waitlist entry whose trade is already in
	// the closed ring may stay, counted from when the entry registered; the
	// time the close was observed is not recorded. Zero selects 5 minutes.
	Retention time.Duration
	// Capacity bounds the waitlist; the oldest entry is evicted when
	// full. Zero selects 1024.
	Capacity int
}

type dealWaiter struct {
	id      uuid.UUID
	resp    chan tradeResponse
	addedAt time.Time
}

type dealCommand struct {
	// Exactly one of check and cancel is set.
	check  *checkCommand
	cancel *uuid.UUID
}

type checkCommand struct {
	waiterID uuid.UUID
	tradeID  uuid.UUID
	resp     chan tradeResponse
}

// closeOrderBody is the successcloseOrder payload: a closing summary with
// the batch of concluded deals.
type closeOrderBody struct {
	Profit decimal.Decimal `json:"profit"`
	Deals  []*Deal         `json:"deals"`
}

// DealsModule tracks deal conclusions. Closing updates are server-initiated
// and carry no caller-chosen correlation id, so the module keeps a waitlist
// of trade ids of interest and resolves waiters when a closing frame with a
// matching id arrives. The waitlist accepts explicit cancels, reaps entries
// whose trade is closed and which registered longer ago than the retention
// window, and is capacity bounded with oldest-entry eviction.
type DealsModule struct {
	cfg  DealsCfg
	log  bin.Logger
	cmds chan dealCommand

	// Owned by the Run goroutine.
	waitlist    map[uuid.UUID][]dealWaiter
	waiterIndex map[uuid.UUID]uuid.UUID
	waiterCount int
	lastHeader  string
}

// NewDealsModule creates the deals module.
func NewDealsModule(cfg *DealsCfg) *DealsModule {
	c := *cfg
	if c.Retention <= 0 {
		c.Retention = defaultWaitlistRetention
	}
	if c.Capacity <= 0 {
		c.Capacity = defaultWaitlistCapacity
	}
	return &DealsModule{
		cfg:         c,
		log:         c.Log,
		cmds:        make(chan dealCommand, 16),
		waitlist:    make(map[uuid.UUID][]dealWaiter),
		waiterIndex: make(map[uuid.UUID]uuid.UUID),
	}
}

// Spec implements core.Module.
func (m *DealsModule) Spec() core.ModuleSpec {
	return core.ModuleSpec{
		Name:      "deals",
		Rule:      core.Pairing(pxClosedDeals, pxOpenedDeals, pxCloseOrder),
		InboxSize: 32,
		Policy:    core.PolicyBlock,
	}
}

// Handle returns the caller-facing handle.
func (m *DealsModule) Handle() *DealsHandle {
	return &DealsHandle{m: m}
}

// Run implements core.Module.
func (m *DealsModule) Run(ctx context.Context, in <-chan *core.Frame, _ chan<- *core.Frame) {
	reap := time.NewTicker(dealsReapInterval)
	defer reap.Stop()
	for {
		select {
		case f, ok := <-in:
			if !ok {
				m.failAll(bin.NewError(bin.ErrConnectionLost, "session shut down"))
				return
			}
			m.handleFrame(f)
		case cmd := <-m.cmds:
			switch {
			case cmd.check != nil:
				m.handleCheck(cmd.check)
			case cmd.cancel != nil:
				m.handleCancel(*cmd.cancel)
			}
		case <-reap.C:
			m.reap()
		case <-ctx.Done():
			m.failAll(bin.NewError(bin.ErrConnectionLost, "session shut down"))
			return
		}
	}
}

func (m *DealsModule) handleFrame(f *core.Frame) {
	if f.IsText() {
		if name, ok := f.EventName(); ok {
			if body := eventBody(f); body != nil {
				// Inline 1-step event.
				m.dispatch(name, body)
				m.lastHeader = ""
				return
			}
			m.lastHeader = name
		}
		return
	}
	if !f.IsBinary() {
		return
	}
	if m.lastHeader == "" {
		m.log.Warnf("binary deal payload with no preceding header (%d bytes)", len(f.Data))
		return
	}
	m.dispatch(m.lastHeader, f.Data)
	m.lastHeader = ""
}

func (m *DealsModule) dispatch(event string, body []byte) {
	switch event {
	case "updateOpenedDeals":
		var deals []*Deal
		if err := json.Unmarshal(body, &deals); err != nil {
			m.log.Warnf("undecodable opened-deals snapshot: %v", err)
			return
		}
		m.cfg.State.ReplaceOpenedDeals(deals)
		m.log.Debugf("opened-deals snapshot: %d deals", len(deals))
	case "updateClosedDeals":
		var deals []*Deal
		if err := json.Unmarshal(body, &deals); err != nil {
			m.log.Warnf("undecodable closed-deals update: %v", err)
			return
		}
		m.closeDeals(deals)
	case "successcloseOrder":
		var closing closeOrderBody
		if err := json.Unmarshal(body, &closing); err != nil {
			m.log.Warnf("undecodable closing summary: %v", err)
			return
		}
		m.closeDeals(closing.Deals)
	}
}

// closeDeals moves concluded deals into the closed ring and resolves any
// waiters. A deal no caller is waiting on is stored without error.
func (m *DealsModule) closeDeals(deals []*Deal) {
	for _, d := range deals {
		m.cfg.State.CloseDeal(d)
		waiters, ok := m.waitlist[d.ID]
		if !ok {
			continue
		}
		delete(m.waitlist, d.ID)
		m.log.Debugf("trade %s closed: %s profit %s", d.ID, d.Result(), d.Profit)
		for _, w := range waiters {
			delete(m.waiterIndex, w.id)
			m.waiterCount--
			w.resp <- tradeResponse{deal: d}
		}
	}
}

func (m *DealsModule) handleCheck(cmd *checkCommand) {
	// Already concluded: answer from the ring.
	if d, ok := m.cfg.State.ClosedDeal(cmd.tradeID); ok {
		cmd.resp <- tradeResponse{deal: d}
		return
	}
	if _, ok := m.cfg.State.OpenedDeal(cmd.tradeID); !ok {
		cmd.resp <- tradeResponse{err: bin.NewError(bin.ErrValidation,
			"no trade with id "+cmd.tradeID.String())}
		return
	}
	if m.waiterCount >= m.cfg.Capacity {
		m.evictOldest()
	}
	m.waitlist[cmd.tradeID] = append(m.waitlist[cmd.tradeID], dealWaiter{
		id:      cmd.waiterID,
		resp:    cmd.resp,
		addedAt: time.Now(),
	})
	m.waiterIndex[cmd.waiterID] = cmd.tradeID
	m.waiterCount++
}

func (m *DealsModule) handleCancel(waiterID uuid.UUID) {
	tradeID, ok := m.waiterIndex[waiterID]
	if !ok {
		return
	}
	delete(m.waiterIndex, waiterID)
	waiters := m.waitlist[tradeID]
	for i, w := range waiters {
		if w.id == waiterID {
			m.waitlist[tradeID] = append(waiters[:i], waiters[i+1:]...)
			m.waiterCount--
			break
		}
	}
	if len(m.waitlist[tradeID]) == 0 {
		delete(m.waitlist, tradeID)
	}
}

// evictOldest drops the single oldest waiter, resolving it with a timeout.
func (m *DealsModule) evictOldest() {
	var oldest *dealWaiter
	var oldestTrade uuid.UUID
	for tradeID, waiters := range m.waitlist {
		for i := range waiters {
			if oldest == nil || waiters[i].addedAt.Before(oldest.addedAt) {
				oldest = &waiters[i]
				oldestTrade = tradeID
			}
		}
	}
	if oldest == nil {
		return
	}
	m.log.Warnf("waitlist full, evicting oldest waiter for trade %s", oldestTrade)
	oldest.resp <- tradeResponse{err: bin.NewError(bin.ErrTimeout, "waitlist capacity reached")}
	m.handleCancel(oldest.id)
}

// reap resolves, from the closed ring, waiters whose trade is closed and
// which registered longer ago than the retention window. The window is
// counted from registration, not from the close. Such entries only exist if
// a resolve was missed; answering from the ring keeps the waitlist from
// pinning them forever.
func (m *DealsModule) reap() {
	cutoff := time.Now().Add(-m.cfg.Retention)
	for tradeID, waiters := range m.waitlist {
		d, closed := m.cfg.State.ClosedDeal(tradeID)
		if !closed {
			continue
		}
		var keep []dealWaiter
		for _, w := range waiters {
			if w.addedAt.After(cutoff) {
				keep = append(keep, w)
				continue
			}
			delete(m.waiterIndex, w.id)
			m.waiterCount--
			w.resp <- tradeResponse{deal: d}
		}
		if len(keep) == 0 {
			delete(m.waitlist, tradeID)
		} else {
			m.waitlist[tradeID] = keep
		}
	}
}

func (m *DealsModule) failAll(err error) {
	for tradeID, waiters := range m.waitlist {
		for _, w := range waiters {
			delete(m.waiterIndex, w.id)
			w.resp <- tradeResponse{err: err}
		}
		delete(m.waitlist, tradeID)
	}
	m.waiterCount = 0
}

// WaitlistSize reports the current number of waiters, for tests and
// diagnostics. It reads the counter directly, without synchronizing with
// the module task.
func (m *DealsModule) WaitlistSize() int {
	// The counter is owned by the Run goroutine; a snapshot through a
	// command would be overkill for a diagnostic. The small race is
	// acceptable here.
	return m.waiterCount
}

// DealsHandle is the caller-facing API of the deals module.
type DealsHandle struct {
	m *DealsModule
}

// CheckResult blocks until the trade concludes or the context expires. A
// timeout sends an explicit cancel so the waitlist entry does not leak, and
// a later closing frame for the trade cannot be misread by the next caller.
func (h *DealsHandle) CheckResult(ctx context.Context, tradeID uuid.UUID) (*Deal, error) {
	cmd := &checkCommand{
		waiterID: uuid.New(),
		tradeID:  tradeID,
		resp:     make(chan tradeResponse, 1),
	}
	select {
	case h.m.cmds <- dealCommand{check: cmd}:
	case <-ctx.Done():
		return nil, bin.NewError(bin.ErrTimeout, "check-result command not accepted")
	}
	select {
	case resp := <-cmd.resp:
		return resp.deal, resp.err
	case <-ctx.Done():
		waiterID := cmd.waiterID
		select {
		case h.m.cmds <- dealCommand{cancel: &waiterID}:
		case resp := <-cmd.resp:
			return resp.deal, resp.err
		}
		return nil, bin.NewError(bin.ErrTimeout,
			"waiting for trade "+tradeID.String()+" to close")
	}
}
