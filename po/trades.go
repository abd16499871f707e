// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/core"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultTradeTimeout = 30 * time.Second
	defaultDedupWindow  = 2 * time.Second
	tradesReapInterval  = time.Second
)

// DuplicateError is the DuplicateRequest surface: a second identical trade
// inside the dedup window is suppressed and the original's identifiers are
// returned instead.
type DuplicateError struct {
	OriginalRequestID uuid.UUID
	OriginalTradeID   uuid.UUID
}

// Error satisfies the error interface.
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: original trade %s", bin.ErrDuplicateRequest, e.OriginalTradeID)
}

// Unwrap ties the error into the taxonomy.
func (e *DuplicateError) Unwrap() error { return bin.ErrDuplicateRequest }

// RejectError carries the server's reason for refusing an order.
type RejectError struct {
	Reason string
	Asset  string
	Amount decimal.Decimal
}

// Error satisfies the error interface.
func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s (%s %s)", bin.ErrServerReject, e.Reason, e.Asset, e.Amount)
}

// Unwrap ties the error into the taxonomy.
func (e *RejectError) Unwrap() error { return bin.ErrServerReject }

// TradesCfg configures the trades module.
type TradesCfg struct {
	State *State
	Log   bin.Logger
	// MinAmount and MaxAmount bound the stake. Zero values select 1 and
	// 20000.
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	// DedupWindow is the duplicate-trade suppression window.
	DedupWindow time.Duration
	// PendingTTL bounds how long an unacknowledged order is retained.
	PendingTTL time.Duration
}

type tradeResponse struct {
	deal *Deal
	err  error
}

// waiter is one caller blocked on an order: a per-request one-shot sink. A
// shared response channel multiplexed by correlation id would wedge a
// timed-out caller's response in front of the next caller's, so each request
// carries its own sink.
type waiter struct {
	id   uuid.UUID
	resp chan tradeResponse
}

// pendingTrade tracks one in-flight order inside the module task. Multiple
// waiters occur when a duplicate call inside the dedup window attaches to
// the original order instead of emitting a second frame.
type pendingTrade struct {
	order     OpenOrder
	waiters   []waiter
	createdAt time.Time
}

type tradeCommand struct {
	// Exactly one of open and cancel is set.
	open   *openCommand
	cancel *uuid.UUID
}

type openCommand struct {
	reqID    uuid.UUID
	asset    string
	dir      Direction
	amount   decimal.Decimal
	duration time.Duration
	resp     chan tradeResponse
}

// recentTrade backs the idempotency fingerprint cache.
type recentTrade struct {
	reqID  uuid.UUID
	dealID uuid.UUID
	solved bool
	at     time.Time
}

// TradesModule accepts open-order commands, emits openOrder frames, and
// correlates success/fail acknowledgements back to the exact caller through
// per-request response sinks. Its inbox uses the blocking policy: a trade
// acknowledgement is never shed.
type TradesModule struct {
	cfg  TradesCfg
	log  bin.Logger
	cmds chan tradeCommand

	// All maps below are owned by the Run goroutine.
	pending map[uuid.UUID]*pendingTrade
	// waiterIndex maps a caller's request id to the order it waits on,
	// which differs from its own id when the call was deduplicated.
	waiterIndex map[uuid.UUID]uuid.UUID
	// failOrder matches failopenOrder events, which carry no request id,
	// back to requests by (asset, amount) in submission order.
	failOrder map[string][]uuid.UUID
	recent    map[string]*recentTrade
}

// NewTradesModule creates the trades module.
func NewTradesModule(cfg *TradesCfg) *TradesModule {
	c := *cfg
	if c.MinAmount.IsZero() {
		c.MinAmount = decimal.NewFromInt(1)
	}
	if c.MaxAmount.IsZero() {
		c.MaxAmount = decimal.NewFromInt(20000)
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	return &TradesModule{
		cfg:         c,
		log:         c.Log,
		cmds:        make(chan tradeCommand, 16),
		pending:     make(map[uuid.UUID]*pendingTrade),
		waiterIndex: make(map[uuid.UUID]uuid.UUID),
		failOrder:   make(map[string][]uuid.UUID),
		recent:      make(map[string]*recentTrade),
	}
}

// Spec implements core.Module.
func (m *TradesModule) Spec() core.ModuleSpec {
	return core.ModuleSpec{
		Name:      "trades",
		Rule:      core.Pairing(pxSuccessOpen, pxFailOpen),
		InboxSize: 32,
		Policy:    core.PolicyBlock,
	}
}

// Handle returns the caller-facing handle.
func (m *TradesModule) Handle() *TradesHandle {
	return &TradesHandle{m: m}
}

// fingerprint is the idempotency key: asset, direction, duration, and the
// amount in minor units.
func fingerprint(asset string, dir Direction, duration time.Duration, amount decimal.Decimal) string {
	cents := amount.Mul(decimal.NewFromInt(100)).IntPart()
	return fmt.Sprintf("%s|%s|%d|%d", asset, dir, int64(duration/time.Second), cents)
}

// Run implements core.Module.
func (m *TradesModule) Run(ctx context.Context, in <-chan *core.Frame, out chan<- *core.Frame) {
	reap := time.NewTicker(tradesReapInterval)
	defer reap.Stop()
	for {
		select {
		case cmd := <-m.cmds:
			switch {
			case cmd.open != nil:
				m.handleOpen(ctx, cmd.open, out)
			case cmd.cancel != nil:
				m.handleCancel(*cmd.cancel)
			}
		case f, ok := <-in:
			if !ok {
				m.failAll(bin.NewError(bin.ErrConnectionLost, "session shut down"))
				return
			}
			m.handleFrame(f)
		case <-reap.C:
			m.reap()
		case <-ctx.Done():
			m.failAll(bin.NewError(bin.ErrConnectionLost, "session shut down"))
			return
		}
	}
}

func (m *TradesModule) handleOpen(ctx context.Context, cmd *openCommand, out chan<- *core.Frame) {
	respond := func(r tradeResponse) {
		cmd.resp <- r // buffered one-shot, never blocks
	}

	if err := m.validate(cmd); err != nil {
		respond(tradeResponse{err: err})
		return
	}

	// Idempotency: a second identical trade inside the dedup window never
	// reaches the wire. If the original is still pending, the caller is
	// attached to it and both resolve with the same deal; if it already
	// resolved, a DuplicateRequest carrying the original id is returned.
	fp := fingerprint(cmd.asset, cmd.dir, cmd.duration, cmd.amount)
	if rec, ok := m.recent[fp]; ok && time.Since(rec.at) < m.cfg.DedupWindow {
		if rec.solved {
			respond(tradeResponse{err: &DuplicateError{
				OriginalRequestID: rec.reqID,
				OriginalTradeID:   rec.dealID,
			}})
			return
		}
		if pt, live := m.pending[rec.reqID]; live {
			pt.waiters = append(pt.waiters, waiter{id: cmd.reqID, resp: cmd.resp})
			m.waiterIndex[cmd.reqID] = rec.reqID
			m.log.Debugf("duplicate trade suppressed, attached to %s", rec.reqID)
			return
		}
	}

	order := OpenOrder{
		Asset:     cmd.asset,
		Direction: cmd.dir,
		Amount:    cmd.amount,
		Duration:  int64(cmd.duration / time.Second),
		RequestID: cmd.reqID,
	}
	if m.cfg.State.IsDemo() {
		order.IsDemo = 1
	}

	frame, err := order.Frame()
	if err != nil {
		respond(tradeResponse{err: bin.NewError(bin.ErrInternal, err.Error())})
		return
	}

	// The pending-order record exists before the frame leaves the writer,
	// so a disconnect mid-send still reconciles.
	m.cfg.State.AddPendingOrder(&PendingOrder{Order: order, CreatedAt: time.Now()})
	m.pending[order.RequestID] = &pendingTrade{
		order:     order,
		waiters:   []waiter{{id: cmd.reqID, resp: cmd.resp}},
		createdAt: time.Now(),
	}
	m.waiterIndex[cmd.reqID] = order.RequestID
	failKey := failMatchKey(order.Asset, order.Amount)
	m.failOrder[failKey] = append(m.failOrder[failKey], order.RequestID)
	m.recent[fp] = &recentTrade{reqID: order.RequestID, at: time.Now()}

	select {
	case out <- frame:
	case <-ctx.Done():
		m.resolve(order.RequestID, tradeResponse{err: bin.NewError(bin.ErrConnectionLost, "session shut down")})
	}
}

func (m *TradesModule) validate(cmd *openCommand) error {
	switch {
	case cmd.amount.Sign() <= 0:
		return bin.NewError(bin.ErrValidation, "amount must be positive")
	case cmd.amount.LessThan(m.cfg.MinAmount):
		return bin.NewError(bin.ErrValidation,
			fmt.Sprintf("amount %s below minimum %s", cmd.amount, m.cfg.MinAmount))
	case cmd.amount.GreaterThan(m.cfg.MaxAmount):
		return bin.NewError(bin.ErrValidation,
			fmt.Sprintf("amount %s above maximum %s", cmd.amount, m.cfg.MaxAmount))
	case cmd.duration < time.Second:
		return bin.NewError(bin.ErrValidation, "duration too short")
	}
	asset, ok := m.cfg.State.Asset(cmd.asset)
	if !ok {
		return bin.NewError(bin.ErrValidation, "unknown asset "+cmd.asset)
	}
	if !asset.IsActive {
		return bin.NewError(bin.ErrValidation, "asset "+cmd.asset+" is not open for trading")
	}
	if !asset.AllowsDuration(int64(cmd.duration / time.Second)) {
		return bin.NewError(bin.ErrValidation,
			fmt.Sprintf("asset %s does not allow %s trades", cmd.asset, cmd.duration))
	}
	return nil
}

// handleCancel detaches one abandoned waiter. The last waiter's departure
// stops local tracking entirely; the shared pending-order record stays for
// reconciliation until the TTL reaper takes it.
func (m *TradesModule) handleCancel(waiterID uuid.UUID) {
	orderID, ok := m.waiterIndex[waiterID]
	if !ok {
		return
	}
	delete(m.waiterIndex, waiterID)
	pt, ok := m.pending[orderID]
	if !ok {
		return
	}
	for i, w := range pt.waiters {
		if w.id == waiterID {
			pt.waiters = append(pt.waiters[:i], pt.waiters[i+1:]...)
			break
		}
	}
	if len(pt.waiters) == 0 {
		delete(m.pending, orderID)
		m.removeFailMatch(pt.order)
	}
}

func (m *TradesModule) handleFrame(f *core.Frame) {
	body := eventBody(f)
	if body == nil {
		return
	}
	// The success and fail payloads are distinguishable by shape: only a
	// success carries a deal id.
	var probe struct {
		ID    *uuid.UUID `json:"id"`
		Error *string    `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		m.log.Warnf("undecodable trade acknowledgement: %v", err)
		return
	}
	switch {
	case probe.ID != nil:
		m.handleSuccess(body)
	case probe.Error != nil:
		m.handleFail(body)
	default:
		m.log.Tracef("trade frame with neither id nor error: %s", body)
	}
}

func (m *TradesModule) handleSuccess(body []byte) {
	deal := new(Deal)
	if err := json.Unmarshal(body, deal); err != nil {
		m.log.Errorf("undecodable successopenOrder: %v", err)
		return
	}
	m.cfg.State.AddOpenedDeal(deal)

	if deal.RequestID == nil {
		m.log.Warnf("opened deal %s carries no request id", deal.ID)
		return
	}
	reqID := *deal.RequestID
	m.cfg.State.TakePendingOrder(reqID)

	pt, ok := m.pending[reqID]
	if !ok {
		// Not ours, or the caller gave up. The deal is tracked in shared
		// state either way.
		m.log.Debugf("acknowledgement for untracked request %s", reqID)
		return
	}
	fp := fingerprint(pt.order.Asset, pt.order.Direction,
		time.Duration(pt.order.Duration)*time.Second, pt.order.Amount)
	if rec, okRec := m.recent[fp]; okRec && rec.reqID == reqID {
		rec.dealID = deal.ID
		rec.solved = true
	}
	m.log.Infof("trade opened: %s %s %s for %s", deal.ID, pt.order.Asset,
		pt.order.Direction, pt.order.Amount)
	m.resolve(reqID, tradeResponse{deal: deal})
}

func (m *TradesModule) handleFail(body []byte) {
	var fail FailOpenOrder
	if err := json.Unmarshal(body, &fail); err != nil {
		m.log.Errorf("undecodable failopenOrder: %v", err)
		return
	}
	key := failMatchKey(fail.Asset, fail.Amount)
	queue := m.failOrder[key]
	if len(queue) == 0 {
		m.log.Warnf("rejection for unknown order: %s %s (%s)", fail.Asset,
			fail.Amount, fail.Error)
		return
	}
	reqID := queue[0]
	m.failOrder[key] = queue[1:]
	m.cfg.State.TakePendingOrder(reqID)
	m.resolve(reqID, tradeResponse{err: &RejectError{
		Reason: fail.Error,
		Asset:  fail.Asset,
		Amount: fail.Amount,
	}})
}

// resolve delivers the response to every waiter of an order and stops
// tracking it.
func (m *TradesModule) resolve(orderID uuid.UUID, resp tradeResponse) {
	pt, ok := m.pending[orderID]
	if !ok {
		return
	}
	delete(m.pending, orderID)
	m.removeFailMatch(pt.order)
	for _, w := range pt.waiters {
		delete(m.waiterIndex, w.id)
		w.resp <- resp // buffered one-shots
	}
}

func (m *TradesModule) removeFailMatch(order OpenOrder) {
	key := failMatchKey(order.Asset, order.Amount)
	queue := m.failOrder[key]
	for i, id := range queue {
		if id == order.RequestID {
			m.failOrder[key] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(m.failOrder[key]) == 0 {
		delete(m.failOrder, key)
	}
}

// reap times out stale tracking: local pendings past the TTL, shared pending
// orders, and expired dedup fingerprints. It also consumes reconciliation
// evidence: the venue has no opened-deals query, so the post-auth
// updateOpenedDeals snapshot in shared state is matched against outstanding
// request ids.
func (m *TradesModule) reap() {
	for _, d := range m.cfg.State.OpenedDeals() {
		if d.RequestID == nil {
			continue
		}
		if _, ok := m.pending[*d.RequestID]; ok {
			m.cfg.State.TakePendingOrder(*d.RequestID)
			m.log.Infof("pending order %s reconciled to deal %s", d.RequestID, d.ID)
			m.resolve(*d.RequestID, tradeResponse{deal: d})
		}
	}

	ttl := m.cfg.PendingTTL
	if ttl <= 0 {
		ttl = defaultPendingOrderTTL
	}
	for _, po := range m.cfg.State.ReapPendingOrders(ttl) {
		m.resolve(po.Order.RequestID, tradeResponse{
			err: bin.NewError(bin.ErrConnectionLost, "order was never acknowledged"),
		})
	}
	cutoff := time.Now().Add(-m.cfg.DedupWindow)
	for fp, rec := range m.recent {
		if rec.at.Before(cutoff) {
			delete(m.recent, fp)
		}
	}
}

func (m *TradesModule) failAll(err error) {
	resp := tradeResponse{err: err}
	for orderID := range m.pending {
		m.resolve(orderID, resp)
	}
}

func failMatchKey(asset string, amount decimal.Decimal) string {
	return asset + "|" + amount.String()
}

// TradesHandle is the caller-facing API of the trades module.
type TradesHandle struct {
	m *TradesModule
}

// OpenOrder places a trade and blocks until the server acknowledges it or
// the context expires. On timeout an explicit cancel detaches the waiter so
// no sink or tracking entry leaks; the order itself may still be reconciled
// after the fact through the pending-orders record.
func (h *TradesHandle) OpenOrder(ctx context.Context, asset string, dir Direction,
	amount decimal.Decimal, duration time.Duration) (*Deal, error) {

	cmd := &openCommand{
		reqID:    uuid.New(),
		asset:    asset,
		dir:      dir,
		amount:   amount,
		duration: duration,
		resp:     make(chan tradeResponse, 1),
	}
	select {
	case h.m.cmds <- tradeCommand{open: cmd}:
	case <-ctx.Done():
		return nil, bin.NewError(bin.ErrTimeout, "trade command not accepted")
	}

	select {
	case resp := <-cmd.resp:
		return resp.deal, resp.err
	case <-ctx.Done():
		reqID := cmd.reqID
		select {
		case h.m.cmds <- tradeCommand{cancel: &reqID}:
		case resp := <-cmd.resp:
			// The acknowledgement won the race.
			return resp.deal, resp.err
		}
		return nil, bin.NewError(bin.ErrTimeout, "waiting for trade acknowledgement")
	}
}

// Buy places a call order.
func (h *TradesHandle) Buy(ctx context.Context, asset string, amount decimal.Decimal,
	duration time.Duration) (*Deal, error) {
	return h.OpenOrder(ctx, asset, Call, amount, duration)
}

// Sell places a put order.
func (h *TradesHandle) Sell(ctx context.Context, asset string, amount decimal.Decimal,
	duration time.Duration) (*Deal, error) {
	return h.OpenOrder(ctx, asset, Put, amount, duration)
}
