// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/core"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// tradeHarness runs a TradesModule against raw channels, playing the server.
type tradeHarness struct {
	mod    *TradesModule
	handle *TradesHandle
	in     chan *core.Frame
	out    chan *core.Frame
	cancel context.CancelFunc
}

func startTrades(t *testing.T, s *State, cfg *TradesCfg) *tradeHarness {
	t.Helper()
	if cfg == nil {
		cfg = &TradesCfg{}
	}
	cfg.State = s
	cfg.Log = bin.Disabled
	mod := NewTradesModule(cfg)
	in := make(chan *core.Frame, 32)
	out := make(chan *core.Frame, 32)
	ctx, cancel := context.WithCancel(context.Background())
	go mod.Run(ctx, in, out)
	t.Cleanup(cancel)
	return &tradeHarness{mod: mod, handle: mod.Handle(), in: in, out: out, cancel: cancel}
}

func seedAssets(s *State, symbols ...string) {
	table := make(map[string]*Asset)
	for i, sym := range symbols {
		table[sym] = &Asset{
			ID: i, Symbol: sym, Payout: 80, IsOTC: true, IsActive: true,
			Durations: []int64{60, 120},
		}
	}
	s.SetAssets(table)
}

// nextOrder reads the next emitted openOrder off the wire.
func (h *tradeHarness) nextOrder(t *testing.T) (reqID uuid.UUID, asset string, amount string) {
	t.Helper()
	select {
	case f := <-h.out:
		if name, _ := f.EventName(); name != "openOrder" {
			t.Fatalf("unexpected frame %s", f.Preview())
		}
		payload, _ := f.EventPayload()
		var wire struct {
			Asset     string      `json:"asset"`
			Amount    json.Number `json:"amount"`
			RequestID uuid.UUID   `json:"requestId"`
		}
		if err := json.Unmarshal(payload, &wire); err != nil {
			t.Fatalf("order payload: %v", err)
		}
		return wire.RequestID, wire.Asset, wire.Amount.String()
	case <-time.After(5 * time.Second):
		t.Fatal("no order emitted")
	}
	return
}

func (h *tradeHarness) ackSuccess(t *testing.T, reqID uuid.UUID, asset string, amount decimal.Decimal) uuid.UUID {
	t.Helper()
	dealID := uuid.New()
	deal := &Deal{ID: dealID, RequestID: &reqID, Asset: asset, Amount: amount}
	b, err := json.Marshal(deal)
	if err != nil {
		t.Fatal(err)
	}
	h.in <- core.TextFrame(`451-["successopenOrder",` + string(b) + `]`)
	return dealID
}

func TestTradesConcurrentCorrelation(t *testing.T) {
	s := testState(t, 16)
	symbols := make([]string, 10)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("ASSET%d_otc", i)
	}
	seedAssets(s, symbols...)
	h := startTrades(t, s, nil)

	// The server acknowledges out of order: collect all ten orders first,
	// then reply newest-first.
	type result struct {
		asset string
		deal  *Deal
		err   error
	}
	results := make(chan result, len(symbols))
	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			deal, err := h.handle.Buy(ctx, sym, decimal.NewFromInt(1), time.Minute)
			results <- result{asset: sym, deal: deal, err: err}
		}(sym)
	}

	type pendingAck struct {
		reqID uuid.UUID
		asset string
	}
	acks := make([]pendingAck, 0, len(symbols))
	for range symbols {
		reqID, asset, _ := h.nextOrder(t)
		acks = append(acks, pendingAck{reqID: reqID, asset: asset})
	}
	for i := len(acks) - 1; i >= 0; i-- {
		h.ackSuccess(t, acks[i].reqID, acks[i].asset, decimal.NewFromInt(1))
	}
	wg.Wait()
	close(results)

	seen := make(map[uuid.UUID]bool)
	n := 0
	for r := range results {
		n++
		if r.err != nil {
			t.Fatalf("buy %s: %v", r.asset, r.err)
		}
		// No mis-attribution: the deal each caller got is for the asset
		// that caller sent.
		if r.deal.Asset != r.asset {
			t.Fatalf("caller for %s received deal for %s", r.asset, r.deal.Asset)
		}
		if seen[r.deal.ID] {
			t.Fatalf("trade id %s returned twice", r.deal.ID)
		}
		seen[r.deal.ID] = true
	}
	if n != len(symbols) {
		t.Fatalf("%d results", n)
	}
}

func TestTradesDuplicateSuppression(t *testing.T) {
	s := testState(t, 16)
	seedAssets(s, "EURUSD_otc")
	h := startTrades(t, s, &TradesCfg{DedupWindow: 2 * time.Second})

	amount := decimal.NewFromInt(1)
	type result struct {
		deal *Deal
		err  error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			deal, err := h.handle.Buy(ctx, "EURUSD_otc", amount, time.Minute)
			results <- result{deal: deal, err: err}
		}()
	}

	reqID, asset, _ := h.nextOrder(t)

	// Exactly one frame reaches the wire.
	select {
	case f := <-h.out:
		t.Fatalf("second frame emitted: %s", f.Preview())
	case <-time.After(300 * time.Millisecond):
	}

	wantID := h.ackSuccess(t, reqID, asset, amount)

	r1, r2 := <-results, <-results
	if r1.err != nil || r2.err != nil {
		t.Fatalf("errors: %v, %v", r1.err, r2.err)
	}
	if r1.deal.ID != wantID || r2.deal.ID != wantID {
		t.Fatalf("ids %s and %s, want both %s", r1.deal.ID, r2.deal.ID, wantID)
	}

	// After resolution, a third call inside the window gets the
	// DuplicateRequest error carrying the original id.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := h.handle.Buy(ctx, "EURUSD_otc", amount, time.Minute)
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("third call: %v, want DuplicateError", err)
	}
	if dup.OriginalTradeID != wantID {
		t.Fatalf("duplicate carries %s, want %s", dup.OriginalTradeID, wantID)
	}
	if !errors.Is(err, bin.ErrDuplicateRequest) {
		t.Fatal("DuplicateError not in taxonomy")
	}
}

func TestTradesValidation(t *testing.T) {
	s := testState(t, 16)
	s.SetAssets(map[string]*Asset{
		"EURUSD_otc": {Symbol: "EURUSD_otc", IsActive: true, Durations: []int64{60}},
		"HALTED":     {Symbol: "HALTED", IsActive: false},
	})
	h := startTrades(t, s, &TradesCfg{MinAmount: decimal.NewFromInt(1)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cases := []struct {
		name   string
		asset  string
		amount decimal.Decimal
		dur    time.Duration
	}{
		{"below minimum", "EURUSD_otc", decimal.RequireFromString("0.99"), time.Minute},
		{"negative", "EURUSD_otc", decimal.NewFromInt(-1), time.Minute},
		{"above maximum", "EURUSD_otc", decimal.NewFromInt(1000000), time.Minute},
		{"unknown asset", "NOPE", decimal.NewFromInt(1), time.Minute},
		{"inactive asset", "HALTED", decimal.NewFromInt(1), time.Minute},
		{"disallowed duration", "EURUSD_otc", decimal.NewFromInt(1), 45 * time.Second},
	}
	for _, tc := range cases {
		_, err := h.handle.Buy(ctx, tc.asset, tc.amount, tc.dur)
		if !errors.Is(err, bin.ErrValidation) {
			t.Fatalf("%s: err = %v, want validation error", tc.name, err)
		}
	}
	// Nothing reached the wire.
	select {
	case f := <-h.out:
		t.Fatalf("rejected order emitted a frame: %s", f.Preview())
	default:
	}

	// Amount exactly at the minimum is accepted and emitted.
	go func() {
		bctx, bcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer bcancel()
		h.handle.Buy(bctx, "EURUSD_otc", decimal.NewFromInt(1), time.Minute)
	}()
	reqID, asset, amount := h.nextOrder(t)
	if asset != "EURUSD_otc" || amount != "1" {
		t.Fatalf("emitted %s %s", asset, amount)
	}
	_ = reqID
}

func TestTradesServerReject(t *testing.T) {
	s := testState(t, 16)
	seedAssets(s, "EURUSD_otc")
	h := startTrades(t, s, nil)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := h.handle.Buy(ctx, "EURUSD_otc", decimal.NewFromInt(1), time.Minute)
		errCh <- err
	}()
	_, asset, _ := h.nextOrder(t)

	fail := FailOpenOrder{Error: "insufficient balance", Amount: decimal.NewFromInt(1), Asset: asset}
	b, _ := json.Marshal(fail)
	h.in <- core.TextFrame(`451-["failopenOrder",` + string(b) + `]`)

	err := <-errCh
	var reject *RejectError
	if !errors.As(err, &reject) {
		t.Fatalf("err = %v, want RejectError", err)
	}
	if reject.Reason != "insufficient balance" {
		t.Fatalf("reason = %q", reject.Reason)
	}
	if !errors.Is(err, bin.ErrServerReject) {
		t.Fatal("RejectError not in taxonomy")
	}
	if s.PendingOrderCount() != 0 {
		t.Fatal("pending order leaked after rejection")
	}
}

func TestTradesTimeoutCleanupAndReconcile(t *testing.T) {
	s := testState(t, 16)
	seedAssets(s, "EURUSD_otc")
	h := startTrades(t, s, &TradesCfg{PendingTTL: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := h.handle.Buy(ctx, "EURUSD_otc", decimal.NewFromInt(1), time.Minute)
	if !errors.Is(err, bin.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	reqID, asset, _ := h.nextOrder(t)

	// The shared pending-order record survives the caller's timeout for
	// reconciliation.
	if s.PendingOrderCount() != 1 {
		t.Fatalf("%d pending orders", s.PendingOrderCount())
	}

	// A late acknowledgement is not mis-attributed to anyone, and the
	// deal still lands in shared state.
	dealID := h.ackSuccess(t, reqID, asset, decimal.NewFromInt(1))
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := s.OpenedDeal(dealID); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("late deal never reached shared state")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.PendingOrderCount() != 0 {
		t.Fatal("pending order survived acknowledgement")
	}
}

func TestTradesReconcileFromSnapshot(t *testing.T) {
	s := testState(t, 16)
	seedAssets(s, "EURUSD_otc")
	h := startTrades(t, s, &TradesCfg{PendingTTL: time.Hour})

	type result struct {
		deal *Deal
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		deal, err := h.handle.Buy(ctx, "EURUSD_otc", decimal.NewFromInt(1), time.Minute)
		resCh <- result{deal, err}
	}()
	reqID, _, _ := h.nextOrder(t)

	// No direct acknowledgement arrives (link dropped). Instead the
	// opened-deals snapshot after reconnect carries the trade.
	snapshotDeal := &Deal{ID: uuid.New(), RequestID: &reqID, Asset: "EURUSD_otc",
		Amount: decimal.NewFromInt(1)}
	s.ReplaceOpenedDeals([]*Deal{snapshotDeal})

	r := <-resCh
	if r.err != nil {
		t.Fatalf("reconciled buy failed: %v", r.err)
	}
	if r.deal.ID != snapshotDeal.ID {
		t.Fatalf("deal = %s, want %s", r.deal.ID, snapshotDeal.ID)
	}
	if s.PendingOrderCount() != 0 {
		t.Fatal("pending order survived reconciliation")
	}
}

func TestTradesPendingTTL(t *testing.T) {
	s := testState(t, 16)
	seedAssets(s, "EURUSD_otc")
	h := startTrades(t, s, &TradesCfg{PendingTTL: 100 * time.Millisecond})

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := h.handle.Buy(ctx, "EURUSD_otc", decimal.NewFromInt(1), time.Minute)
		errCh <- err
	}()
	h.nextOrder(t)

	select {
	case err := <-errCh:
		if !errors.Is(err, bin.ErrConnectionLost) {
			t.Fatalf("err = %v, want connection-lost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending order never aged out")
	}
	if s.PendingOrderCount() != 0 {
		t.Fatal("pending order survived TTL")
	}
}
