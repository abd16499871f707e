// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/core"
)

func TestCandlesCorrelationByIndex(t *testing.T) {
	s := testState(t, 4)
	mod := NewCandlesModule(&CandlesCfg{State: s, Log: bin.Disabled})
	in := make(chan *core.Frame, 8)
	out := make(chan *core.Frame, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mod.Run(ctx, in, out)
	handle := mod.Handle()

	type result struct {
		candles []Candle
		err     error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)
	run := func(asset string, ch chan result) {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		candles, err := handle.GetCandles(cctx, asset, 60, 2)
		ch <- result{candles, err}
	}
	go run("EURUSD_otc", resA)
	go run("BTCUSD_otc", resB)

	// Read both requests and answer them in reverse order. The index the
	// server echoes back decides who gets what.
	type req struct {
		Asset string `json:"asset"`
		Index int64  `json:"index"`
	}
	reqs := make([]req, 2)
	for i := range reqs {
		select {
		case f := <-out:
			payload, _ := f.EventPayload()
			if err := json.Unmarshal(payload, &reqs[i]); err != nil {
				t.Fatal(err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("request never emitted")
		}
	}

	for i := len(reqs) - 1; i >= 0; i-- {
		body, _ := json.Marshal(historyBody{
			Asset: reqs[i].Asset,
			Index: reqs[i].Index,
			Data:  []wireCandle{{Time: 1700000000}, {Time: 1700000060}},
		})
		in <- core.TextFrame(`451-["loadHistoryPeriod",{"_placeholder":true,"num":0}]`)
		in <- core.BinaryFrame(body)
	}

	for _, tc := range []struct {
		asset string
		ch    chan result
	}{{"EURUSD_otc", resA}, {"BTCUSD_otc", resB}} {
		r := <-tc.ch
		if r.err != nil {
			t.Fatalf("%s: %v", tc.asset, r.err)
		}
		if len(r.candles) != 2 {
			t.Fatalf("%s: %d candles", tc.asset, len(r.candles))
		}
		for _, c := range r.candles {
			if c.Symbol != tc.asset {
				t.Fatalf("caller for %s received candles for %s", tc.asset, c.Symbol)
			}
		}
	}
}

func TestCandlesTimeoutCancel(t *testing.T) {
	s := testState(t, 4)
	mod := NewCandlesModule(&CandlesCfg{State: s, Log: bin.Disabled})
	in := make(chan *core.Frame, 8)
	out := make(chan *core.Frame, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mod.Run(ctx, in, out)

	cctx, ccancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer ccancel()
	_, err := mod.Handle().GetCandles(cctx, "EURUSD_otc", 60, 1)
	if !errors.Is(err, bin.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}

	if _, err := mod.Handle().GetCandlesAdvanced(context.Background(), "EURUSD_otc", 0, 60, 0); !errors.Is(err, bin.ErrValidation) {
		t.Fatalf("zero period: %v", err)
	}
}
