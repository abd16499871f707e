// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/bin/ring"
	"binopt.org/binopt/bin/utils"
	"binopt.org/binopt/core"
	"github.com/shopspring/decimal"
)

// defaultCandleCount is the number of candles returned when the caller does
// not say otherwise.
const defaultCandleCount = 50

// candleCacheSize bounds each per-(asset,period) cache.
const candleCacheSize = 1000

// CandlesCfg configures the candles module.
type CandlesCfg struct {
	State *State
	Log   bin.Logger
}

type candlesResponse struct {
	candles []Candle
	err     error
}

type candlesCommand struct {
	// Exactly one of get and cancel is set.
	get    *getCandlesCommand
	cancel *int64
}

type getCandlesCommand struct {
	index   int64
	asset   string
	period  int64
	offset  int64
	endTime int64
	resp    chan candlesResponse
}

// historyBody is the loadHistoryPeriod response body. The index echoes the
// request.
type historyBody struct {
	Asset  string       `json:"asset"`
	Index  int64        `json:"index"`
	Period int64        `json:"period"`
	Data   []wireCandle `json:"data"`
}

type wireCandle struct {
	Time  float64         `json:"time"`
	Open  decimal.Decimal `json:"open"`
	Close decimal.Decimal `json:"close"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
}

// CandlesModule requests historical candles and correlates responses by the
// request index the server echoes back. Responses also warm a bounded
// per-(asset,period) cache.
type CandlesModule struct {
	cfg     CandlesCfg
	log     bin.Logger
	cmds    chan candlesCommand
	nextIdx atomic.Int64

	// Owned by the Run goroutine.
	pending map[int64]chan candlesResponse
	caches  map[string]*ring.Buffer[Candle]
}

// NewCandlesModule creates the candles module.
func NewCandlesModule(cfg *CandlesCfg) *CandlesModule {
	return &CandlesModule{
		cfg:     *cfg,
		log:     cfg.Log,
		cmds:    make(chan candlesCommand, 16),
		pending: make(map[int64]chan candlesResponse),
		caches:  make(map[string]*ring.Buffer[Candle]),
	}
}

// Spec implements core.Module.
func (m *CandlesModule) Spec() core.ModuleSpec {
	return core.ModuleSpec{
		Name:      "candles",
		Rule:      core.Pairing(pxHistoryPeriod, pxHistoryAll),
		InboxSize: 16,
	}
}

// Handle returns the caller-facing handle.
func (m *CandlesModule) Handle() *CandlesHandle {
	return &CandlesHandle{m: m}
}

// Run implements core.Module.
func (m *CandlesModule) Run(ctx context.Context, in <-chan *core.Frame, out chan<- *core.Frame) {
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
			case cmd.get != nil:
				m.handleGet(ctx, cmd.get, out)
			case cmd.cancel != nil:
				delete(m.pending, *cmd.cancel)
			}
		case <-ctx.Done():
			m.failAll(bin.NewError(bin.ErrConnectionLost, "session shut down"))
			return
		}
	}
}

func (m *CandlesModule) handleGet(ctx context.Context, cmd *getCandlesCommand, out chan<- *core.Frame) {
	frame, err := core.EventFrame(42, "loadHistoryPeriod", map[string]interface{}{
		"asset":  cmd.asset,
		"index":  cmd.index,
		"time":   cmd.endTime,
		"offset": cmd.offset,
		"period": cmd.period,
	})
	if err != nil {
		cmd.resp <- candlesResponse{err: bin.NewError(bin.ErrInternal, err.Error())}
		return
	}
	m.pending[cmd.index] = cmd.resp
	select {
	case out <- frame:
	case <-ctx.Done():
		delete(m.pending, cmd.index)
		cmd.resp <- candlesResponse{err: bin.NewError(bin.ErrConnectionLost, "session shut down")}
	}
}

func (m *CandlesModule) handleFrame(f *core.Frame) {
	body := eventBody(f)
	if body == nil {
		return
	}
	var hist historyBody
	if err := json.Unmarshal(body, &hist); err != nil {
		m.log.Warnf("undecodable history payload: %v", err)
		return
	}

	candles := make([]Candle, 0, len(hist.Data))
	for _, wc := range hist.Data {
		candles = append(candles, Candle{
			Symbol:    hist.Asset,
			Timestamp: wc.Time,
			Open:      wc.Open,
			High:      wc.High,
			Low:       wc.Low,
			Close:     wc.Close,
		})
	}
	m.warmCache(hist.Asset, hist.Period, candles)

	resp, ok := m.pending[hist.Index]
	if !ok {
		// History can arrive unsolicited when the terminal UI elsewhere
		// shares the account; the cache is still warmed.
		m.log.Tracef("history for unknown index %d", hist.Index)
		return
	}
	delete(m.pending, hist.Index)
	resp <- candlesResponse{candles: candles}
}

func (m *CandlesModule) warmCache(asset string, period int64, candles []Candle) {
	key := cacheKey(asset, period)
	cache, ok := m.caches[key]
	if !ok {
		cache = ring.New[Candle](candleCacheSize)
		m.caches[key] = cache
	}
	for _, c := range candles {
		cache.Add(c)
	}
}

func (m *CandlesModule) failAll(err error) {
	for idx, resp := range m.pending {
		delete(m.pending, idx)
		resp <- candlesResponse{err: err}
	}
}

func cacheKey(asset string, period int64) string {
	return asset + "/" + strconv.FormatInt(period, 10)
}

// CandlesHandle is the caller-facing API of the candles module.
type CandlesHandle struct {
	m *CandlesModule
}

// GetCandles fetches the most recent count candles of the given period (in
// seconds) for an asset. Zero count selects the default of 50.
func (h *CandlesHandle) GetCandles(ctx context.Context, asset string, period int64, count int) ([]Candle, error) {
	count = utils.Clamp(count, 0, candleCacheSize)
	if count == 0 {
		count = defaultCandleCount
	}
	endTime := h.m.cfg.State.Clock.Now().Unix()
	if period > 0 {
		endTime -= endTime % period
	}
	return h.GetCandlesAdvanced(ctx, asset, period, int64(count)*period, endTime)
}

// GetCandlesAdvanced fetches candles with explicit offset (seconds of
// history before endTime) and end time (server unix seconds).
func (h *CandlesHandle) GetCandlesAdvanced(ctx context.Context, asset string, period, offset, endTime int64) ([]Candle, error) {
	if period <= 0 {
		return nil, bin.NewError(bin.ErrValidation, "period must be positive")
	}
	cmd := &getCandlesCommand{
		index:   h.m.nextIdx.Add(1),
		asset:   asset,
		period:  period,
		offset:  offset,
		endTime: endTime,
		resp:    make(chan candlesResponse, 1),
	}
	select {
	case h.m.cmds <- candlesCommand{get: cmd}:
	case <-ctx.Done():
		return nil, bin.NewError(bin.ErrTimeout, "candles command not accepted")
	}
	select {
	case resp := <-cmd.resp:
		return resp.candles, resp.err
	case <-ctx.Done():
		idx := cmd.index
		select {
		case h.m.cmds <- candlesCommand{cancel: &idx}:
		case resp := <-cmd.resp:
			return resp.candles, resp.err
		}
		return nil, bin.NewError(bin.ErrTimeout, "waiting for candle history")
	}
}
