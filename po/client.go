// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"
	"time"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/bin/wait"
	"binopt.org/binopt/core"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultCheckResultGrace = 30 * time.Second
	defaultCandlesTimeout   = 30 * time.Second
	// reconcileAge is how old a pending order must be before the
	// reconnection reconciliation reports it outstanding.
	reconcileAge = 5 * time.Second
)

// Options configures a Client. The zero value of every field selects a
// sensible default; only SSID is required.
type Options struct {
	// SSID is the session credential harvested from the browser.
	SSID string
	// EndpointOverride skips endpoint discovery.
	EndpointOverride string
	// RegionsListURL is the out-of-band region list endpoint.
	RegionsListURL string
	// DefaultSymbol is primed on connect. Default EURUSD_otc.
	DefaultSymbol string

	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	ConnectTimeout   time.Duration
	TradeTimeout     time.Duration
	CheckResultGrace time.Duration
	CandlesTimeout   time.Duration

	MaxSubscriptions int
	ClosedDealsCap   int
	WaitlistTTL      time.Duration
	PendingOrdersTTL time.Duration
	DedupWindow      time.Duration

	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal

	// LoggerMaker mints the subsystem loggers. Nil disables logging.
	LoggerMaker *bin.LoggerMaker
}

func (o *Options) logger(name string) bin.Logger {
	if o.LoggerMaker == nil {
		return bin.Disabled
	}
	return o.LoggerMaker.NewLogger(name)
}

// Client is the top-level PocketOption trading client: one engine, the full
// module set, and typed operations over their handles.
type Client struct {
	opts   Options
	creds  *SSID
	state  *State
	engine *core.Engine
	stats  *core.StatsMiddleware
	waitQ  *wait.TickerQueue

	trades  *TradesHandle
	deals   *DealsHandle
	subs    *SubsHandle
	candles *CandlesHandle
}

// New parses the credential and assembles the client. Run must be called to
// establish the session.
func New(opts *Options) (*Client, error) {
	creds, err := ParseSSID(opts.SSID)
	if err != nil {
		return nil, err
	}

	state := NewState(creds, opts.ClosedDealsCap)

	connector := &Connector{
		State: state,
		Regions: &RegionSource{
			ListURL: opts.RegionsListURL,
			Log:     opts.logger("REGN"),
		},
		EndpointOverride: opts.EndpointOverride,
		ConnectTimeout:   opts.ConnectTimeout,
		Log:              opts.logger("CONN"),
	}

	engine, err := core.New(&core.Cfg{
		Connector:     connector,
		State:         state,
		Logger:        opts.logger("RUNR"),
		ReconnectBase: opts.ReconnectBase,
		ReconnectCap:  opts.ReconnectCap,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:   *opts,
		creds:  creds,
		state:  state,
		engine: engine,
		waitQ:  wait.NewTickerQueue(time.Second),
	}

	tradesMod := NewTradesModule(&TradesCfg{
		State:       state,
		Log:         opts.logger("TRAD"),
		MinAmount:   opts.MinAmount,
		MaxAmount:   opts.MaxAmount,
		DedupWindow: opts.DedupWindow,
		PendingTTL:  opts.PendingOrdersTTL,
	})
	dealsMod := NewDealsModule(&DealsCfg{
		State:     state,
		Log:       opts.logger("DEAL"),
		Retention: opts.WaitlistTTL,
	})
	subsMod := NewSubsModule(&SubsCfg{
		State:            state,
		Log:              opts.logger("SUBS"),
		MaxSubscriptions: opts.MaxSubscriptions,
	})
	candlesMod := NewCandlesModule(&CandlesCfg{
		State: state,
		Log:   opts.logger("CNDL"),
	})

	modules := []core.Module{
		NewKeepAliveModule(state, opts.DefaultSymbol, opts.logger("KEEP")),
		NewBalanceModule(state, opts.logger("BALN")),
		NewAssetsModule(state, opts.logger("ASST")),
		NewServerTimeModule(state, opts.logger("TIME")),
		tradesMod,
		dealsMod,
		subsMod,
		candlesMod,
	}
	for _, m := range modules {
		if err := engine.AddModule(m); err != nil {
			return nil, err
		}
	}

	c.trades = tradesMod.Handle()
	c.deals = dealsMod.Handle()
	c.subs = subsMod.Handle()
	c.candles = candlesMod.Handle()

	engine.AddReconnectCallback(subsMod.ResubscribeCallback())
	engine.AddReconnectCallback(c.reconcileCallback())
	engine.AddReconnectCallback(c.validatorReplayCallback())

	c.stats = core.NewStatsMiddleware(opts.logger("STAT"))
	engine.Middleware().Use(c.stats)

	return c, nil
}

// reconcileCallback audits in-flight orders after a reconnect. The venue has
// no opened-deals query; the server pushes an updateOpenedDeals snapshot
// after authentication and the trades module matches outstanding request ids
// against it. The callback enrolls each outstanding order in the waiter
// queue, which re-checks until the order resolves or its retention window
// lapses.
func (c *Client) reconcileCallback() core.ReconnectCallback {
	log := c.opts.logger("TRAD")
	ttl := c.opts.PendingOrdersTTL
	if ttl <= 0 {
		ttl = defaultPendingOrderTTL
	}
	return core.ReconnectCallback{
		Name: "reconcile-orders",
		Func: func(ctx context.Context, send core.Sender) error {
			outstanding := c.state.PendingOrdersOlderThan(reconcileAge)
			if len(outstanding) == 0 {
				return nil
			}
			log.Infof("%d orders outstanding across reconnect, awaiting snapshot",
				len(outstanding))
			for _, po := range outstanding {
				reqID := po.Order.RequestID
				expiry := po.CreatedAt.Add(ttl)
				if !expiry.After(time.Now()) {
					continue // the TTL reaper already owns it
				}
				c.waitQ.Wait(&wait.Waiter{
					Expiration: expiry,
					TryFunc: func() wait.TryDirective {
						if !c.state.HasPendingOrder(reqID) {
							return wait.DontTryAgain
						}
						return wait.TryAgain
					},
					ExpireFunc: func() {
						log.Warnf("order %s was never acknowledged after reconnect", reqID)
					},
				})
			}
			return nil
		},
	}
}

// validatorReplayCallback re-emits every raw handler's keep-alive frame.
func (c *Client) validatorReplayCallback() core.ReconnectCallback {
	return core.ReconnectCallback{
		Name: "validator-replay",
		Func: func(ctx context.Context, send core.Sender) error {
			for _, v := range c.state.Validators() {
				if f := keepAliveToFrame(v.KeepAlive); f != nil {
					if err := send(f); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

// Run drives the session until ctx is canceled, Shutdown is called, or the
// credential is rejected.
func (c *Client) Run(ctx context.Context) error {
	go c.stats.Run(ctx, time.Minute)
	go c.waitQ.Run(ctx)
	return c.engine.Run(ctx)
}

// Shutdown terminates the session and every module.
func (c *Client) Shutdown() {
	c.engine.Shutdown()
}

// Engine exposes the underlying engine for advanced wiring (middleware,
// extra modules).
func (c *Client) Engine() *core.Engine {
	return c.engine
}

// State exposes the shared session state, read-only by convention.
func (c *Client) State() *State {
	return c.state
}

// IsConnected reports whether a session is established.
func (c *Client) IsConnected() bool {
	return c.engine.IsConnected()
}

// WaitConnected blocks until a session is established.
func (c *Client) WaitConnected(ctx context.Context) error {
	return c.engine.WaitConnected(ctx)
}

// WaitForAssets blocks until the asset table is populated.
func (c *Client) WaitForAssets(ctx context.Context) error {
	return c.state.WaitForAssets(ctx)
}

// withDefault applies a default deadline when the caller's context carries
// none.
func withDefault(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, has := ctx.Deadline(); has {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (c *Client) tradeTimeout() time.Duration {
	if c.opts.TradeTimeout > 0 {
		return c.opts.TradeTimeout
	}
	return defaultTradeTimeout
}

// Buy places a call order and blocks for the acknowledgement.
func (c *Client) Buy(ctx context.Context, asset string, amount decimal.Decimal,
	duration time.Duration) (*Deal, error) {
	tctx, cancel := withDefault(ctx, c.tradeTimeout())
	defer cancel()
	return c.trades.Buy(tctx, asset, amount, duration)
}

// Sell places a put order and blocks for the acknowledgement.
func (c *Client) Sell(ctx context.Context, asset string, amount decimal.Decimal,
	duration time.Duration) (*Deal, error) {
	tctx, cancel := withDefault(ctx, c.tradeTimeout())
	defer cancel()
	return c.trades.Sell(tctx, asset, amount, duration)
}

// CheckResult blocks until a trade concludes. Without a caller deadline the
// wait is bounded by the trade's remaining lifetime plus a grace period.
func (c *Client) CheckResult(ctx context.Context, tradeID uuid.UUID) (*Deal, error) {
	grace := c.opts.CheckResultGrace
	if grace <= 0 {
		grace = defaultCheckResultGrace
	}
	bound := grace
	if d, ok := c.state.OpenedDeal(tradeID); ok {
		if remaining := time.Until(c.state.Clock.ToLocal(float64(d.CloseTimestamp))); remaining > 0 {
			bound = remaining + grace
		}
	}
	tctx, cancel := withDefault(ctx, bound)
	defer cancel()
	return c.deals.CheckResult(tctx, tradeID)
}

// CheckResultWithTimeout is CheckResult with an explicit bound.
func (c *Client) CheckResultWithTimeout(ctx context.Context, tradeID uuid.UUID,
	timeout time.Duration) (*Deal, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.deals.CheckResult(tctx, tradeID)
}

// Balance is the last known account balance.
func (c *Client) Balance() (decimal.Decimal, string, bool) {
	return c.state.Balance()
}

// Payout is the current payout percentage for an asset.
func (c *Client) Payout(asset string) (int, bool) {
	a, ok := c.state.Asset(asset)
	if !ok {
		return 0, false
	}
	return a.Payout, true
}

// Subscribe opens a tick stream for an asset.
func (c *Client) Subscribe(ctx context.Context, asset string) (*Subscription, error) {
	return c.subs.Subscribe(ctx, asset, 1)
}

// Unsubscribe releases an asset's stream.
func (c *Client) Unsubscribe(asset string) error {
	return c.subs.Unsubscribe(asset)
}

// GetCandles fetches the most recent count candles for an asset.
func (c *Client) GetCandles(ctx context.Context, asset string, period int64, count int) ([]Candle, error) {
	timeout := c.opts.CandlesTimeout
	if timeout <= 0 {
		timeout = defaultCandlesTimeout
	}
	tctx, cancel := withDefault(ctx, timeout)
	defer cancel()
	return c.candles.GetCandles(tctx, asset, period, count)
}

// GetCandlesAdvanced fetches candles with explicit offset and end time.
func (c *Client) GetCandlesAdvanced(ctx context.Context, asset string, period, offset, endTime int64) ([]Candle, error) {
	timeout := c.opts.CandlesTimeout
	if timeout <= 0 {
		timeout = defaultCandlesTimeout
	}
	tctx, cancel := withDefault(ctx, timeout)
	defer cancel()
	return c.candles.GetCandlesAdvanced(tctx, asset, period, offset, endTime)
}

// RawHandler registers an ad-hoc validator and returns its handle.
// keepAlive, when non-nil, is emitted now and re-emitted on every reconnect.
func (c *Client) RawHandler(v Validator, keepAlive *KeepAliveFrame) (*RawHandle, error) {
	return newRawHandle(c.engine, c.state, v, keepAlive)
}
