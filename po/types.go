// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package po adapts the core engine to the PocketOption wire protocol: the
// connector and handshake, the module set (keep-alive, balance, assets,
// server time, trades, deals, subscriptions, candles), the tolerant session
// credential parser, and a top-level client facade.
package po

import (
	"encoding/json"
	"fmt"
	"strings"

	"binopt.org/binopt/core"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction is the side of a binary-options trade.
type Direction uint8

const (
	// Call bets on the price rising.
	Call Direction = iota
	// Put bets on the price falling.
	Put
)

// String satisfies fmt.Stringer.
func (d Direction) String() string {
	if d == Put {
		return "put"
	}
	return "call"
}

// MarshalJSON encodes the wire form, "call" or "put".
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes the wire form.
func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "call":
		*d = Call
	case "put":
		*d = Put
	default:
		return fmt.Errorf("unknown direction %q", s)
	}
	return nil
}

// Asset is one tradable symbol from the server's asset table.
type Asset struct {
	ID       int
	Symbol   string
	Name     string
	Type     string
	Payout   int
	IsOTC    bool
	IsActive bool
	// Durations are the allowed trade durations in seconds.
	Durations []int64
}

// UnmarshalJSON decodes the positional asset tuple of an updateAssets
// payload. Only the fields at known indexes are read; the rest of the tuple
// is ignored for wire compatibility.
func (a *Asset) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) < 16 {
		return fmt.Errorf("asset tuple has %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &a.ID); err != nil {
		return fmt.Errorf("asset id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &a.Symbol); err != nil {
		return fmt.Errorf("asset symbol: %w", err)
	}
	if err := json.Unmarshal(raw[2], &a.Name); err != nil {
		return fmt.Errorf("asset name: %w", err)
	}
	json.Unmarshal(raw[3], &a.Type)
	if err := json.Unmarshal(raw[5], &a.Payout); err != nil {
		return fmt.Errorf("asset payout: %w", err)
	}
	var otc int
	json.Unmarshal(raw[9], &otc)
	a.IsOTC = otc == 1
	json.Unmarshal(raw[14], &a.IsActive)
	json.Unmarshal(raw[15], &a.Durations)
	return nil
}

// AllowsDuration reports whether the asset permits trades of the given
// duration in seconds. An asset with no advertised durations permits any.
func (a *Asset) AllowsDuration(secs int64) bool {
	if len(a.Durations) == 0 {
		return true
	}
	for _, d := range a.Durations {
		if d == secs {
			return true
		}
	}
	return false
}

// Result is the outcome of a concluded trade.
type Result string

const (
	Win  Result = "win"
	Loss Result = "loss"
	Draw Result = "draw"
)

// Deal is a trade as reported by the server, both while open and once
// concluded. Profit is net gain/loss: +stake·payout on win, −stake on loss,
// zero on draw.
type Deal struct {
	ID             uuid.UUID       `json:"id"`
	RequestID      *uuid.UUID      `json:"requestId,omitempty"`
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	Profit         decimal.Decimal `json:"profit"`
	PercentProfit  int             `json:"percentProfit"`
	PercentLoss    int             `json:"percentLoss"`
	OpenPrice      decimal.Decimal `json:"openPrice"`
	ClosePrice     decimal.Decimal `json:"closePrice"`
	Command        int             `json:"command"`
	OpenTimestamp  int64           `json:"openTimestamp"`
	CloseTimestamp int64           `json:"closeTimestamp"`
	OpenTime       string          `json:"openTime"`
	CloseTime      string          `json:"closeTime"`
	IsDemo         int             `json:"isDemo"`
	Currency       string          `json:"currency"`
}

// Result classifies the deal by its profit sign.
func (d *Deal) Result() Result {
	switch d.Profit.Sign() {
	case 1:
		return Win
	case -1:
		return Loss
	}
	return Draw
}

// Direction is the deal's side, decoded from the wire command field.
func (d *Deal) Direction() Direction {
	if d.Command == 1 {
		return Put
	}
	return Call
}

// OpenOrder is a trade command in flight. It becomes a Deal on server
// acknowledgement.
type OpenOrder struct {
	Asset     string
	Direction Direction
	Amount    decimal.Decimal
	// Duration is the option lifetime in seconds.
	Duration int64
	IsDemo   int
	RequestID uuid.UUID
}

// openOrderWire is the outbound JSON shape. Amount crosses the wire as a
// bare number.
type openOrderWire struct {
	Asset      string      `json:"asset"`
	Action     Direction   `json:"action"`
	Amount     json.Number `json:"amount"`
	IsDemo     int         `json:"isDemo"`
	OptionType int         `json:"optionType"`
	RequestID  uuid.UUID   `json:"requestId"`
	Time       int64       `json:"time"`
}

// optionTypeShort is the only option type the venue accepts for short-dated
// binaries.
const optionTypeShort = 100

// Frame encodes the order as its outbound event frame.
func (o *OpenOrder) Frame() (*core.Frame, error) {
	return core.EventFrame(42, "openOrder", &openOrderWire{
		Asset:      o.Asset,
		Action:     o.Direction,
		Amount:     json.Number(o.Amount.String()),
		IsDemo:     o.IsDemo,
		OptionType: optionTypeShort,
		RequestID:  o.RequestID,
		Time:       o.Duration,
	})
}

// FailOpenOrder is the payload of a failopenOrder event. It carries no
// request id; failures are matched back to callers by (asset, amount) in
// submission order.
type FailOpenOrder struct {
	Error  string          `json:"error"`
	Amount decimal.Decimal `json:"amount"`
	Asset  string          `json:"asset"`
}

// Tick is one price point from a subscription stream.
type Tick struct {
	Asset     string
	Timestamp float64
	Price     decimal.Decimal
}

// UnmarshalJSON decodes the wire triple ["SYMBOL",timestamp,price].
func (t *Tick) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("tick has %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &t.Asset); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &t.Timestamp); err != nil {
		return err
	}
	return json.Unmarshal(raw[2], &t.Price)
}

// ParseTicks decodes a stream payload, accepting both the chunk shape
// [["SYM",ts,price],…] and a single bare triple ["SYM",ts,price]. The two
// shapes both occur in captures.
func ParseTicks(data []byte) ([]Tick, error) {
	var ticks []Tick
	if err := json.Unmarshal(data, &ticks); err == nil {
		return ticks, nil
	}
	var one Tick
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []Tick{one}, nil
}

// Candle is OHLC price data for one period. The venue provides no volume.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timestamp float64         `json:"time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
}
