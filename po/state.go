// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"sync"
	"time"

	"binopt.org/binopt/bin/ring"
	"binopt.org/binopt/bin/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultClosedDealsCap  = 256
	defaultPendingOrderTTL = 120 * time.Second
)

// PendingOrder is an in-flight trade order awaiting server acknowledgement.
// Entries survive disconnects so the reconnection reconciliation can decide
// their fate.
type PendingOrder struct {
	Order     OpenOrder
	CreatedAt time.Time
}

// SubscriptionDesc describes one active server-side stream.
type SubscriptionDesc struct {
	Asset  string
	Period int64
	// Stale marks a subscription whose server-side stream was lost with
	// the session and awaits re-subscribe.
	Stale bool
}

// ValidatorDesc describes a user-registered raw handler for replay purposes.
type ValidatorDesc struct {
	Name string
	// KeepAlive, when non-nil, is re-emitted on every reconnect.
	KeepAlive *KeepAliveFrame
}

// KeepAliveFrame is a frame remembered for replay.
type KeepAliveFrame struct {
	Text   string
	Binary []byte
}

// State is the single shared state object owned by the runner and readable
// by every module and middleware. Field groups follow a single-writer,
// many-reader discipline; writers hold the group's lock only for the
// critical section, never across channel operations.
type State struct {
	// creds is immutable after construction.
	creds *SSID

	// Clock is the server-time tracker, written by the server-time module.
	Clock ServerClock

	balMtx   sync.RWMutex
	balance  *decimal.Decimal
	currency string

	assetMtx    sync.RWMutex
	assets      map[string]*Asset
	assetsReady chan struct{}
	assetsSet   bool

	tradeMtx    sync.RWMutex
	openedDeals map[uuid.UUID]*Deal
	closedDeals *ring.Buffer[*Deal]

	pendMtx       sync.RWMutex
	pendingOrders map[uuid.UUID]*PendingOrder

	subMtx sync.RWMutex
	subs   map[string]*SubscriptionDesc

	valMtx     sync.Mutex
	validators []*ValidatorDesc // copy-on-write

	epMtx    sync.Mutex
	endpoint string
}

// NewState creates the shared state for a session credential. closedDealsCap
// bounds the closed-deals ring; zero selects the default of 256.
func NewState(creds *SSID, closedDealsCap int) *State {
	if closedDealsCap <= 0 {
		closedDealsCap = defaultClosedDealsCap
	}
	return &State{
		creds:         creds,
		assetsReady:   make(chan struct{}),
		openedDeals:   make(map[uuid.UUID]*Deal),
		closedDeals:   ring.New[*Deal](closedDealsCap),
		pendingOrders: make(map[uuid.UUID]*PendingOrder),
		subs:          make(map[string]*SubscriptionDesc),
	}
}

// Creds is the session credential.
func (s *State) Creds() *SSID {
	return s.creds
}

// IsDemo reports whether this is a demo-account session.
func (s *State) IsDemo() bool {
	return s.creds.Demo
}

// ClearTemporalData clears session-scoped data on disconnect: the balance is
// dropped and active subscriptions are marked stale. Opened deals and pending
// orders are retained for reconciliation.
func (s *State) ClearTemporalData() {
	s.balMtx.Lock()
	s.balance = nil
	s.balMtx.Unlock()

	s.subMtx.Lock()
	for _, sub := range s.subs {
		sub.Stale = true
	}
	s.subMtx.Unlock()
}

// SetBalance records the account balance. Written only by the balance
// module.
func (s *State) SetBalance(bal decimal.Decimal, currency string) {
	s.balMtx.Lock()
	s.balance = &bal
	if currency != "" {
		s.currency = currency
	}
	s.balMtx.Unlock()
}

// Balance is the last known balance, with ok false when none has arrived
// since the session was established.
func (s *State) Balance() (bal decimal.Decimal, currency string, ok bool) {
	s.balMtx.RLock()
	defer s.balMtx.RUnlock()
	if s.balance == nil {
		return decimal.Decimal{}, s.currency, false
	}
	return *s.balance, s.currency, true
}

// SetAssets replaces the asset table and releases any WaitForAssets callers.
// Written only by the assets module.
func (s *State) SetAssets(assets map[string]*Asset) {
	s.assetMtx.Lock()
	s.assets = assets
	if !s.assetsSet {
		s.assetsSet = true
		close(s.assetsReady)
	}
	s.assetMtx.Unlock()
}

// InvalidateAssets marks the asset table unpopulated so the next updateAssets
// payload is awaited again.
func (s *State) InvalidateAssets() {
	s.assetMtx.Lock()
	if s.assetsSet {
		s.assetsSet = false
		s.assetsReady = make(chan struct{})
	}
	s.assetMtx.Unlock()
}

// Asset looks up an asset by symbol.
func (s *State) Asset(symbol string) (*Asset, bool) {
	s.assetMtx.RLock()
	defer s.assetMtx.RUnlock()
	a, ok := s.assets[symbol]
	return a, ok
}

// Assets is a copy of the asset table.
func (s *State) Assets() map[string]*Asset {
	s.assetMtx.RLock()
	defer s.assetMtx.RUnlock()
	return utils.CopyMap(s.assets)
}

// AssetsReady is a channel closed once the asset table is populated.
func (s *State) AssetsReady() <-chan struct{} {
	s.assetMtx.RLock()
	defer s.assetMtx.RUnlock()
	return s.assetsReady
}

// AddOpenedDeal deposits a confirmed deal. A trade id never appears in both
// the opened set and the closed ring; a deal already observed closed is not
// reopened.
func (s *State) AddOpenedDeal(d *Deal) {
	s.tradeMtx.Lock()
	defer s.tradeMtx.Unlock()
	if closed := s.closedDeals.Find(func(cd **Deal) bool { return (*cd).ID == d.ID }); closed != nil {
		return
	}
	s.openedDeals[d.ID] = d
}

// ReplaceOpenedDeals replaces the opened-deals set from an updateOpenedDeals
// snapshot, dropping anything already observed closed.
func (s *State) ReplaceOpenedDeals(deals []*Deal) {
	s.tradeMtx.Lock()
	defer s.tradeMtx.Unlock()
	opened := make(map[uuid.UUID]*Deal, len(deals))
	for _, d := range deals {
		if closed := s.closedDeals.Find(func(cd **Deal) bool { return (*cd).ID == d.ID }); closed != nil {
			continue
		}
		opened[d.ID] = d
	}
	s.openedDeals = opened
}

// CloseDeal moves a deal from the opened set to the closed ring. Deals never
// seen open (e.g. placed by another client of the same account) are stored in
// the ring without error.
func (s *State) CloseDeal(d *Deal) {
	s.tradeMtx.Lock()
	defer s.tradeMtx.Unlock()
	delete(s.openedDeals, d.ID)
	if existing := s.closedDeals.Find(func(cd **Deal) bool { return (*cd).ID == d.ID }); existing != nil {
		*existing = d
		return
	}
	s.closedDeals.Add(d)
}

// OpenedDeal looks up an open deal by trade id.
func (s *State) OpenedDeal(id uuid.UUID) (*Deal, bool) {
	s.tradeMtx.RLock()
	defer s.tradeMtx.RUnlock()
	d, ok := s.openedDeals[id]
	return d, ok
}

// OpenedDeals is a snapshot of the open deals.
func (s *State) OpenedDeals() []*Deal {
	s.tradeMtx.RLock()
	defer s.tradeMtx.RUnlock()
	return utils.MapItems(s.openedDeals)
}

// ClosedDeal looks up a concluded deal by trade id.
func (s *State) ClosedDeal(id uuid.UUID) (*Deal, bool) {
	s.tradeMtx.RLock()
	defer s.tradeMtx.RUnlock()
	if d := s.closedDeals.Find(func(cd **Deal) bool { return (*cd).ID == id }); d != nil {
		return *d, true
	}
	return nil, false
}

// ClosedDeals returns up to count concluded deals, oldest first.
func (s *State) ClosedDeals(count int) []*Deal {
	s.tradeMtx.RLock()
	defer s.tradeMtx.RUnlock()
	return s.closedDeals.Items(count)
}

// AddPendingOrder records an in-flight order before its frame leaves the
// writer. Written only by the trades module.
func (s *State) AddPendingOrder(po *PendingOrder) {
	s.pendMtx.Lock()
	s.pendingOrders[po.Order.RequestID] = po
	s.pendMtx.Unlock()
}

// TakePendingOrder removes and returns the pending order for a request id.
func (s *State) TakePendingOrder(reqID uuid.UUID) (*PendingOrder, bool) {
	s.pendMtx.Lock()
	defer s.pendMtx.Unlock()
	po, ok := s.pendingOrders[reqID]
	if ok {
		delete(s.pendingOrders, reqID)
	}
	return po, ok
}

// HasPendingOrder reports whether a request id is still awaiting
// acknowledgement.
func (s *State) HasPendingOrder(reqID uuid.UUID) bool {
	s.pendMtx.RLock()
	defer s.pendMtx.RUnlock()
	_, ok := s.pendingOrders[reqID]
	return ok
}

// ReapPendingOrders removes and returns entries older than ttl. Zero ttl
// selects the default of 120s.
func (s *State) ReapPendingOrders(ttl time.Duration) []*PendingOrder {
	if ttl <= 0 {
		ttl = defaultPendingOrderTTL
	}
	cutoff := time.Now().Add(-ttl)
	s.pendMtx.Lock()
	defer s.pendMtx.Unlock()
	var reaped []*PendingOrder
	for id, po := range s.pendingOrders {
		if po.CreatedAt.Before(cutoff) {
			reaped = append(reaped, po)
			delete(s.pendingOrders, id)
		}
	}
	return reaped
}

// PendingOrdersOlderThan snapshots entries older than age, for the
// reconnection reconciliation.
func (s *State) PendingOrdersOlderThan(age time.Duration) []*PendingOrder {
	cutoff := time.Now().Add(-age)
	s.pendMtx.RLock()
	defer s.pendMtx.RUnlock()
	var out []*PendingOrder
	for _, po := range s.pendingOrders {
		if po.CreatedAt.Before(cutoff) {
			out = append(out, po)
		}
	}
	return out
}

// PendingOrderCount is the number of in-flight orders.
func (s *State) PendingOrderCount() int {
	s.pendMtx.RLock()
	defer s.pendMtx.RUnlock()
	return len(s.pendingOrders)
}

// AddSubscription records an active stream. Written only by the
// subscriptions module.
func (s *State) AddSubscription(desc *SubscriptionDesc) {
	s.subMtx.Lock()
	s.subs[desc.Asset] = desc
	s.subMtx.Unlock()
}

// RemoveSubscription drops a stream record.
func (s *State) RemoveSubscription(asset string) {
	s.subMtx.Lock()
	delete(s.subs, asset)
	s.subMtx.Unlock()
}

// Subscription looks up a stream record by asset.
func (s *State) Subscription(asset string) (SubscriptionDesc, bool) {
	s.subMtx.RLock()
	defer s.subMtx.RUnlock()
	sub, ok := s.subs[asset]
	if !ok {
		return SubscriptionDesc{}, false
	}
	return *sub, true
}

// Subscriptions is a snapshot of the active stream records.
func (s *State) Subscriptions() []SubscriptionDesc {
	s.subMtx.RLock()
	defer s.subMtx.RUnlock()
	out := make([]SubscriptionDesc, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, *sub)
	}
	return out
}

// SubscriptionCount is the number of active stream records.
func (s *State) SubscriptionCount() int {
	s.subMtx.RLock()
	defer s.subMtx.RUnlock()
	return len(s.subs)
}

// MarkSubscriptionFresh clears the stale flag after a successful
// re-subscribe.
func (s *State) MarkSubscriptionFresh(asset string) {
	s.subMtx.Lock()
	if sub, ok := s.subs[asset]; ok {
		sub.Stale = false
	}
	s.subMtx.Unlock()
}

// AddValidator registers a raw-handler descriptor. The list is copy-on-write
// so readers iterate without a lock.
func (s *State) AddValidator(v *ValidatorDesc) {
	s.valMtx.Lock()
	next := make([]*ValidatorDesc, len(s.validators)+1)
	copy(next, s.validators)
	next[len(s.validators)] = v
	s.validators = next
	s.valMtx.Unlock()
}

// RemoveValidator drops a raw-handler descriptor by name.
func (s *State) RemoveValidator(name string) {
	s.valMtx.Lock()
	next := make([]*ValidatorDesc, 0, len(s.validators))
	for _, v := range s.validators {
		if v.Name != name {
			next = append(next, v)
		}
	}
	s.validators = next
	s.valMtx.Unlock()
}

// Validators is the current raw-handler descriptor list.
func (s *State) Validators() []*ValidatorDesc {
	s.valMtx.Lock()
	defer s.valMtx.Unlock()
	return s.validators
}

// SetEndpoint records the endpoint chosen by the connector.
func (s *State) SetEndpoint(url string) {
	s.epMtx.Lock()
	s.endpoint = url
	s.epMtx.Unlock()
}

// Endpoint is the endpoint of the current or last session.
func (s *State) Endpoint() string {
	s.epMtx.Lock()
	defer s.epMtx.Unlock()
	return s.endpoint
}
