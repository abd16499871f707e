// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func testState(t *testing.T, closedCap int) *State {
	t.Helper()
	creds, err := ParseSSID(demoSSID)
	if err != nil {
		t.Fatal(err)
	}
	return NewState(creds, closedCap)
}

func mkDeal(id uuid.UUID) *Deal {
	return &Deal{ID: id, Asset: "EURUSD_otc", Amount: decimal.NewFromInt(1)}
}

func TestStateTradeInvariant(t *testing.T) {
	s := testState(t, 4)
	id := uuid.New()
	d := mkDeal(id)

	s.AddOpenedDeal(d)
	if _, ok := s.OpenedDeal(id); !ok {
		t.Fatal("deal not opened")
	}
	if _, ok := s.ClosedDeal(id); ok {
		t.Fatal("open deal present in closed ring")
	}

	s.CloseDeal(d)
	if _, ok := s.OpenedDeal(id); ok {
		t.Fatal("closed deal still open")
	}
	if _, ok := s.ClosedDeal(id); !ok {
		t.Fatal("closed deal not in ring")
	}

	// Re-adding a deal already observed closed is a no-op: a trade id is
	// in exactly one of the two sets.
	s.AddOpenedDeal(d)
	if _, ok := s.OpenedDeal(id); ok {
		t.Fatal("closed deal reopened")
	}

	// An opened-deals snapshot cannot resurrect a closed deal either.
	s.ReplaceOpenedDeals([]*Deal{d, mkDeal(uuid.New())})
	if _, ok := s.OpenedDeal(id); ok {
		t.Fatal("snapshot resurrected closed deal")
	}
	if len(s.OpenedDeals()) != 1 {
		t.Fatalf("%d opened deals after snapshot", len(s.OpenedDeals()))
	}
}

func TestStateClosedRing(t *testing.T) {
	s := testState(t, 3)
	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		s.CloseDeal(mkDeal(ids[i]))
	}
	deals := s.ClosedDeals(-1)
	if len(deals) != 3 {
		t.Fatalf("ring holds %d, want 3", len(deals))
	}
	// Insertion order preserved, oldest evicted first.
	for i, d := range deals {
		if d.ID != ids[i+2] {
			t.Fatalf("ring[%d] = %s, want %s", i, d.ID, ids[i+2])
		}
	}
	if _, ok := s.ClosedDeal(ids[0]); ok {
		t.Fatal("evicted deal still findable")
	}
}

func TestStatePendingOrders(t *testing.T) {
	s := testState(t, 4)
	oldID, newID := uuid.New(), uuid.New()
	s.AddPendingOrder(&PendingOrder{
		Order:     OpenOrder{RequestID: oldID},
		CreatedAt: time.Now().Add(-3 * time.Minute),
	})
	s.AddPendingOrder(&PendingOrder{
		Order:     OpenOrder{RequestID: newID},
		CreatedAt: time.Now(),
	})

	aged := s.PendingOrdersOlderThan(time.Minute)
	if len(aged) != 1 || aged[0].Order.RequestID != oldID {
		t.Fatalf("aged = %v", aged)
	}

	reaped := s.ReapPendingOrders(2 * time.Minute)
	if len(reaped) != 1 || reaped[0].Order.RequestID != oldID {
		t.Fatalf("reaped %d entries", len(reaped))
	}
	if s.PendingOrderCount() != 1 {
		t.Fatalf("%d pending after reap", s.PendingOrderCount())
	}
	if _, ok := s.TakePendingOrder(newID); !ok {
		t.Fatal("fresh order gone")
	}
	if s.PendingOrderCount() != 0 {
		t.Fatal("pending not empty")
	}
}

func TestStateClearTemporalData(t *testing.T) {
	s := testState(t, 4)
	s.SetBalance(decimal.NewFromInt(100), "USD")
	s.AddSubscription(&SubscriptionDesc{Asset: "EURUSD_otc", Period: 1})
	openID := uuid.New()
	s.AddOpenedDeal(mkDeal(openID))
	s.AddPendingOrder(&PendingOrder{Order: OpenOrder{RequestID: uuid.New()}, CreatedAt: time.Now()})

	s.ClearTemporalData()

	if _, _, ok := s.Balance(); ok {
		t.Fatal("balance survived disconnect")
	}
	sub, ok := s.Subscription("EURUSD_otc")
	if !ok || !sub.Stale {
		t.Fatalf("subscription not marked stale: %+v", sub)
	}
	// Reconciliation data is retained.
	if _, ok := s.OpenedDeal(openID); !ok {
		t.Fatal("opened deal lost on disconnect")
	}
	if s.PendingOrderCount() != 1 {
		t.Fatal("pending orders lost on disconnect")
	}
}

func TestStateValidatorsCopyOnWrite(t *testing.T) {
	s := testState(t, 4)
	s.AddValidator(&ValidatorDesc{Name: "a"})
	snapshot := s.Validators()
	s.AddValidator(&ValidatorDesc{Name: "b"})
	s.RemoveValidator("a")

	if len(snapshot) != 1 || snapshot[0].Name != "a" {
		t.Fatalf("snapshot mutated: %v", snapshot)
	}
	now := s.Validators()
	if len(now) != 1 || now[0].Name != "b" {
		t.Fatalf("current list wrong: %v", now)
	}
}
