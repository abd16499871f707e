// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"fmt"
	"testing"
	"time"

	"binopt.org/binopt/bin"
)

func TestRouterBroadcastAndFIFO(t *testing.T) {
	r := NewRouter(bin.Disabled)
	aIn, err := r.Register(ModuleSpec{Name: "a", Rule: Prefix("42"), InboxSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	bIn, err := r.Register(ModuleSpec{Name: "b", Rule: Contains("shared"), InboxSize: 16})
	if err != nil {
		t.Fatal(err)
	}

	// Both rules match this frame: broadcast.
	r.Route(TextFrame(`42["shared"]`))
	select {
	case <-aIn:
	default:
		t.Fatal("route a did not receive broadcast frame")
	}
	select {
	case <-bIn:
	default:
		t.Fatal("route b did not receive broadcast frame")
	}

	// Per-inbox FIFO.
	for i := 0; i < 10; i++ {
		r.Route(TextFramef(`42["seq",%d]`, i))
	}
	for i := 0; i < 10; i++ {
		f := <-aIn
		want := fmt.Sprintf(`42["seq",%d]`, i)
		if f.Text() != want {
			t.Fatalf("out of order: got %s, want %s", f.Text(), want)
		}
	}
}

func TestRouterShedPolicy(t *testing.T) {
	r := NewRouter(bin.Disabled)
	in, err := r.Register(ModuleSpec{
		Name:        "slow",
		Rule:        Prefix("x"),
		InboxSize:   1,
		Policy:      PolicyShed,
		ShedTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	fastIn, err := r.Register(ModuleSpec{Name: "fast", Rule: Prefix("x"), InboxSize: 16})
	if err != nil {
		t.Fatal(err)
	}

	// Fill the slow inbox, then route more. The extra frame must be shed
	// after the timeout without stalling the fast route.
	r.Route(TextFrame("x1"))
	start := time.Now()
	r.Route(TextFrame("x2")) // sheds for slow, delivers to fast
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("shed took %v", elapsed)
	}
	if len(fastIn) != 2 {
		t.Fatalf("fast inbox has %d frames, want 2", len(fastIn))
	}
	if len(in) != 1 {
		t.Fatalf("slow inbox has %d frames, want 1", len(in))
	}
}

func TestRouterDeregisterAndClose(t *testing.T) {
	r := NewRouter(bin.Disabled)
	in, err := r.Register(ModuleSpec{Name: "m", Rule: Prefix("x")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(ModuleSpec{Name: "m", Rule: Prefix("y")}); err == nil {
		t.Fatal("duplicate registration allowed")
	}

	r.Deregister("m")
	if _, ok := <-in; ok {
		t.Fatal("inbox not closed by Deregister")
	}
	// Routing to a deregistered module is a no-op.
	r.Route(TextFrame("x"))

	in2, err := r.Register(ModuleSpec{Name: "m", Rule: Prefix("x")})
	if err != nil {
		t.Fatalf("re-registration after Deregister: %v", err)
	}
	r.Close()
	if _, ok := <-in2; ok {
		t.Fatal("inbox not closed by Close")
	}
}

type vetoMiddleware struct {
	err error
}

func (m *vetoMiddleware) OnReceive(*Frame) error { return m.err }
func (m *vetoMiddleware) OnSend(*Frame) error    { return m.err }
func (m *vetoMiddleware) OnConnect()             {}
func (m *vetoMiddleware) OnDisconnect()          {}

func TestRouterMiddlewareAbort(t *testing.T) {
	r := NewRouter(bin.Disabled)
	in, err := r.Register(ModuleSpec{Name: "m", Rule: Prefix("x"), InboxSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	veto := &vetoMiddleware{}
	r.Middleware().Use(veto)

	r.Route(TextFrame("x1"))
	if len(in) != 1 {
		t.Fatal("frame not delivered with passive middleware")
	}

	veto.err = fmt.Errorf("rejected")
	r.Route(TextFrame("x2"))
	if len(in) != 1 {
		t.Fatal("frame delivered past erroring middleware")
	}
}

func TestRouterLatchReset(t *testing.T) {
	r := NewRouter(bin.Disabled)
	rule := Pairing(`451-["updateAssets"`)
	_, err := r.Register(ModuleSpec{Name: "assets", Rule: rule, InboxSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	r.Route(TextFrame(`451-["updateAssets",{"_placeholder":true,"num":0}]`))
	if !Latched(rule) {
		t.Fatal("latch not set")
	}
	r.ResetRules()
	if Latched(rule) {
		t.Fatal("ResetRules left a stuck latch")
	}
}
