// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/core"
)

// scriptConn is a minimal core.Conn for driving the handshake.
type scriptConn struct {
	in     chan *core.Frame
	writes chan *core.Frame
}

func newScriptConn() *scriptConn {
	return &scriptConn{
		in:     make(chan *core.Frame, 16),
		writes: make(chan *core.Frame, 16),
	}
}

func (c *scriptConn) ReadFrame() (*core.Frame, error) {
	f, ok := <-c.in
	if !ok {
		return nil, bin.NewError(bin.ErrTransport, "closed")
	}
	return f, nil
}

func (c *scriptConn) WriteFrame(f *core.Frame) error {
	c.writes <- f
	return nil
}

func (c *scriptConn) Close() error { return nil }

func TestHandshake(t *testing.T) {
	creds, err := ParseSSID(demoSSID)
	if err != nil {
		t.Fatal(err)
	}
	state := NewState(creds, 4)
	connector := &Connector{State: state, Log: bin.Disabled}

	conn := newScriptConn()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Play the server: greeting, namespace, interleaved ping, auth ack.
	go func() {
		conn.in <- core.TextFrame(`0{"sid":"abc","upgrades":[],"pingInterval":25000}`)
		if f := <-conn.writes; f.Text() != "40" {
			t.Errorf("greeting reply = %s, want 40", f.Text())
			return
		}
		conn.in <- core.TextFrame(core.PingToken)
		if f := <-conn.writes; f.Text() != core.PongToken {
			t.Errorf("ping reply = %s, want %s", f.Text(), core.PongToken)
			return
		}
		conn.in <- core.TextFrame(`40{"sid":"def"}`)
		if f := <-conn.writes; !strings.HasPrefix(f.Text(), `42["auth",`) {
			t.Errorf("auth frame = %s", f.Text())
			return
		}
		conn.in <- core.TextFrame(`451-["successauth",{"_placeholder":true,"num":0}]`)
	}()

	replay, err := connector.handshake(ctx, conn)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if len(replay) != 1 {
		t.Fatalf("%d replay frames", len(replay))
	}
	if name, _ := replay[0].EventName(); name != "successauth" {
		t.Fatalf("replay frame = %s", replay[0].Preview())
	}

	// The replay wrapper surfaces the captured frame first.
	rc := &replayConn{Conn: conn, pending: replay}
	first, err := rc.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if name, _ := first.EventName(); name != "successauth" {
		t.Fatalf("first read = %s", first.Preview())
	}
	conn.in <- core.TextFrame("2")
	next, err := rc.ReadFrame()
	if err != nil || next.Text() != "2" {
		t.Fatalf("second read = %v, %v", next, err)
	}
}

func TestHandshakeRejection(t *testing.T) {
	creds, err := ParseSSID(demoSSID)
	if err != nil {
		t.Fatal(err)
	}
	state := NewState(creds, 4)
	connector := &Connector{State: state, Log: bin.Disabled}

	conn := newScriptConn()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		conn.in <- core.TextFrame(`0{"sid":"abc"}`)
		<-conn.writes // 40
		conn.in <- core.TextFrame(`40{"sid":"def"}`)
		<-conn.writes // auth
		conn.in <- core.TextFrame(`42["failauth",{"reason":"bad session"}]`)
	}()

	_, err = connector.handshake(ctx, conn)
	if !errors.Is(err, bin.ErrHandshake) {
		t.Fatalf("err = %v, want handshake rejection", err)
	}
}
