// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"binopt.org/binopt/bin"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to write a frame to the connection.
	writeWait = 5 * time.Second

	// pingWait is the maximum time to wait between any reads before the
	// connection is considered dead. The adapted protocol pings more often
	// than this.
	pingWait = 60 * time.Second
)

// Conn is a bidirectional framed channel, in practice a *websocket.Conn
// behind deadline handling. A stub is used for testing.
type Conn interface {
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Close() error
}

// Connector establishes a ready-for-traffic session: endpoint selection, TCP
// connect, TLS, websocket upgrade, and any protocol-level handshake. A
// Connector returning an error wrapping bin.ErrHandshake is treated as fatal
// by the runner; anything else is retried with backoff.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// DialCfg configures Dial.
type DialCfg struct {
	// URL is the full wss:// URL.
	URL string
	// Header holds the upgrade request headers (Origin, User-Agent,
	// Cookie).
	Header http.Header
	// HandshakeTimeout bounds the websocket upgrade. Zero means 10s.
	HandshakeTimeout time.Duration
	// Logger logs transport-level events.
	Logger bin.Logger
}

// wsConn adapts a gorilla connection to Conn with deadline discipline.
type wsConn struct {
	ws  *websocket.Conn
	log bin.Logger
}

// Dial establishes a websocket connection over TLS using the system root
// store. Certificates that fail verification are rejected.
func Dial(ctx context.Context, cfg *DialCfg) (Conn, error) {
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	ws, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, bin.NewError(bin.ErrTransport, "dial "+cfg.URL+": "+err.Error())
	}

	log := cfg.Logger
	if log == nil {
		log = bin.Disabled
	}

	// Transport-level pings refresh the read deadline and get an immediate
	// pong. The protocol's own "2"/"3" tokens are ordinary text frames and
	// are handled by the keep-alive module.
	ws.SetPingHandler(func(appData string) error {
		now := time.Now()
		if err := ws.SetReadDeadline(now.Add(pingWait)); err != nil {
			log.Errorf("read deadline error: %v", err)
			return err
		}
		return ws.WriteControl(websocket.PongMessage, []byte(appData), now.Add(writeWait))
	})
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pingWait))
	})
	ws.SetReadDeadline(time.Now().Add(pingWait))

	return &wsConn{ws: ws, log: log}, nil
}

// ReadFrame reads the next data frame. Websocket control frames are handled
// internally and never surfaced.
func (c *wsConn) ReadFrame() (*Frame, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, bin.NewError(bin.ErrTransport, "read: "+err.Error())
	}
	c.ws.SetReadDeadline(time.Now().Add(pingWait))
	switch msgType {
	case websocket.TextMessage:
		return &Frame{Kind: FrameText, Data: data}, nil
	case websocket.BinaryMessage:
		return &Frame{Kind: FrameBinary, Data: data}, nil
	}
	// Gorilla only returns text and binary from ReadMessage.
	return nil, bin.NewError(bin.ErrInternal, "unexpected message type")
}

// WriteFrame writes a frame with the write deadline applied. The writer task
// is the only caller, so no write mutex is needed.
func (c *wsConn) WriteFrame(f *Frame) error {
	deadline := time.Now().Add(writeWait)
	c.ws.SetWriteDeadline(deadline)
	var err error
	switch f.Kind {
	case FrameText:
		err = c.ws.WriteMessage(websocket.TextMessage, f.Data)
	case FrameBinary:
		err = c.ws.WriteMessage(websocket.BinaryMessage, f.Data)
	case FramePing:
		err = c.ws.WriteControl(websocket.PingMessage, f.Data, deadline)
	case FramePong:
		err = c.ws.WriteControl(websocket.PongMessage, f.Data, deadline)
	case FrameClose:
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	}
	if err != nil {
		return bin.NewError(bin.ErrTransport, "write: "+err.Error())
	}
	return nil
}

// Close sends a close message and closes the underlying connection.
func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.ws.Close()
}
