// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/core"
)

const (
	originHeader = "https://pocketoption.com"

	// Handshake phases of the socket.io-style greeting.
	sidGreeting   = `0{"sid"`
	nsGreeting    = `40{"sid"`
	successAuthPx = `451-["successauth"`
	nsOpen        = "40"

	defaultConnectTimeout = 30 * time.Second
)

// Connector establishes authenticated PocketOption sessions. It probes the
// candidate endpoints in order and performs the protocol handshake on each
// until one accepts: greeting, namespace open, credential presentation, and
// the successauth acknowledgement. An explicit rejection of the credential is
// fatal; everything else moves on to the next candidate.
type Connector struct {
	State   *State
	Regions *RegionSource
	// EndpointOverride skips endpoint discovery entirely.
	EndpointOverride string
	// ConnectTimeout bounds the dial plus handshake per candidate. Zero
	// means 30s.
	ConnectTimeout time.Duration
	Log            bin.Logger
}

var _ core.Connector = (*Connector)(nil)

// Connect implements core.Connector.
func (c *Connector) Connect(ctx context.Context) (core.Conn, error) {
	var candidates []string
	if c.EndpointOverride != "" {
		candidates = []string{c.EndpointOverride}
	} else {
		candidates = c.Regions.Candidates(ctx, c.State.Creds())
	}
	if len(candidates) == 0 {
		return nil, bin.NewError(bin.ErrTransport, "no endpoint candidates")
	}

	var lastErr error
	for _, endpoint := range candidates {
		conn, err := c.tryEndpoint(ctx, endpoint)
		if err == nil {
			c.Log.Infof("authenticated at %s", endpoint)
			c.State.SetEndpoint(endpoint)
			return conn, nil
		}
		if errors.Is(err, bin.ErrHandshake) {
			return nil, err
		}
		c.Log.Warnf("endpoint %s: %v", endpoint, err)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = bin.NewError(bin.ErrTransport, "all endpoints exhausted")
	}
	return nil, lastErr
}

// tryEndpoint dials one endpoint and drives the handshake to completion.
func (c *Connector) tryEndpoint(ctx context.Context, endpoint string) (core.Conn, error) {
	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	header.Set("Origin", originHeader)
	header.Set("User-Agent", c.State.Creds().UserAgent())

	conn, err := core.Dial(hsCtx, &core.DialCfg{
		URL:    endpoint,
		Header: header,
		Logger: c.Log,
	})
	if err != nil {
		return nil, err
	}

	replay, err := c.handshake(hsCtx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &replayConn{Conn: conn, pending: replay}, nil
}

// handshake drives the greeting and authentication exchange. It returns the
// successauth header frame for replay so the session router still routes the
// authentication acknowledgement (and its paired binary body) to the balance
// module and the keep-alive init sequence. The assets module's rule matches
// only updateAssets, so it does not receive this frame.
func (c *Connector) handshake(ctx context.Context, conn core.Conn) ([]*core.Frame, error) {
	deadline, _ := ctx.Deadline()
	for {
		if ctx.Err() != nil {
			return nil, bin.NewError(bin.ErrTransport, "handshake: "+ctx.Err().Error())
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, bin.NewError(bin.ErrTimeout, "handshake deadline")
		}

		f, err := conn.ReadFrame()
		if err != nil {
			return nil, err
		}
		if !f.IsText() {
			continue
		}
		text := f.Text()
		switch {
		case strings.HasPrefix(text, sidGreeting):
			if err := conn.WriteFrame(core.TextFrame(nsOpen)); err != nil {
				return nil, err
			}
		case strings.HasPrefix(text, nsGreeting):
			auth, err := c.State.Creds().AuthFrame()
			if err != nil {
				return nil, bin.NewError(bin.ErrHandshake, "auth frame: "+err.Error())
			}
			if err := conn.WriteFrame(auth); err != nil {
				return nil, err
			}
		case strings.HasPrefix(text, successAuthPx):
			return []*core.Frame{f}, nil
		case text == core.PingToken:
			conn.WriteFrame(core.TextFrame(core.PongToken))
		case isAuthRejection(text):
			return nil, bin.NewError(bin.ErrHandshake, "server rejected credential")
		}
	}
}

// isAuthRejection spots the venue's credential-rejection shapes.
func isAuthRejection(text string) bool {
	if name := eventNameOf(text); name != "" {
		switch name {
		case "failauth", "s_authorization_error", "autherror":
			return true
		}
	}
	// The namespace-level error packet.
	return strings.HasPrefix(text, "44") && strings.Contains(text, "auth")
}

func eventNameOf(text string) string {
	name, ok := core.TextFrame(text).EventName()
	if !ok {
		return ""
	}
	return name
}

// replayConn surfaces captured handshake frames before reading from the
// underlying connection.
type replayConn struct {
	core.Conn
	pending []*core.Frame
}

func (rc *replayConn) ReadFrame() (*core.Frame, error) {
	if len(rc.pending) > 0 {
		f := rc.pending[0]
		rc.pending = rc.pending[1:]
		return f, nil
	}
	return rc.Conn.ReadFrame()
}
