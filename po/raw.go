// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/core"
)

// Validator is a predicate over a frame's payload text, used to route ad-hoc
// traffic to a raw handler. Validators must be side-effect-free and total;
// the Custom escape hatch recovers panics and treats them as no-match.
type Validator func(payload string) bool

// StartsWith matches payloads with the given prefix.
func StartsWith(prefix string) Validator {
	return func(p string) bool { return strings.HasPrefix(p, prefix) }
}

// EndsWith matches payloads with the given suffix.
func EndsWith(suffix string) Validator {
	return func(p string) bool { return strings.HasSuffix(p, suffix) }
}

// ContainsText matches payloads containing the given substring.
func ContainsText(sub string) Validator {
	return func(p string) bool { return strings.Contains(p, sub) }
}

// MatchRegex matches payloads against a compiled regular expression.
func MatchRegex(re *regexp.Regexp) Validator {
	return re.MatchString
}

// All matches when every validator matches.
func All(vs ...Validator) Validator {
	return func(p string) bool {
		for _, v := range vs {
			if !v(p) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one validator matches.
func Any(vs ...Validator) Validator {
	return func(p string) bool {
		for _, v := range vs {
			if v(p) {
				return true
			}
		}
		return false
	}
}

// NotV inverts a validator.
func NotV(v Validator) Validator {
	return func(p string) bool { return !v(p) }
}

// Custom wraps a caller-supplied predicate, recovering panics as false.
func Custom(fn func(string) bool) Validator {
	return func(p string) (match bool) {
		defer func() {
			if recover() != nil {
				match = false
			}
		}()
		return fn(p)
	}
}

// rawCounter disambiguates anonymous raw handlers.
var rawCounter atomic.Uint64

// rawModule adapts a validator into a core module that forwards matching
// payloads to the handle's channel.
type rawModule struct {
	name string
	v    Validator
	msgs chan string
}

func (m *rawModule) Spec() core.ModuleSpec {
	return core.ModuleSpec{
		Name: m.name,
		Rule: core.Func(func(f *core.Frame) bool {
			return (f.IsText() || f.IsBinary()) && m.v(f.Text())
		}),
		InboxSize: 64,
	}
}

func (m *rawModule) Run(ctx context.Context, in <-chan *core.Frame, _ chan<- *core.Frame) {
	defer close(m.msgs)
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return
			}
			select {
			case m.msgs <- f.Text():
			default:
				// A stalled consumer sheds rather than stalling the
				// router.
			}
		case <-ctx.Done():
			return
		}
	}
}

// RawHandle is the user-exposed ad-hoc messaging surface: register a
// validator, then send arbitrary frames and consume matching payloads. An
// optional keep-alive frame is re-emitted on every reconnect.
type RawHandle struct {
	name   string
	engine *core.Engine
	state  *State
	mod    *rawModule
}

// newRawHandle registers the validator and its module with the engine.
func newRawHandle(engine *core.Engine, state *State, v Validator, keepAlive *KeepAliveFrame) (*RawHandle, error) {
	name := "raw-" + strconv.FormatUint(rawCounter.Add(1), 10)
	mod := &rawModule{name: name, v: v, msgs: make(chan string, 64)}
	if err := engine.AddModule(mod); err != nil {
		return nil, err
	}
	state.AddValidator(&ValidatorDesc{Name: name, KeepAlive: keepAlive})
	if keepAlive != nil {
		if f := keepAliveToFrame(keepAlive); f != nil {
			// First emission happens now; the validator-replay callback
			// covers subsequent reconnects.
			engine.Send(f)
		}
	}
	return &RawHandle{name: name, engine: engine, state: state, mod: mod}, nil
}

func keepAliveToFrame(ka *KeepAliveFrame) *core.Frame {
	switch {
	case ka == nil:
		return nil
	case ka.Text != "":
		return core.TextFrame(ka.Text)
	case len(ka.Binary) > 0:
		return core.BinaryFrame(ka.Binary)
	}
	return nil
}

// SendText sends a raw text frame.
func (h *RawHandle) SendText(s string) error {
	return h.engine.SendText(s)
}

// SendBinary sends a raw binary frame.
func (h *RawHandle) SendBinary(b []byte) error {
	return h.engine.SendBinary(b)
}

// WaitNext blocks for the next matching payload.
func (h *RawHandle) WaitNext(ctx context.Context) (string, error) {
	select {
	case msg, ok := <-h.mod.msgs:
		if !ok {
			return "", bin.NewError(bin.ErrConnectionLost, "raw handler closed")
		}
		return msg, nil
	case <-ctx.Done():
		return "", bin.NewError(bin.ErrTimeout, "waiting for matching payload")
	}
}

// SendAndWait sends a text frame and blocks for the next matching payload.
func (h *RawHandle) SendAndWait(ctx context.Context, text string) (string, error) {
	if err := h.SendText(text); err != nil {
		return "", err
	}
	return h.WaitNext(ctx)
}

// Subscribe is the stream of matching payloads. The channel is closed when
// the handle is closed or the client shuts down. The stream has one
// consumer; mixing Subscribe with WaitNext splits the payloads between them.
func (h *RawHandle) Subscribe() <-chan string {
	return h.mod.msgs
}

// Close deregisters the validator and its module.
func (h *RawHandle) Close() {
	h.engine.RemoveModule(h.name)
	h.state.RemoveValidator(h.name)
}
