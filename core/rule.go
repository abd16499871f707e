// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"regexp"
	"strings"
	"sync/atomic"
)

// Rule decides whether an inbound frame belongs to a module's inbox. Rules
// must be cheap and side-effect-free, with the sole exception of pairing
// rules, which hold a one-bit latch. Reset clears any such latch; the runner
// resets every registered rule on each (re)connect.
type Rule interface {
	Match(f *Frame) bool
	Reset()
}

// stateless is embedded by rules with no latch.
type stateless struct{}

func (stateless) Reset() {}

type prefixRule struct {
	stateless
	prefix string
}

// Prefix matches text frames beginning with the given string.
func Prefix(p string) Rule {
	return &prefixRule{prefix: p}
}

func (r *prefixRule) Match(f *Frame) bool {
	return f.Kind == FrameText && strings.HasPrefix(f.Text(), r.prefix)
}

type prefixesRule struct {
	stateless
	prefixes []string
}

// Prefixes matches text frames beginning with any of the given strings.
func Prefixes(ps ...string) Rule {
	return &prefixesRule{prefixes: ps}
}

func (r *prefixesRule) Match(f *Frame) bool {
	if f.Kind != FrameText {
		return false
	}
	text := f.Text()
	for _, p := range r.prefixes {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

type containsRule struct {
	stateless
	sub string
}

// Contains matches text frames containing the given substring.
func Contains(sub string) Rule {
	return &containsRule{sub: sub}
}

func (r *containsRule) Match(f *Frame) bool {
	return f.Kind == FrameText && strings.Contains(f.Text(), r.sub)
}

type regexRule struct {
	stateless
	re *regexp.Regexp
}

// Regex matches text frames against a compiled regular expression.
func Regex(re *regexp.Regexp) Rule {
	return &regexRule{re: re}
}

func (r *regexRule) Match(f *Frame) bool {
	return f.Kind == FrameText && r.re.MatchString(f.Text())
}

type eventRule struct {
	stateless
	names map[string]struct{}
}

// Events matches framed events by event identifier.
func Events(names ...string) Rule {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &eventRule{names: set}
}

func (r *eventRule) Match(f *Frame) bool {
	name, ok := f.EventName()
	if !ok {
		return false
	}
	_, match := r.names[name]
	return match
}

// pairingRule matches a text header announcing a binary body, then the body
// itself. The header sets the latch; the next binary frame clears it. The
// latch only reacts to text and binary frames, so interleaved ping/pong
// traffic cannot spuriously clear it. An event that matches by name but
// carries an inline payload matches without latching.
type pairingRule struct {
	latch    atomic.Bool
	prefixes []string
}

// Pairing creates a stateful text-then-binary pairing rule for headers with
// any of the given prefixes.
func Pairing(prefixes ...string) Rule {
	return &pairingRule{prefixes: prefixes}
}

func (r *pairingRule) Match(f *Frame) bool {
	switch f.Kind {
	case FrameText:
		text := f.Text()
		for _, p := range r.prefixes {
			if strings.HasPrefix(text, p) {
				if f.announcesBinary() {
					r.latch.Store(true)
				}
				return true
			}
		}
		return false
	case FrameBinary:
		return r.latch.CompareAndSwap(true, false)
	default:
		return false
	}
}

func (r *pairingRule) Reset() {
	r.latch.Store(false)
}

// Latched reports whether a rule is a pairing rule with its latch currently
// set. Intended for tests and diagnostics.
func Latched(r Rule) bool {
	pr, ok := r.(*pairingRule)
	return ok && pr.latch.Load()
}

type funcRule struct {
	stateless
	fn func(*Frame) bool
}

// Func wraps a caller-supplied predicate. The predicate must be
// side-effect-free and total; a panic is recovered and treated as no match.
func Func(fn func(*Frame) bool) Rule {
	return &funcRule{fn: fn}
}

func (r *funcRule) Match(f *Frame) (match bool) {
	defer func() {
		if recover() != nil {
			match = false
		}
	}()
	return r.fn(f)
}

type allRule struct{ rules []Rule }

// AllOf matches when every sub-rule matches. Every sub-rule is evaluated, so
// latches advance consistently.
func AllOf(rules ...Rule) Rule {
	return &allRule{rules: rules}
}

func (r *allRule) Match(f *Frame) bool {
	match := true
	for _, sub := range r.rules {
		if !sub.Match(f) {
			match = false
		}
	}
	return match
}

func (r *allRule) Reset() {
	for _, sub := range r.rules {
		sub.Reset()
	}
}

type anyRule struct{ rules []Rule }

// AnyOf matches when at least one sub-rule matches. Every sub-rule is
// evaluated, so latches advance consistently.
func AnyOf(rules ...Rule) Rule {
	return &anyRule{rules: rules}
}

func (r *anyRule) Match(f *Frame) bool {
	match := false
	for _, sub := range r.rules {
		if sub.Match(f) {
			match = true
		}
	}
	return match
}

func (r *anyRule) Reset() {
	for _, sub := range r.rules {
		sub.Reset()
	}
}

type notRule struct{ rule Rule }

// Not inverts a rule.
func Not(rule Rule) Rule {
	return &notRule{rule: rule}
}

func (r *notRule) Match(f *Frame) bool { return !r.rule.Match(f) }
func (r *notRule) Reset()              { r.rule.Reset() }
