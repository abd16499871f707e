// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"binopt.org/binopt/bin"
	"binopt.org/binopt/core"
)

// defaultUserAgent is presented for demo credentials, which carry no browser
// fingerprint of their own.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

// SessionData is the structured session of a real-account credential,
// extracted from the host site's session-store blob.
type SessionData struct {
	SessionID    string `json:"session_id"`
	IPAddress    string `json:"ip_address"`
	UserAgent    string `json:"user_agent"`
	LastActivity int64  `json:"last_activity"`
}

// SSID is a parsed session credential, either a demo credential (numeric uid
// and demo flag) or a real credential additionally carrying structured
// session data. The String form redacts the session token and IP address;
// use AuthFrame for the wire form.
type SSID struct {
	Demo          bool
	UID           uint64
	Platform      int
	IsFastHistory bool
	// SessionBlob is the session string exactly as it crossed the wire.
	SessionBlob string
	// Session is the decoded session data of a real credential, nil for
	// demo credentials.
	Session *SessionData
	// raw is the original auth frame when one was supplied, replayed
	// verbatim on authentication.
	raw        string
	currentURL string
}

// authPayload is the JSON body of the auth frame.
type authPayload struct {
	Session       string          `json:"session"`
	IsDemo        int             `json:"isDemo"`
	UID           json.RawMessage `json:"uid"`
	Platform      int             `json:"platform"`
	CurrentURL    string          `json:"currentUrl,omitempty"`
	IsFastHistory *bool           `json:"isFastHistory,omitempty"`
}

const authPrefix = `42["auth",`

// The session-store blob is a bespoke, text-based, length-prefixed encoding.
// Malformed and embedded variants occur in the wild, so the fields are pulled
// out by pattern walking rather than a strict decoder.
var (
	reSessionID    = regexp.MustCompile(`"session_id";s:\d+:"([^"]*)"`)
	reIPAddress    = regexp.MustCompile(`"ip_address";s:\d+:"([^"]*)"`)
	reUserAgent    = regexp.MustCompile(`"user_agent";s:\d+:"([^"]*)"`)
	reLastActivity = regexp.MustCompile(`"last_activity";i:(\d+)`)
)

// ParseSSID parses a session credential harvested from the user's browser.
// Accepted forms: the full auth frame (`42["auth",{…}]`), the bare JSON
// payload, and either of those wrapped in quotes or JSON-string encoded.
// Extraneous whitespace is ignored.
func ParseSSID(data string) (*SSID, error) {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" {
		return nil, bin.NewError(bin.ErrValidation, "empty ssid")
	}

	// Unwrap a JSON-string encoded credential.
	var unquoted string
	if err := json.Unmarshal([]byte(trimmed), &unquoted); err == nil {
		return ParseSSID(unquoted)
	}

	// Unwrap raw quotes that are not valid JSON string encoding.
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		if inner := trimmed[1 : len(trimmed)-1]; strings.HasPrefix(inner, "42[") || strings.HasPrefix(inner, "{") {
			return ParseSSID(inner)
		}
	}

	payload := trimmed
	if strings.HasPrefix(trimmed, authPrefix) {
		stripped := strings.TrimPrefix(trimmed, authPrefix)
		if !strings.HasSuffix(stripped, "]") {
			return nil, bin.NewError(bin.ErrValidation, "ssid missing closing bracket")
		}
		payload = strings.TrimSuffix(stripped, "]")
	}

	var auth authPayload
	if err := json.Unmarshal([]byte(payload), &auth); err != nil {
		return nil, bin.NewError(bin.ErrValidation, "ssid payload: "+err.Error())
	}

	uid, err := parseUID(auth.UID)
	if err != nil {
		return nil, bin.NewError(bin.ErrValidation, err.Error())
	}

	ssid := &SSID{
		UID:         uid,
		Platform:    auth.Platform,
		SessionBlob: auth.Session,
		raw:         trimmed,
		currentURL:  auth.CurrentURL,
	}
	if auth.IsFastHistory != nil {
		ssid.IsFastHistory = *auth.IsFastHistory
	}

	if auth.IsDemo == 1 || strings.Contains(auth.CurrentURL, "demo") {
		ssid.Demo = true
		return ssid, nil
	}

	session, err := parseSessionBlob(auth.Session)
	if err != nil {
		return nil, err
	}
	ssid.Session = session
	return ssid, nil
}

func parseUID(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("ssid has no uid")
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseUint(s, 10, 64)
	}
	return 0, fmt.Errorf("invalid uid %s", raw)
}

// parseSessionBlob extracts the structured session fields from the session
// blob by pattern walking, tolerating trailing hashes and embedded garbage.
// A URL-safe JSON encoding of the same fields is accepted as a fallback.
// Partial extraction succeeds with zero values; a blob yielding none of the
// fields is rejected.
func parseSessionBlob(blob string) (*SessionData, error) {
	sd := &SessionData{}
	found := 0
	if m := reSessionID.FindStringSubmatch(blob); m != nil {
		sd.SessionID = m[1]
		found++
	}
	if m := reIPAddress.FindStringSubmatch(blob); m != nil {
		sd.IPAddress = m[1]
		found++
	}
	if m := reUserAgent.FindStringSubmatch(blob); m != nil {
		sd.UserAgent = m[1]
		found++
	}
	if m := reLastActivity.FindStringSubmatch(blob); m != nil {
		sd.LastActivity, _ = strconv.ParseInt(m[1], 10, 64)
		found++
	}
	if found > 0 {
		return sd, nil
	}

	var viaJSON SessionData
	if err := json.Unmarshal([]byte(blob), &viaJSON); err == nil &&
		(viaJSON.SessionID != "" || viaJSON.IPAddress != "") {
		return &viaJSON, nil
	}
	return nil, bin.NewError(bin.ErrValidation, "unrecognized session blob")
}

// AuthFrame is the authentication frame to present after the protocol
// greeting. A credential parsed from a full auth frame replays it verbatim.
func (s *SSID) AuthFrame() (*core.Frame, error) {
	if strings.HasPrefix(s.raw, authPrefix) {
		return core.TextFrame(s.raw), nil
	}
	isDemo := 0
	if s.Demo {
		isDemo = 1
	}
	uidJSON, _ := json.Marshal(s.UID)
	payload := &authPayload{
		Session:    s.SessionBlob,
		IsDemo:     isDemo,
		UID:        uidJSON,
		Platform:   s.Platform,
		CurrentURL: s.currentURL,
	}
	if s.IsFastHistory {
		t := true
		payload.IsFastHistory = &t
	}
	return core.EventFrame(42, "auth", payload)
}

// UserAgent is the browser identity to present in the websocket upgrade.
func (s *SSID) UserAgent() string {
	if s.Session != nil && s.Session.UserAgent != "" {
		return s.Session.UserAgent
	}
	return defaultUserAgent
}

// IPAddress is the recorded client IP of a real credential, empty for demo.
func (s *SSID) IPAddress() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.IPAddress
}

// String renders the credential with the session token and IP redacted.
func (s *SSID) String() string {
	kind := "real"
	if s.Demo {
		kind = "demo"
	}
	return fmt.Sprintf("SSID{%s uid=%d platform=%d session=REDACTED ip=%s}",
		kind, s.UID, s.Platform, redactIP(s.IPAddress()))
}

// Format ensures %v/%+v/%#v all go through the redacting String.
func (s *SSID) Format(f fmt.State, _ rune) {
	fmt.Fprint(f, s.String())
}

// redactIP keeps only the network part of an address.
func redactIP(ip string) string {
	if ip == "" {
		return ""
	}
	if idx := strings.LastIndexByte(ip, '.'); idx >= 0 {
		return ip[:idx] + ".xxx"
	}
	if idx := strings.LastIndexByte(ip, ':'); idx >= 0 {
		return ip[:idx] + ":xxx"
	}
	return "REDACTED"
}
