// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"fmt"
	"strings"
	"testing"
)

const (
	demoSSID = `42["auth",{"session":"demo-12345","isDemo":1,"uid":87654321,"platform":2}]`
	realSSID = `42["auth",{"session":"a:4:{s:10:\"session_id\";s:32:\"00000000000000000000000000000000\";s:10:\"ip_address\";s:7:\"1.2.3.4\";s:10:\"user_agent\";s:111:\"Mozilla\/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit\/537.36 (KHTML, like Gecko) Chrome\/144.0.0.0 Safari\/537.36\";s:13:\"last_activity\";i:1732926685;}00000000000000000000000000000000","isDemo":0,"uid":12345678,"platform":2}]`
)

func TestParseSSIDDemo(t *testing.T) {
	for _, raw := range []string{
		demoSSID,
		"  " + demoSSID + "\n\t",         // extraneous whitespace
		`"` + demoSSID + `"`,             // raw quotes
		`{"session":"demo-12345","isDemo":1,"uid":87654321,"platform":2}`, // bare payload
	} {
		ssid, err := ParseSSID(raw)
		if err != nil {
			t.Fatalf("ParseSSID(%.40q…): %v", raw, err)
		}
		if !ssid.Demo {
			t.Fatal("demo credential not flagged demo")
		}
		if ssid.UID != 87654321 {
			t.Fatalf("uid = %d", ssid.UID)
		}
		if ssid.SessionBlob != "demo-12345" {
			t.Fatalf("session blob = %q", ssid.SessionBlob)
		}
		if ssid.Session != nil {
			t.Fatal("demo credential has structured session")
		}
	}
}

func TestParseSSIDReal(t *testing.T) {
	ssid, err := ParseSSID(realSSID)
	if err != nil {
		t.Fatal(err)
	}
	if ssid.Demo {
		t.Fatal("real credential flagged demo")
	}
	if ssid.UID != 12345678 {
		t.Fatalf("uid = %d", ssid.UID)
	}
	sd := ssid.Session
	if sd == nil {
		t.Fatal("no structured session extracted")
	}
	if sd.SessionID != "00000000000000000000000000000000" {
		t.Fatalf("session id = %q", sd.SessionID)
	}
	if sd.IPAddress != "1.2.3.4" {
		t.Fatalf("ip = %q", sd.IPAddress)
	}
	if !strings.Contains(sd.UserAgent, "Chrome/144") {
		t.Fatalf("user agent = %q", sd.UserAgent)
	}
	if sd.LastActivity != 1732926685 {
		t.Fatalf("last activity = %d", sd.LastActivity)
	}
	if ua := ssid.UserAgent(); !strings.Contains(ua, "Chrome/144") {
		t.Fatalf("UserAgent() = %q", ua)
	}
}

func TestParseSSIDTolerance(t *testing.T) {
	// A mangled blob still parses as long as any field can be walked out.
	mangled := `42["auth",{"session":"garbage-prefix s:10:\"session_id\";s:3:\"abc\" trailing","isDemo":0,"uid":"555","platform":1}]`
	ssid, err := ParseSSID(mangled)
	if err != nil {
		t.Fatalf("mangled blob rejected: %v", err)
	}
	if ssid.UID != 555 {
		t.Fatalf("string uid = %d, want 555", ssid.UID)
	}
	if ssid.Session.SessionID != "abc" {
		t.Fatalf("session id = %q", ssid.Session.SessionID)
	}

	// A real credential whose blob yields nothing is an error.
	if _, err := ParseSSID(`42["auth",{"session":"nothing to see","isDemo":0,"uid":1,"platform":1}]`); err == nil {
		t.Fatal("unwalkable session blob accepted")
	}

	// Missing closing bracket is a framing error.
	if _, err := ParseSSID(`42["auth",{"session":"x","isDemo":1,"uid":1}`); err == nil {
		t.Fatal("unterminated auth frame accepted")
	}

	// URL-safe JSON session form is accepted as a fallback.
	jsonForm := `42["auth",{"session":"{\"session_id\":\"xyz\",\"ip_address\":\"5.6.7.8\",\"user_agent\":\"UA\",\"last_activity\":1}","isDemo":0,"uid":9,"platform":2}]`
	ssid, err = ParseSSID(jsonForm)
	if err != nil {
		t.Fatalf("JSON session form rejected: %v", err)
	}
	if ssid.Session.SessionID != "xyz" || ssid.Session.IPAddress != "5.6.7.8" {
		t.Fatalf("JSON session form mis-parsed: %+v", ssid.Session)
	}
}

func TestSSIDRedaction(t *testing.T) {
	ssid, err := ParseSSID(realSSID)
	if err != nil {
		t.Fatal(err)
	}
	for _, rendered := range []string{
		ssid.String(),
		fmt.Sprintf("%v", ssid),
		fmt.Sprintf("%+v", ssid),
	} {
		if strings.Contains(rendered, "00000000000000000000000000000000") {
			t.Fatalf("session token leaked: %s", rendered)
		}
		if strings.Contains(rendered, "1.2.3.4") {
			t.Fatalf("full IP leaked: %s", rendered)
		}
	}
	if !strings.Contains(ssid.String(), "1.2.3.xxx") {
		t.Fatalf("redacted IP missing network part: %s", ssid.String())
	}
}

func TestSSIDAuthFrameRoundTrip(t *testing.T) {
	for _, raw := range []string{demoSSID, realSSID} {
		ssid, err := ParseSSID(raw)
		if err != nil {
			t.Fatal(err)
		}
		f, err := ssid.AuthFrame()
		if err != nil {
			t.Fatal(err)
		}
		// A credential parsed from a full frame replays it verbatim.
		if f.Text() != raw {
			t.Fatalf("auth frame = %s, want %s", f.Text(), raw)
		}
		reparsed, err := ParseSSID(f.Text())
		if err != nil {
			t.Fatalf("auth frame does not re-parse: %v", err)
		}
		if reparsed.UID != ssid.UID || reparsed.Demo != ssid.Demo {
			t.Fatal("auth frame round-trip changed identity")
		}
	}

	// A bare-payload credential is re-framed.
	ssid, err := ParseSSID(`{"session":"demo-12345","isDemo":1,"uid":42,"platform":2}`)
	if err != nil {
		t.Fatal(err)
	}
	f, err := ssid.AuthFrame()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(f.Text(), `42["auth",`) {
		t.Fatalf("re-framed auth = %s", f.Text())
	}
}
