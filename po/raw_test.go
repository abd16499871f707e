// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"regexp"
	"testing"
)

func TestValidators(t *testing.T) {
	payload := `42["signals/load",{"id":7}]`

	cases := []struct {
		name string
		v    Validator
		want bool
	}{
		{"starts-with hit", StartsWith(`42["signals`), true},
		{"starts-with miss", StartsWith(`451-`), false},
		{"ends-with hit", EndsWith(`}]`), true},
		{"contains hit", ContainsText("signals/load"), true},
		{"contains miss", ContainsText("nope"), false},
		{"regex hit", MatchRegex(regexp.MustCompile(`^\d+\["signals`)), true},
		{"all hit", All(StartsWith("42"), ContainsText("signals")), true},
		{"all miss", All(StartsWith("42"), ContainsText("nope")), false},
		{"any hit", Any(StartsWith("99"), ContainsText("signals")), true},
		{"any miss", Any(StartsWith("99"), ContainsText("nope")), false},
		{"not", NotV(StartsWith("99")), true},
		{"custom hit", Custom(func(p string) bool { return len(p) > 10 }), true},
		{"custom panic is false", Custom(func(string) bool { panic("boom") }), false},
	}
	for _, tc := range cases {
		if got := tc.v(payload); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}
