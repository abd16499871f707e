// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package po

import (
	"bytes"

	"binopt.org/binopt/core"
)

// Event header prefixes routed by the module rules.
const (
	pxSuccessAuth    = `451-["successauth"`
	pxUpdateBalance  = `451-["successupdateBalance"`
	pxUpdateAssets   = `451-["updateAssets"`
	pxUpdateStream   = `451-["updateStream"`
	pxOpenedDeals    = `451-["updateOpenedDeals"`
	pxClosedDeals    = `451-["updateClosedDeals"`
	pxCloseOrder     = `451-["successcloseOrder"`
	pxSuccessOpen    = `451-["successopenOrder"`
	pxFailOpen       = `451-["failopenOrder"`
	pxHistoryPeriod  = `451-["loadHistoryPeriod"`
	pxHistoryAll     = `451-["loadHistoryPeriodAll"`
	pxChangeSymbol42 = `42["updateStream"`
)

// eventBody extracts the decodable body of a paired or inline event frame: a
// binary frame is its own body, an inline text event contributes its payload,
// and a binary-announcement header contributes nothing.
func eventBody(f *core.Frame) []byte {
	if f.IsBinary() {
		return f.Data
	}
	payload, ok := f.EventPayload()
	if !ok || len(payload) == 0 {
		return nil
	}
	if bytes.Contains(payload, []byte(`"_placeholder"`)) {
		return nil
	}
	return payload
}
