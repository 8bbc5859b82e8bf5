package balance

import (
	"github.com/lightningnetwork/lnd/fn/v2"
)

// StatusSettled is the invoice state the wallet reports once paid.
const StatusSettled = "SETTLED"

// IsSettled combines the two settlement signals: the explicit invoice status
// and a rise of the available balance at mint since baseline. Either one is
// enough, since the wallet may surface them in any order.
func IsSettled(status fn.Option[string], baseline, current Snapshot,
	mint MintID) bool {

	if status.UnwrapOr("") == StatusSettled {
		return true
	}

	return Delta(baseline, current, mint) > 0
}

// Delta is the change in available balance at mint between two snapshots.
func Delta(baseline, current Snapshot, mint MintID) int64 {
	return current.Available(mint) - baseline.Available(mint)
}
