package pipeline

import (
	"math/rand/v2"
	"time"
)

// retryBaseDelays is the backoff ladder §4.6 specifies: 1, 2, 4, 8, 16
// seconds, capped at the last value for any attempt beyond the table.
var retryBaseDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// retryDelay returns the backoff delay for a zero-based attempt number,
// with up to 20% jitter added so workers retrying the same host don't
// synchronize. Uses math/rand/v2 rather than a third-party jitter library;
// see DESIGN.md's stdlib-only section for why.
func retryDelay(attempt int) time.Duration {
	base := retryBaseDelays[len(retryBaseDelays)-1]
	if attempt < len(retryBaseDelays) {
		base = retryBaseDelays[attempt]
	}
	jitter := time.Duration(rand.Int64N(int64(base)/5 + 1))
	return base + jitter
}
