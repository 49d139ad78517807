package execution

import "strings"

// Error fragments that mark a gateway rejection as permanent. The
// engine aborts on the first occurrence instead of retrying.
var nonRetryableFragments = []string{
	"insufficient balance",
	"insufficient funds",
	"invalid symbol",
	"unknown symbol",
	"trading disabled",
	"trading is disabled",
	"lot size",
	"min notional",
	"notional",
	"unauthorized",
	"authentication",
	"invalid api key",
	"permission denied",
}

// IsNonRetryable classifies a gateway error by its message. Anything not
// recognized as a permanent rejection (timeouts, connection resets,
// transient exchange errors) is considered retryable.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range nonRetryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
