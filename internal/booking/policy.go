package booking

import "time"

const (
	fullRefundNotice = 24 * time.Hour
	fullRefund       = 1.0
	lateCancelRefund = 0.5
)

// RefundPolicy returns the refunded fraction of the price and whether a
// late-cancellation penalty applies. Notice of exactly 24h still earns a full refund.
func RefundPolicy(untilLesson time.Duration) (refund float64, penalty bool) {
	if untilLesson >= fullRefundNotice {
		return fullRefund, false
	}
	return lateCancelRefund, true
}
