package webhook

import "fmt"

// ShouldDisable reports whether a subscription with the given consecutive
// failed series must be deactivated. A threshold of zero never trips.
func ShouldDisable(consecutive, threshold int) bool {
	return threshold > 0 && consecutive >= threshold
}

// DisabledReason is stamped on a subscription tripped by the breaker.
func DisabledReason(consecutive int) string {
	return fmt.Sprintf("Auto-disabled after %d consecutive failures", consecutive)
}

// InactiveReason is recorded on logs cancelled because their subscription
// stopped accepting deliveries.
const InactiveReason = "Subscription no longer active"
