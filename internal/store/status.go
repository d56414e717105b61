package store

// Status is a post's position in the relay state machine.
type Status string

const (
	StatusReceived    Status = "received"
	StatusFetching    Status = "fetching"
	StatusEligible    Status = "eligible"
	StatusSending     Status = "sending"
	StatusDelivered   Status = "delivered"
	StatusIgnored     Status = "ignored"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
)

// Audit event names outside the status_<target> family.
const (
	EventWebhookReceived = "webhook_received"
	EventMarkedForRetry  = "marked_for_retry"
)

// allowedTransitions is the exclusive set of legal status edges. Terminal
// states have no targets; failed and needs_review re-enter via operator retry.
var allowedTransitions = map[Status][]Status{
	StatusReceived:    {StatusFetching},
	StatusFetching:    {StatusEligible, StatusIgnored, StatusFailed, StatusReceived},
	StatusEligible:    {StatusSending},
	StatusSending:     {StatusDelivered, StatusFailed, StatusNeedsReview},
	StatusDelivered:   {},
	StatusIgnored:     {},
	StatusFailed:      {StatusReceived},
	StatusNeedsReview: {StatusReceived},
}

// Allowed reports whether from -> to is a legal transition.
func Allowed(from, to Status) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the pipeline never mutates rows in this status.
func IsTerminal(s Status) bool {
	return s == StatusDelivered || s == StatusIgnored
}

// EventName returns the audit event recorded for a transition into target.
func EventName(target Status) string {
	return "status_" + string(target)
}
