package store

import "testing"

func TestAllowed(t *testing.T) {
	all := []Status{
		StatusReceived, StatusFetching, StatusEligible, StatusSending,
		StatusDelivered, StatusIgnored, StatusFailed, StatusNeedsReview,
	}

	// The complete set of legal edges; everything else must be rejected.
	legal := map[Status]map[Status]bool{
		StatusReceived:    {StatusFetching: true},
		StatusFetching:    {StatusEligible: true, StatusIgnored: true, StatusFailed: true, StatusReceived: true},
		StatusEligible:    {StatusSending: true},
		StatusSending:     {StatusDelivered: true, StatusFailed: true, StatusNeedsReview: true},
		StatusFailed:      {StatusReceived: true},
		StatusNeedsReview: {StatusReceived: true},
	}

	for _, from := range all {
		for _, to := range all {
			want := legal[from][to]
			if got := Allowed(from, to); got != want {
				t.Errorf("Allowed(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestAllowed_UnknownStatus(t *testing.T) {
	if Allowed(Status("bogus"), StatusReceived) {
		t.Error("Allowed(bogus, received) = true, want false")
	}
	if Allowed(StatusReceived, Status("bogus")) {
		t.Error("Allowed(received, bogus) = true, want false")
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusReceived, false},
		{StatusFetching, false},
		{StatusEligible, false},
		{StatusSending, false},
		{StatusDelivered, true},
		{StatusIgnored, true},
		{StatusFailed, false},
		{StatusNeedsReview, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsTerminal(tt.status); got != tt.want {
				t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestEventName(t *testing.T) {
	tests := []struct {
		target Status
		want   string
	}{
		{StatusFetching, "status_fetching"},
		{StatusEligible, "status_eligible"},
		{StatusSending, "status_sending"},
		{StatusDelivered, "status_delivered"},
		{StatusIgnored, "status_ignored"},
		{StatusFailed, "status_failed"},
		{StatusNeedsReview, "status_needs_review"},
	}

	for _, tt := range tests {
		t.Run(string(tt.target), func(t *testing.T) {
			if got := EventName(tt.target); got != tt.want {
				t.Errorf("EventName(%s) = %q, want %q", tt.target, got, tt.want)
			}
		})
	}
}
