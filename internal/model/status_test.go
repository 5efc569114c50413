package model

import "testing"

func TestApprovalTransitions(t *testing.T) {
	valid := []struct{ from, to ApprovalStatus }{
		{StatusPending, StatusApproved},
		{StatusPending, StatusRejected},
		{StatusApproved, StatusExecuted},
		{StatusApproved, StatusExecutionFailed},
	}
	for _, tt := range valid {
		if err := ValidateApprovalTransition(tt.from, tt.to); err != nil {
			t.Errorf("%s → %s: unexpected error %v", tt.from, tt.to, err)
		}
	}

	invalid := []struct{ from, to ApprovalStatus }{
		{StatusApproved, StatusPending},
		{StatusRejected, StatusExecuted},
		{StatusExecuted, StatusPending},
		{StatusExecuted, StatusExecutionFailed},
		{StatusExecutionFailed, StatusExecuted},
		{StatusPending, StatusExecuted},
		{StatusRejected, StatusPending},
	}
	for _, tt := range invalid {
		if err := ValidateApprovalTransition(tt.from, tt.to); err == nil {
			t.Errorf("%s → %s: expected error", tt.from, tt.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []ApprovalStatus{StatusRejected, StatusExecuted, StatusExecutionFailed} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = false, want true", s)
		}
	}
	for _, s := range []ApprovalStatus{StatusPending, StatusApproved} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = true, want false", s)
		}
	}
}

func TestPriorityRankOrder(t *testing.T) {
	order := []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s should rank before %s", order[i-1], order[i])
		}
	}
	if Priority("bogus").Rank() <= PriorityLow.Rank() {
		t.Error("unknown priority should sort after low")
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{"critical", PriorityCritical},
		{"high", PriorityHigh},
		{"medium", PriorityMedium},
		{"low", PriorityLow},
		{"", PriorityMedium},
		{"urgent", PriorityMedium},
	}
	for _, tt := range tests {
		if got := ParsePriority(tt.in); got != tt.want {
			t.Errorf("ParsePriority(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
