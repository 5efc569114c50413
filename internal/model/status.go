package model

import "fmt"

// ApprovalStatus is the lifecycle state of an ApprovalRequest. Transitions are
// monotone: pending → approved|rejected → executed|execution_failed. There is
// no edge out of a terminal status and no edge back to pending.
type ApprovalStatus string

const (
	StatusPending         ApprovalStatus = "pending"
	StatusApproved        ApprovalStatus = "approved"
	StatusRejected        ApprovalStatus = "rejected"
	StatusExecuted        ApprovalStatus = "executed"
	StatusExecutionFailed ApprovalStatus = "execution_failed"
)

var terminalApprovalStatuses = map[ApprovalStatus]bool{
	StatusRejected:        true,
	StatusExecuted:        true,
	StatusExecutionFailed: true,
}

var validApprovalTransitions = map[ApprovalStatus]map[ApprovalStatus]bool{
	StatusPending: {
		StatusApproved: true,
		StatusRejected: true,
	},
	StatusApproved: {
		StatusExecuted:        true,
		StatusExecutionFailed: true,
	},
}

func IsTerminal(s ApprovalStatus) bool {
	return terminalApprovalStatuses[s]
}

func ValidateApprovalTransition(from, to ApprovalStatus) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validApprovalTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid approval transition: %q → %q", from, to)
	}
	return nil
}

// Priority orders work items and scheduled jobs within one tick.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Rank returns the sort key for a priority; unknown values sort last.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// ParsePriority normalizes a priority string, defaulting to medium.
func ParsePriority(s string) Priority {
	p := Priority(s)
	if _, ok := priorityRank[p]; ok {
		return p
	}
	return PriorityMedium
}
