package escrow

import "time"

// DeadlineWindow splits time after funding into the release window
// [FundedAt, Deadline) and the recovery window [Deadline, ∞). Exactly one of
// CanRelease and CanForceRefund holds at any instant.
type DeadlineWindow struct {
	FundedAt time.Time
	Deadline time.Time
}

// NewDeadlineWindow derives the window for an instance funded at fundedAt.
func NewDeadlineWindow(fundedAt time.Time, timeout time.Duration) DeadlineWindow {
	return DeadlineWindow{FundedAt: fundedAt, Deadline: fundedAt.Add(timeout)}
}

// CanRelease reports now < deadline.
func (w DeadlineWindow) CanRelease(now time.Time) bool {
	return now.Before(w.Deadline)
}

// CanForceRefund reports now >= deadline.
func (w DeadlineWindow) CanForceRefund(now time.Time) bool {
	return !now.Before(w.Deadline)
}

// Remaining returns the time left in the release window, or zero.
func (w DeadlineWindow) Remaining(now time.Time) time.Duration {
	if !w.CanRelease(now) {
		return 0
	}
	return w.Deadline.Sub(now)
}
