package selection

import "time"

// DefaultRegressedModeTimeout is how long regressed mode lasts after the
// selector last settled for a stale backup.
const DefaultRegressedModeTimeout = 2 * time.Minute

// regressed reports whether a regressed mode entered at enteredAt is still in
// effect at now. A zero enteredAt means the mode was never entered.
func regressed(enteredAt, now time.Time, timeout time.Duration) bool {
	if enteredAt.IsZero() {
		return false
	}
	return !now.After(enteredAt.Add(timeout))
}
