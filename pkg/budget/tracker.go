package budget

// Status is the answer of the tracker after counting one request.
type Status int

const (
	// Ok means the current exit IP still has budget left
	Ok Status = iota
	// Exhausted means the configured per-IP request budget has been used up
	Exhausted
)

// Tracker counts lookups attributed to the current assumed exit IP. It does
// no I/O and never rotates anything itself; it only counts and reports.
// A limit <= 0 disables the budget.
type Tracker struct {
	limit int
	used  int
}

// NewTracker creates a tracker with the configured per-IP request limit.
func NewTracker(limit int) *Tracker {
	return &Tracker{limit: limit}
}

// Record counts one request against the current IP and reports whether the
// budget is now exhausted.
func (t *Tracker) Record() Status {
	t.used++
	if t.Exhausted() {
		return Exhausted
	}
	return Ok
}

// Exhausted reports whether the budget is used up without counting anything.
func (t *Tracker) Exhausted() bool {
	return t.limit > 0 && t.used >= t.limit
}

// Reset zeroes the counter. Callers invoke it only after an explicit external
// confirmation that the exit IP changed, or at the start of a fresh run.
func (t *Tracker) Reset() {
	t.used = 0
}

// Restore sets the counter to a value loaded from persisted progress.
func (t *Tracker) Restore(used int) {
	if used < 0 {
		used = 0
	}
	t.used = used
}

// Used returns the number of requests counted since the last reset.
func (t *Tracker) Used() int {
	return t.used
}

// Limit returns the configured per-IP request limit (0 means unlimited).
func (t *Tracker) Limit() int {
	if t.limit < 0 {
		return 0
	}
	return t.limit
}
