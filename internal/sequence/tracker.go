package sequence

import "sync"

// Verdict classifies an observed sequence number
type Verdict int

const (
	// InOrder means the sequence directly follows the previous one
	InOrder Verdict = iota
	// Gap means one or more sequence numbers were skipped
	Gap
	// Stale means the sequence was already passed (duplicate or reordered)
	Stale
)

func (v Verdict) String() string {
	switch v {
	case InOrder:
		return "in_order"
	case Gap:
		return "gap"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Tracker observes sequence numbers on the listener side. The first
// observation only establishes the baseline since a listener joins mid-room.
type Tracker struct {
	last    uint64
	started bool

	gaps    uint64
	missing uint64
	stale   uint64

	mu sync.Mutex
}

// TrackerStats represents tracker statistics
type TrackerStats struct {
	LastSequence uint64 `json:"last_sequence"`
	Gaps         uint64 `json:"gaps"`
	Missing      uint64 `json:"missing"`
	Stale        uint64 `json:"stale"`
}

// NewTracker creates a tracker with no baseline
func NewTracker() *Tracker {
	return &Tracker{}
}

// Observe classifies seq and returns how many numbers were skipped for Gap.
// Stale sequences do not move the baseline and must be dropped by the caller.
func (t *Tracker) Observe(seq uint64) (Verdict, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		t.started = true
		t.last = seq
		return InOrder, 0
	}

	switch {
	case seq <= t.last:
		t.stale++
		return Stale, 0
	case seq == t.last+1:
		t.last = seq
		return InOrder, 0
	default:
		skipped := seq - t.last - 1
		t.gaps++
		t.missing += skipped
		t.last = seq
		return Gap, skipped
	}
}

// GetStats returns current tracker statistics
func (t *Tracker) GetStats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerStats{
		LastSequence: t.last,
		Gaps:         t.gaps,
		Missing:      t.missing,
		Stale:        t.stale,
	}
}
