package routing

import "sync"

// EpochEntry is one change to the local routing table. A nil Route
// withdraws the prefix.
type EpochEntry struct {
	Epoch  uint32
	Prefix string
	Route  *Route
}

// EpochLog numbers every change to the local table so peers can be
// brought up to date with incremental diffs. Epochs only grow.
type EpochLog struct {
	mu      sync.Mutex
	current uint32
	entries []EpochEntry
}

func NewEpochLog() *EpochLog {
	return &EpochLog{entries: make([]EpochEntry, 0)}
}

// CurrentEpoch is the epoch the next change will be stamped with.
func (l *EpochLog) CurrentEpoch() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Append records a change and returns its epoch.
func (l *EpochLog) Append(prefix string, route *Route) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	epoch := l.current
	l.entries = append(l.entries, EpochEntry{Epoch: epoch, Prefix: prefix, Route: route})
	l.current++
	return epoch
}

// Since returns the net effect of all entries with epoch >= from:
// the latest change per prefix, split into updates and withdrawals.
func (l *EpochLog) Since(from uint32) (updated []Route, withdrawn []string, toEpoch uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	latest := make(map[string]*Route)
	order := make([]string, 0)
	for _, e := range l.entries {
		if e.Epoch < from {
			continue
		}
		if _, seen := latest[e.Prefix]; !seen {
			order = append(order, e.Prefix)
		}
		latest[e.Prefix] = e.Route
	}
	for _, prefix := range order {
		if route := latest[prefix]; route != nil {
			updated = append(updated, *route)
		} else {
			withdrawn = append(withdrawn, prefix)
		}
	}
	return updated, withdrawn, l.current
}
