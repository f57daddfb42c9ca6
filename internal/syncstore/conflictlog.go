package syncstore

import "sync"

const conflictLogCapacity = 100

// ConflictLog is a capped, newest-first ring of conflict reports for one
// store. It is written by the synchronization service and only ever read by
// diagnostic paths; the merge algorithm never consults it.
type ConflictLog struct {
	mu      sync.Mutex
	reports []ConflictReport
}

func NewConflictLog() *ConflictLog {
	return &ConflictLog{}
}

func (l *ConflictLog) Append(report ConflictReport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append([]ConflictReport{report}, l.reports...)
	if len(l.reports) > conflictLogCapacity {
		l.reports = l.reports[:conflictLogCapacity]
	}
}

// Snapshot returns the retained reports, newest first.
func (l *ConflictLog) Snapshot() []ConflictReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConflictReport(nil), l.reports...)
}

func (l *ConflictLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reports)
}
