package syncstore

import (
	"sort"
	"time"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpBulk   Operation = "bulk"
)

const (
	// The version log is bounded: past versionLogMaxEntries it is truncated
	// to the most recent versionLogKeepEntries, and differential reads from
	// before the truncation point must fall back to a full resync.
	versionLogMaxEntries  = 1000
	versionLogKeepEntries = 500

	// Tombstones are pruned on a longer schedule than live records so that
	// differential reads can still distinguish "deleted" from "never
	// existed" for a reasonable window.
	tombstoneRetention = 500
)

type VersionLogEntry struct {
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Operation Operation `json:"operation"`
	ItemIDs   []string  `json:"itemIds"`
	ClientID  string    `json:"clientId,omitempty"`
}

// Tombstone marks a deleted record so the differential read path can report
// the deletion instead of silently dropping the id.
type Tombstone struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deletedAt"`
	Version   int64     `json:"version"`
}

// StoreMetadata is the persisted unit: a named record collection plus its
// monotonic version counter, bounded operation log and tombstones.
type StoreMetadata struct {
	Name           string               `json:"name"`
	CurrentVersion int64                `json:"currentVersion"`
	Records        map[string]Record    `json:"records"`
	VersionLog     []VersionLogEntry    `json:"versionLog"`
	Tombstones     map[string]Tombstone `json:"tombstones,omitempty"`
}

func NewStoreMetadata(name string) *StoreMetadata {
	return &StoreMetadata{
		Name:       name,
		Records:    map[string]Record{},
		VersionLog: []VersionLogEntry{},
		Tombstones: map[string]Tombstone{},
	}
}

// normalize repairs nil maps after a JSON round trip through a backend.
func (m *StoreMetadata) normalize(name string) {
	if m.Name == "" {
		m.Name = name
	}
	if m.Records == nil {
		m.Records = map[string]Record{}
	}
	if m.VersionLog == nil {
		m.VersionLog = []VersionLogEntry{}
	}
	if m.Tombstones == nil {
		m.Tombstones = map[string]Tombstone{}
	}
}

// appendVersion increments the store version by exactly one, regardless of
// how many item ids the call touched, and appends the matching log entry.
func (m *StoreMetadata) appendVersion(op Operation, itemIDs []string, clientID string, now time.Time) int64 {
	m.CurrentVersion++
	m.VersionLog = append(m.VersionLog, VersionLogEntry{
		Version:   m.CurrentVersion,
		Timestamp: now,
		Operation: op,
		ItemIDs:   append([]string(nil), itemIDs...),
		ClientID:  clientID,
	})
	if len(m.VersionLog) > versionLogMaxEntries {
		m.VersionLog = append([]VersionLogEntry(nil), m.VersionLog[len(m.VersionLog)-versionLogKeepEntries:]...)
	}
	return m.CurrentVersion
}

func (m *StoreMetadata) oldestRetainedVersion() int64 {
	if len(m.VersionLog) == 0 {
		return 0
	}
	return m.VersionLog[0].Version
}

// changedSince returns the distinct ids referenced by ledger entries newer
// than fromVersion, split into ids that still exist and ids that are gone.
// When fromVersion predates the oldest retained entry the delta would be
// incomplete, so the caller gets a ResyncRequiredError instead of a silently
// partial result.
func (m *StoreMetadata) changedSince(fromVersion int64) (changed []string, deleted []string, err error) {
	if fromVersion >= m.CurrentVersion {
		return nil, nil, nil
	}
	oldest := m.oldestRetainedVersion()
	if oldest == 0 || fromVersion+1 < oldest {
		return nil, nil, &ResyncRequiredError{
			OldestVersion:    oldest,
			RequestedVersion: fromVersion,
		}
	}
	seen := map[string]struct{}{}
	for _, entry := range m.VersionLog {
		if entry.Version <= fromVersion {
			continue
		}
		for _, id := range entry.ItemIDs {
			seen[id] = struct{}{}
		}
	}
	for id := range seen {
		if _, ok := m.Records[id]; ok {
			changed = append(changed, id)
		} else {
			deleted = append(deleted, id)
		}
	}
	sort.Strings(changed)
	sort.Strings(deleted)
	return changed, deleted, nil
}

func (m *StoreMetadata) addTombstone(id string, version int64, now time.Time) {
	m.Tombstones[id] = Tombstone{ID: id, DeletedAt: now, Version: version}
	if len(m.Tombstones) <= tombstoneRetention {
		return
	}
	stones := make([]Tombstone, 0, len(m.Tombstones))
	for _, stone := range m.Tombstones {
		stones = append(stones, stone)
	}
	sort.Slice(stones, func(i, j int) bool { return stones[i].Version < stones[j].Version })
	for _, stone := range stones[:len(stones)-tombstoneRetention] {
		delete(m.Tombstones, stone.ID)
	}
}

func (m *StoreMetadata) sortedIDs() []string {
	ids := make([]string, 0, len(m.Records))
	for id := range m.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
