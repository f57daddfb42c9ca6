package syncstore

import (
	"bytes"
	"encoding/json"
	"time"
)

const (
	WinnerLocal  = "local"
	WinnerRemote = "remote"
)

// FieldResolution records one arbitrated field of a merge: both inputs, the
// value that survived, and which side it came from.
type FieldResolution struct {
	Local    any    `json:"local"`
	Remote   any    `json:"remote"`
	Resolved any    `json:"resolved"`
	Winner   string `json:"winner"`
}

// ConflictReport is produced only when a merge had to arbitrate at least one
// differing field. It is purely diagnostic; the merge algorithm never reads
// it back.
type ConflictReport struct {
	RecordID       string                     `json:"recordId"`
	ResolvedFields map[string]FieldResolution `json:"resolvedFields"`
	Timestamp      time.Time                  `json:"timestamp"`
}

// Merge resolves two versions of one record field by field. Non-overlapping
// edits both survive: a remote change to one field and a local change to
// another are combined rather than one whole record clobbering the other.
// Differing fields go to whichever side has the later effective timestamp.
//
// The identifying field named by idField is never altered. created_at keeps
// the earlier of the two values to preserve true origin time. Bookkeeping
// fields are not arbitrated and never appear in the conflict report.
func Merge(local, remote Record, idField string) (Record, *ConflictReport) {
	if Fingerprint(local) == Fingerprint(remote) {
		merged := local.Clone()
		if raw, ok := laterUpdatedAt(local, remote); ok {
			merged[FieldUpdatedAt] = raw
		}
		return merged, nil
	}

	localTS := local.EffectiveTimestamp()
	remoteTS := remote.EffectiveTimestamp()
	remoteWins := remoteTS.After(localTS)

	merged := local.Clone()
	if raw, ok := earlierCreatedAt(local, remote); ok {
		merged[FieldCreatedAt] = raw
	}

	resolved := map[string]FieldResolution{}
	for field, remoteValue := range remote {
		if field == idField || field == FieldCreatedAt {
			continue
		}
		if _, volatile := volatileFields[field]; volatile {
			continue
		}
		localValue, present := local[field]
		if !present {
			merged[field] = cloneValue(remoteValue)
			continue
		}
		if jsonEqual(localValue, remoteValue) {
			continue
		}
		winner := WinnerLocal
		resolvedValue := localValue
		if remoteWins {
			winner = WinnerRemote
			resolvedValue = cloneValue(remoteValue)
			merged[field] = resolvedValue
		}
		resolved[field] = FieldResolution{
			Local:    localValue,
			Remote:   remoteValue,
			Resolved: resolvedValue,
			Winner:   winner,
		}
	}

	if raw, ok := laterUpdatedAt(local, remote); ok {
		merged[FieldUpdatedAt] = raw
	}

	if len(resolved) == 0 {
		return merged, nil
	}
	recordID := local.StringField(idField)
	if recordID == "" {
		recordID = remote.StringField(idField)
	}
	return merged, &ConflictReport{
		RecordID:       recordID,
		ResolvedFields: resolved,
		Timestamp:      time.Now().UTC(),
	}
}

func jsonEqual(a, b any) bool {
	aData, aErr := json.Marshal(a)
	bData, bErr := json.Marshal(b)
	if aErr != nil || bErr != nil {
		return false
	}
	return bytes.Equal(aData, bData)
}

func laterUpdatedAt(local, remote Record) (any, bool) {
	return pickTimestamp(local, remote, FieldUpdatedAt, func(a, b time.Time) bool { return a.After(b) })
}

func earlierCreatedAt(local, remote Record) (any, bool) {
	return pickTimestamp(local, remote, FieldCreatedAt, func(a, b time.Time) bool { return a.Before(b) })
}

func pickTimestamp(local, remote Record, field string, prefer func(a, b time.Time) bool) (any, bool) {
	localTS, localOK := parseTimestamp(local[field])
	remoteTS, remoteOK := parseTimestamp(remote[field])
	switch {
	case localOK && remoteOK:
		if prefer(remoteTS, localTS) {
			return remote[field], true
		}
		return local[field], true
	case localOK:
		return local[field], true
	case remoteOK:
		return remote[field], true
	default:
		return nil, false
	}
}
