package syncstore

import (
	"time"
)

// Bookkeeping fields maintained by the service on every accepted write.
const (
	FieldCreatedAt   = "created_at"
	FieldUpdatedAt   = "updated_at"
	FieldSyncedAt    = "synced_at"
	FieldVersion     = "version"
	FieldClientID    = "client_id"
	FieldContentHash = "_content_hash"
)

// Record is an open-ended JSON object owned by the application schema. The
// identifying field is set by the caller and never rewritten by merge; the
// bookkeeping fields above are maintained by the synchronization service.
type Record map[string]any

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	clone := make(Record, len(r))
	for key, value := range r {
		clone[key] = cloneValue(value)
	}
	return clone
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		clone := make(map[string]any, len(typed))
		for key, nested := range typed {
			clone[key] = cloneValue(nested)
		}
		return clone
	case []any:
		clone := make([]any, len(typed))
		for i, nested := range typed {
			clone[i] = cloneValue(nested)
		}
		return clone
	default:
		return value
	}
}

func (r Record) StringField(name string) string {
	if r == nil {
		return ""
	}
	value, ok := r[name].(string)
	if !ok {
		return ""
	}
	return value
}

// VersionValue coerces the record's version field, which round-trips through
// JSON as a float64.
func (r Record) VersionValue() int64 {
	if r == nil {
		return 0
	}
	switch typed := r[FieldVersion].(type) {
	case int64:
		return typed
	case int:
		return int64(typed)
	case float64:
		return int64(typed)
	default:
		return 0
	}
}

// EffectiveTimestamp is the record's updated_at if present, else created_at,
// else the zero time.
func (r Record) EffectiveTimestamp() time.Time {
	if ts, ok := parseTimestamp(r[FieldUpdatedAt]); ok {
		return ts
	}
	if ts, ok := parseTimestamp(r[FieldCreatedAt]); ok {
		return ts
	}
	return time.Time{}
}

func parseTimestamp(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		return typed, true
	case string:
		if typed == "" {
			return time.Time{}, false
		}
		if ts, err := time.Parse(time.RFC3339Nano, typed); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, typed); err == nil {
			return ts, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
