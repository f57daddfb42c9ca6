package syncstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// volatileFields are stripped before fingerprinting: two records with the
// same business content but different timestamps, versions or origin must
// produce the same digest.
var volatileFields = map[string]struct{}{
	FieldCreatedAt:   {},
	FieldUpdatedAt:   {},
	FieldSyncedAt:    {},
	FieldVersion:     {},
	FieldClientID:    {},
	FieldContentHash: {},
}

// Fingerprint returns a deterministic content digest of a record. Volatile
// bookkeeping fields are removed recursively, object keys are serialized in
// sorted order, and the result is hashed with SHA-256.
func Fingerprint(r Record) string {
	canonical := canonicalize(map[string]any(r))
	// encoding/json writes map keys in sorted order, which makes the
	// serialization deterministic. Records originate from JSON payloads,
	// so marshaling cannot fail on their value types.
	data, err := json.Marshal(canonical)
	if err != nil {
		data = []byte{}
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func canonicalize(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		stripped := make(map[string]any, len(typed))
		for key, nested := range typed {
			if _, volatile := volatileFields[key]; volatile {
				continue
			}
			stripped[key] = canonicalize(nested)
		}
		return stripped
	case []any:
		out := make([]any, len(typed))
		for i, nested := range typed {
			out[i] = canonicalize(nested)
		}
		return out
	default:
		return value
	}
}
