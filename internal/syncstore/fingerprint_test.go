package syncstore

import "testing"

func TestFingerprintIgnoresBookkeepingFields(t *testing.T) {
	a := Record{
		"id":           "item-1",
		"name":         "Widget",
		"price":        9.99,
		FieldCreatedAt: "2026-01-01T00:00:00Z",
		FieldUpdatedAt: "2026-01-02T00:00:00Z",
		FieldVersion:   float64(7),
		FieldClientID:  "client-a",
	}
	b := Record{
		"id":           "item-1",
		"name":         "Widget",
		"price":        9.99,
		FieldCreatedAt: "2026-03-03T00:00:00Z",
		FieldUpdatedAt: "2026-03-04T00:00:00Z",
		FieldVersion:   float64(42),
		FieldClientID:  "client-b",
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("records with identical business content should fingerprint equal")
	}
}

func TestFingerprintDetectsContentChange(t *testing.T) {
	a := Record{"id": "item-1", "name": "Widget", "stock": float64(5)}
	b := Record{"id": "item-1", "name": "Widget", "stock": float64(6)}
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatalf("differing business content should fingerprint differently")
	}
}

func TestFingerprintStripsNestedVolatileFields(t *testing.T) {
	a := Record{
		"id": "item-1",
		"meta": map[string]any{
			"label":        "x",
			FieldUpdatedAt: "2026-01-01T00:00:00Z",
		},
	}
	b := Record{
		"id": "item-1",
		"meta": map[string]any{
			"label":        "x",
			FieldUpdatedAt: "2026-05-05T00:00:00Z",
		},
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("nested bookkeeping fields should not affect the fingerprint")
	}
}

func TestFingerprintKeyOrderIndependent(t *testing.T) {
	// Maps have no order in Go, but records arriving from JSON payloads may
	// have been built in any insertion order; the digest must not care.
	a := Record{"id": "x", "alpha": "1", "beta": "2", "gamma": "3"}
	b := Record{"gamma": "3", "beta": "2", "alpha": "1", "id": "x"}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("fingerprint must be independent of construction order")
	}
}
