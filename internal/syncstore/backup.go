package syncstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Snapshot is the backup unit: every store's live records at export time.
// Tombstones and the version ledger are deliberately not exported; a restore
// is a fresh set of mutations against the target, not a ledger transplant.
type Snapshot struct {
	CreatedAt time.Time           `json:"createdAt"`
	Stores    map[string][]Record `json:"stores"`
}

type RestorePolicy string

const (
	// RestoreNewer keeps whichever of existing/incoming has the later
	// effective timestamp. This is whole-record arbitration, deliberately
	// coarser than the field-level merge used on the sync path.
	RestoreNewer RestorePolicy = "newer"
	// RestoreForce always takes the incoming record.
	RestoreForce RestorePolicy = "force"
	// RestoreSkip keeps the existing record on conflict.
	RestoreSkip RestorePolicy = "skip"
)

func parseRestorePolicy(raw string) (RestorePolicy, error) {
	switch RestorePolicy(raw) {
	case RestoreNewer, RestoreForce, RestoreSkip:
		return RestorePolicy(raw), nil
	case "":
		return RestoreNewer, nil
	default:
		return "", fmt.Errorf("%w: unknown restore policy %q", ErrValidation, raw)
	}
}

// Export snapshots every persisted store. Stores are read concurrently; each
// individual load is still a consistent read of that store's snapshot.
func (s *Service) Export(ctx context.Context) (*Snapshot, error) {
	names, err := s.backend.ListStores(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list stores: %v", ErrPersistence, err)
	}
	snapshot := &Snapshot{
		CreatedAt: s.now().UTC(),
		Stores:    make(map[string][]Record, len(names)),
	}
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		group.Go(func() error {
			meta, err := s.loadStore(groupCtx, name)
			if err != nil {
				return err
			}
			records := make([]Record, 0, len(meta.Records))
			for _, id := range meta.sortedIDs() {
				records = append(records, meta.Records[id].Clone())
			}
			mu.Lock()
			snapshot.Stores[name] = records
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *Service) ExportToFile(ctx context.Context, path string) (*Snapshot, error) {
	snapshot, err := s.Export(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	return snapshot, nil
}

type RestoreResult struct {
	Stores   int `json:"stores"`
	Restored int `json:"restored"`
	Skipped  int `json:"skipped"`
}

// Restore applies a snapshot against the live stores under the chosen
// policy. Each touched store goes through its normal critical section and
// consumes exactly one version number, so restores are observable through
// the differential read path like any other write.
func (s *Service) Restore(ctx context.Context, snapshot *Snapshot, policy RestorePolicy, clientID string) (RestoreResult, error) {
	if snapshot == nil {
		return RestoreResult{}, ErrInvalidInput
	}
	normalized, err := parseRestorePolicy(string(policy))
	if err != nil {
		return RestoreResult{}, err
	}
	policy = normalized

	names := make([]string, 0, len(snapshot.Stores))
	for name := range snapshot.Stores {
		names = append(names, name)
	}
	sort.Strings(names)

	var result RestoreResult
	for _, name := range names {
		if !validStoreName(name) {
			return result, fmt.Errorf("%w: invalid store name %q in snapshot", ErrValidation, name)
		}
		restored, skipped, version, err := s.restoreStore(ctx, name, snapshot.Stores[name], policy, clientID)
		if err != nil {
			return result, err
		}
		result.Restored += restored
		result.Skipped += skipped
		if restored > 0 {
			result.Stores++
			s.emit(ctx, EventStoreRestored, map[string]any{
				"store":    name,
				"restored": restored,
				"version":  version,
			}, clientID)
		}
	}
	return result, nil
}

func (s *Service) restoreStore(ctx context.Context, storeName string, records []Record, policy RestorePolicy, clientID string) (restored, skipped int, version int64, err error) {
	idField := s.idFieldFor(storeName)

	lock := s.storeLock(storeName)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.loadStore(ctx, storeName)
	if err != nil {
		return 0, 0, 0, err
	}

	now := s.now().UTC()
	nowRaw := now.Format(time.RFC3339Nano)
	var ids []string
	for _, incoming := range records {
		id := incoming.StringField(idField)
		if id == "" {
			skipped++
			continue
		}
		existing, exists := meta.Records[id]
		keep := true
		if exists {
			switch policy {
			case RestoreForce:
				keep = true
			case RestoreSkip:
				keep = false
			default:
				keep = incoming.EffectiveTimestamp().After(existing.EffectiveTimestamp())
			}
		}
		if !keep {
			skipped++
			continue
		}
		clone := incoming.Clone()
		fillTimestamps(clone, nowRaw)
		meta.Records[id] = clone
		delete(meta.Tombstones, id)
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return 0, skipped, meta.CurrentVersion, nil
	}
	version = meta.appendVersion(OpBulk, ids, clientID, now)
	for _, id := range ids {
		meta.Records[id][FieldVersion] = version
		meta.Records[id][FieldClientID] = clientID
	}
	if err := s.saveStore(ctx, meta); err != nil {
		return 0, skipped, 0, err
	}
	return len(ids), skipped, version, nil
}

// RestoreFromFile reads a snapshot produced by ExportToFile and applies it.
func (s *Service) RestoreFromFile(ctx context.Context, path string, policy RestorePolicy, clientID string) (RestoreResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RestoreResult{}, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return RestoreResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.Restore(ctx, &snapshot, policy, clientID)
}
