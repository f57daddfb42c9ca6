package syncstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Change event names carried in the broadcast envelope.
const (
	EventStoreSync     = "store:sync"
	EventRecordCreated = "record:created"
	EventRecordUpdated = "record:updated"
	EventRecordDeleted = "record:deleted"
	EventStoreRestored = "store:restored"
)

type ServiceOptions struct {
	Backend     StateBackend
	Broadcaster Broadcaster
	Config      *Config
	Now         func() time.Time
}

// Service orchestrates the mutation lifecycle of every store: load, version
// check, per-item merge, ledger append, persist, then broadcast. All steps
// up to and including persist run inside a per-store critical section, so a
// store has exactly one writer at a time and the optimistic-concurrency
// check cannot race. Broadcast runs outside the critical section and may
// overlap the next write.
//
// The service keeps no authoritative in-memory copy of store metadata: every
// call loads from the backend and either persists a fully applied mutation
// or discards its working copy, so a failed persist commits nothing.
type Service struct {
	backend     StateBackend
	broadcaster Broadcaster
	now         func() time.Time

	mu           sync.Mutex
	storeLocks   map[string]*sync.Mutex
	conflictLogs map[string]*ConflictLog
	config       *Config
	taskSchemas  map[string]*jsonschema.Schema
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: state backend is required", ErrInvalidInput)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{
		backend:      opts.Backend,
		broadcaster:  opts.Broadcaster,
		now:          now,
		storeLocks:   map[string]*sync.Mutex{},
		conflictLogs: map[string]*ConflictLog{},
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &Config{Stores: map[string]StoreConfig{}}
	}
	if err := s.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateConfig swaps in a new store configuration. The config is validated
// and its task schemas compiled before anything is replaced, so a broken
// reload leaves the previous configuration in effect.
func (s *Service) UpdateConfig(cfg *Config) error {
	if cfg == nil {
		return ErrInvalidInput
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	schemas, err := compileTaskSchemas(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.config = cfg
	s.taskSchemas = schemas
	s.mu.Unlock()
	return nil
}

func (s *Service) idFieldFor(storeName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.idField(storeName)
}

func (s *Service) taskSchemaFor(storeName string) *jsonschema.Schema {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskSchemas[storeName]
}

func (s *Service) storeLock(storeName string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.storeLocks[storeName]
	if !ok {
		lock = &sync.Mutex{}
		s.storeLocks[storeName] = lock
	}
	return lock
}

func (s *Service) conflictLog(storeName string) *ConflictLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.conflictLogs[storeName]
	if !ok {
		log = NewConflictLog()
		s.conflictLogs[storeName] = log
	}
	return log
}

// Conflicts returns the retained conflict reports for a store, newest first.
func (s *Service) Conflicts(storeName string) []ConflictReport {
	return s.conflictLog(storeName).Snapshot()
}

func (s *Service) loadStore(ctx context.Context, storeName string) (*StoreMetadata, error) {
	meta, err := s.backend.Load(ctx, storeName)
	if err != nil {
		return nil, fmt.Errorf("%w: load store %q: %v", ErrPersistence, storeName, err)
	}
	if meta == nil {
		return NewStoreMetadata(storeName), nil
	}
	meta.normalize(storeName)
	return meta, nil
}

func (s *Service) saveStore(ctx context.Context, meta *StoreMetadata) error {
	if err := s.backend.Save(ctx, meta.Name, meta); err != nil {
		return fmt.Errorf("%w: save store %q: %v", ErrPersistence, meta.Name, err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, event string, payload any, excludeClientID string) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(ctx, event, payload, excludeClientID)
}

type ListResult struct {
	Data    []Record `json:"data"`
	Count   int      `json:"count"`
	Version int64    `json:"version"`
}

// List returns all live records of a store. An unknown store is an empty
// store at version 0, not an error.
func (s *Service) List(ctx context.Context, storeName string) (ListResult, error) {
	if !validStoreName(storeName) {
		return ListResult{}, fmt.Errorf("%w: invalid store name %q", ErrValidation, storeName)
	}
	meta, err := s.loadStore(ctx, storeName)
	if err != nil {
		return ListResult{}, err
	}
	data := make([]Record, 0, len(meta.Records))
	for _, id := range meta.sortedIDs() {
		data = append(data, meta.Records[id].Clone())
	}
	return ListResult{Data: data, Count: len(data), Version: meta.CurrentVersion}, nil
}

type ApplyRequest struct {
	Store       string
	Items       []Record
	ClientID    string
	LastVersion int64
}

type ApplyResult struct {
	Synced    int   `json:"synced"`
	Conflicts int   `json:"conflicts"`
	Skipped   int   `json:"skipped,omitempty"`
	Version   int64 `json:"version"`
}

// BulkChange is the aggregate payload broadcast for an accepted bulk upsert.
type BulkChange struct {
	Store   string   `json:"store"`
	Count   int      `json:"count"`
	Items   []Record `json:"items"`
	Version int64    `json:"version"`
}

// Apply is the bulk upsert path. The version check is a whole-store gate: if
// the caller's LastVersion is behind the store, the entire call is rejected
// with the authoritative version and nothing is mutated. All accepted items
// share one new version number. Items without an identifying field are
// skipped without aborting their siblings, and items whose content
// fingerprint matches the stored record are no-ops; a batch of nothing but
// no-ops consumes no version and fans nothing out.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	if !validStoreName(req.Store) {
		return ApplyResult{}, fmt.Errorf("%w: invalid store name %q", ErrValidation, req.Store)
	}
	idField := s.idFieldFor(req.Store)

	lock := s.storeLock(req.Store)
	lock.Lock()
	result, change, reports, err := s.applyBulkLocked(ctx, req, idField)
	lock.Unlock()
	if err != nil {
		return result, err
	}

	log := s.conflictLog(req.Store)
	for _, report := range reports {
		log.Append(report)
	}
	if change != nil {
		s.emit(ctx, EventStoreSync, change, req.ClientID)
	}
	return result, nil
}

func (s *Service) applyBulkLocked(ctx context.Context, req ApplyRequest, idField string) (ApplyResult, *BulkChange, []ConflictReport, error) {
	meta, err := s.loadStore(ctx, req.Store)
	if err != nil {
		return ApplyResult{}, nil, nil, err
	}
	if req.LastVersion < meta.CurrentVersion {
		return ApplyResult{}, nil, nil, &VersionConflictError{ServerVersion: meta.CurrentVersion}
	}

	now := s.now().UTC()
	nowRaw := now.Format(time.RFC3339Nano)

	var ids []string
	seen := map[string]struct{}{}
	var reports []ConflictReport
	conflicts := 0
	skipped := 0

	for _, item := range req.Items {
		id := item.StringField(idField)
		if id == "" {
			skipped++
			continue
		}
		incoming := item.Clone()
		fillTimestamps(incoming, nowRaw)
		if existing, ok := meta.Records[id]; ok {
			merged, report := Merge(existing, incoming, idField)
			if report != nil {
				conflicts++
				reports = append(reports, *report)
			}
			if Fingerprint(merged) == Fingerprint(existing) {
				// Identical content is a no-op: the record keeps its current
				// bookkeeping and the item does not count as affected.
				continue
			}
			meta.Records[id] = merged
		} else {
			meta.Records[id] = incoming
		}
		delete(meta.Tombstones, id)
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	if len(ids) == 0 {
		return ApplyResult{Conflicts: conflicts, Skipped: skipped, Version: meta.CurrentVersion}, nil, reports, nil
	}

	version := meta.appendVersion(OpBulk, ids, req.ClientID, now)
	for _, id := range ids {
		meta.Records[id][FieldVersion] = version
		meta.Records[id][FieldClientID] = req.ClientID
	}
	if err := s.saveStore(ctx, meta); err != nil {
		return ApplyResult{}, nil, nil, err
	}

	items := make([]Record, 0, len(ids))
	for _, id := range ids {
		items = append(items, meta.Records[id].Clone())
	}
	result := ApplyResult{Synced: len(ids), Conflicts: conflicts, Skipped: skipped, Version: version}
	change := &BulkChange{Store: req.Store, Count: len(items), Items: items, Version: version}
	return result, change, reports, nil
}

type PutRequest struct {
	Store    string
	ID       string
	Item     Record
	ClientID string
}

type PutResult struct {
	Item    Record `json:"item"`
	Version int64  `json:"version"`
	Created bool   `json:"created"`
}

// RecordChange is the payload broadcast for single-record mutations.
type RecordChange struct {
	Store   string `json:"store"`
	Item    Record `json:"item"`
	Version int64  `json:"version"`
}

// Put upserts one record. An existing record is merged field by field, a new
// one is accepted as is. A write that changes content consumes its own
// version number and emits its own change event; a write whose content
// fingerprint matches the stored record is a no-op and consumes neither.
func (s *Service) Put(ctx context.Context, req PutRequest) (PutResult, error) {
	if !validStoreName(req.Store) {
		return PutResult{}, fmt.Errorf("%w: invalid store name %q", ErrValidation, req.Store)
	}
	if req.ID == "" {
		return PutResult{}, fmt.Errorf("%w: record id is required", ErrValidation)
	}
	if req.Item == nil {
		return PutResult{}, fmt.Errorf("%w: record body is required", ErrValidation)
	}
	idField := s.idFieldFor(req.Store)
	if bodyID := req.Item.StringField(idField); bodyID != "" && bodyID != req.ID {
		return PutResult{}, fmt.Errorf("%w: body %s %q does not match id %q", ErrValidation, idField, bodyID, req.ID)
	}

	lock := s.storeLock(req.Store)
	lock.Lock()
	result, change, report, created, err := s.putLocked(ctx, req, idField)
	lock.Unlock()
	if err != nil {
		return result, err
	}

	if report != nil {
		s.conflictLog(req.Store).Append(*report)
	}
	if change != nil {
		event := EventRecordUpdated
		if created {
			event = EventRecordCreated
		}
		s.emit(ctx, event, change, req.ClientID)
	}
	return result, nil
}

func (s *Service) putLocked(ctx context.Context, req PutRequest, idField string) (PutResult, *RecordChange, *ConflictReport, bool, error) {
	meta, err := s.loadStore(ctx, req.Store)
	if err != nil {
		return PutResult{}, nil, nil, false, err
	}

	now := s.now().UTC()
	nowRaw := now.Format(time.RFC3339Nano)

	incoming := req.Item.Clone()
	incoming[idField] = req.ID
	fillTimestamps(incoming, nowRaw)

	var report *ConflictReport
	existing, exists := meta.Records[req.ID]
	if exists {
		var merged Record
		merged, report = Merge(existing, incoming, idField)
		if Fingerprint(merged) == Fingerprint(existing) {
			// Identical content is a no-op: no version, no persist, no event.
			result := PutResult{Item: existing.Clone(), Version: meta.CurrentVersion, Created: false}
			return result, nil, report, false, nil
		}
		meta.Records[req.ID] = merged
	} else {
		meta.Records[req.ID] = incoming
	}
	delete(meta.Tombstones, req.ID)

	op := OpCreate
	if exists {
		op = OpUpdate
	}
	version := meta.appendVersion(op, []string{req.ID}, req.ClientID, now)
	meta.Records[req.ID][FieldVersion] = version
	meta.Records[req.ID][FieldClientID] = req.ClientID

	if err := s.saveStore(ctx, meta); err != nil {
		return PutResult{}, nil, nil, false, err
	}

	item := meta.Records[req.ID].Clone()
	result := PutResult{Item: item, Version: version, Created: !exists}
	change := &RecordChange{Store: req.Store, Item: item, Version: version}
	return result, change, report, !exists, nil
}

type DeleteRequest struct {
	Store    string
	ID       string
	ClientID string
}

type DeleteResult struct {
	Deleted Record `json:"deleted"`
	Version int64  `json:"version"`
}

// Delete removes a record unconditionally, with no merge. The removed
// record's last known state rides on the delete event, and a tombstone is
// retained so differential reads can report the deletion.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) (DeleteResult, error) {
	if !validStoreName(req.Store) {
		return DeleteResult{}, fmt.Errorf("%w: invalid store name %q", ErrValidation, req.Store)
	}
	if req.ID == "" {
		return DeleteResult{}, fmt.Errorf("%w: record id is required", ErrValidation)
	}

	lock := s.storeLock(req.Store)
	lock.Lock()
	result, change, err := s.deleteLocked(ctx, req)
	lock.Unlock()
	if err != nil {
		return result, err
	}
	s.emit(ctx, EventRecordDeleted, change, req.ClientID)
	return result, nil
}

func (s *Service) deleteLocked(ctx context.Context, req DeleteRequest) (DeleteResult, *RecordChange, error) {
	meta, err := s.loadStore(ctx, req.Store)
	if err != nil {
		return DeleteResult{}, nil, err
	}
	existing, ok := meta.Records[req.ID]
	if !ok {
		return DeleteResult{}, nil, fmt.Errorf("%w: record %q in store %q", ErrNotFound, req.ID, req.Store)
	}
	delete(meta.Records, req.ID)

	now := s.now().UTC()
	version := meta.appendVersion(OpDelete, []string{req.ID}, req.ClientID, now)
	meta.addTombstone(req.ID, version, now)

	if err := s.saveStore(ctx, meta); err != nil {
		return DeleteResult{}, nil, err
	}

	result := DeleteResult{Deleted: existing, Version: version}
	change := &RecordChange{Store: req.Store, Item: existing, Version: version}
	return result, change, nil
}

type ChangesResult struct {
	Items   []Record `json:"items"`
	Deleted []string `json:"deleted"`
	Version int64    `json:"version"`
}

// ChangesSince is the differential read path: every id referenced by ledger
// entries newer than fromVersion, each paired with its current value, plus
// the ids that no longer exist. A fromVersion older than the oldest retained
// ledger entry yields a ResyncRequiredError rather than a silently
// incomplete delta.
func (s *Service) ChangesSince(ctx context.Context, storeName string, fromVersion int64) (ChangesResult, error) {
	if !validStoreName(storeName) {
		return ChangesResult{}, fmt.Errorf("%w: invalid store name %q", ErrValidation, storeName)
	}
	if fromVersion < 0 {
		return ChangesResult{}, fmt.Errorf("%w: version must not be negative", ErrValidation)
	}
	meta, err := s.loadStore(ctx, storeName)
	if err != nil {
		return ChangesResult{}, err
	}
	changed, deleted, err := meta.changedSince(fromVersion)
	if err != nil {
		return ChangesResult{}, err
	}
	items := make([]Record, 0, len(changed))
	for _, id := range changed {
		items = append(items, meta.Records[id].Clone())
	}
	if deleted == nil {
		deleted = []string{}
	}
	return ChangesResult{Items: items, Deleted: deleted, Version: meta.CurrentVersion}, nil
}

type StoreStats struct {
	Name      string `json:"name"`
	Version   int64  `json:"version"`
	Records   int    `json:"records"`
	Conflicts int    `json:"conflicts"`
}

// Stats summarizes every persisted store for diagnostic surfaces.
func (s *Service) Stats(ctx context.Context) ([]StoreStats, error) {
	names, err := s.backend.ListStores(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list stores: %v", ErrPersistence, err)
	}
	stats := make([]StoreStats, 0, len(names))
	for _, name := range names {
		meta, err := s.loadStore(ctx, name)
		if err != nil {
			return nil, err
		}
		stats = append(stats, StoreStats{
			Name:      name,
			Version:   meta.CurrentVersion,
			Records:   len(meta.Records),
			Conflicts: s.conflictLog(name).Len(),
		})
	}
	return stats, nil
}

// fillTimestamps sets created_at and updated_at on an incoming record only
// when absent: offline writers supply their own timestamps and those drive
// the merge, so they must not be overwritten on ingest.
func fillTimestamps(rec Record, nowRaw string) {
	if _, ok := parseTimestamp(rec[FieldCreatedAt]); !ok {
		rec[FieldCreatedAt] = nowRaw
	}
	if _, ok := parseTimestamp(rec[FieldUpdatedAt]); !ok {
		rec[FieldUpdatedAt] = nowRaw
	}
}
