package agentsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/datamesh/syncstore/internal/syncstore"
)

type Logger interface {
	Printf(format string, args ...any)
}

type AgentOptions struct {
	Store      string
	MirrorFile string
	StateFile  string
	IDField    string
	ClientID   string
	Logger     Logger
}

// Agent mirrors one store into a local JSON file. Records edited in the
// mirror are pushed through the bulk sync endpoint; remote changes arrive
// through the differential feed and are written back into the mirror. The
// state file remembers the last synced version and a content fingerprint per
// record so only genuinely edited records are pushed.
type Agent struct {
	client     *Client
	store      string
	mirrorFile string
	stateFile  string
	idField    string
	clientID   string
	logger     Logger
	state      agentState
	loaded     bool
}

type agentState struct {
	LastVersion int64             `json:"lastVersion"`
	Hashes      map[string]string `json:"hashes"`
}

func NewAgent(client *Client, opts AgentOptions) (*Agent, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	store := strings.TrimSpace(opts.Store)
	if store == "" {
		return nil, fmt.Errorf("store name is required")
	}
	mirrorFile := strings.TrimSpace(opts.MirrorFile)
	if mirrorFile == "" {
		return nil, fmt.Errorf("mirror file is required")
	}
	mirrorFile = filepath.Clean(mirrorFile)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = mirrorFile + ".sync-state.json"
	}
	idField := strings.TrimSpace(opts.IDField)
	if idField == "" {
		idField = syncstore.DefaultIDField
	}
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = fmt.Sprintf("agent_%d", time.Now().UnixNano())
	}
	if err := os.MkdirAll(filepath.Dir(mirrorFile), 0o755); err != nil {
		return nil, err
	}
	return &Agent{
		client:     client,
		store:      store,
		mirrorFile: mirrorFile,
		stateFile:  stateFile,
		idField:    idField,
		clientID:   clientID,
		logger:     opts.Logger,
		state: agentState{
			Hashes: map[string]string{},
		},
	}, nil
}

func (a *Agent) ClientID() string {
	return a.clientID
}

// SyncOnce runs one push-then-pull cycle.
func (a *Agent) SyncOnce(ctx context.Context) error {
	if err := a.loadState(); err != nil {
		return err
	}
	mirror, err := a.loadMirror()
	if err != nil {
		return err
	}

	if err := a.pushDeletes(ctx, mirror); err != nil {
		return err
	}
	if err := a.pushEdits(ctx, mirror); err != nil {
		return err
	}
	if err := a.pull(ctx, mirror); err != nil {
		return err
	}

	if err := a.writeMirror(mirror); err != nil {
		return err
	}
	return a.saveState()
}

// pushDeletes removes records the user deleted from the mirror. A missing
// record on the server means another client got there first; that is fine.
func (a *Agent) pushDeletes(ctx context.Context, mirror map[string]syncstore.Record) error {
	ids := make([]string, 0, len(a.state.Hashes))
	for id := range a.state.Hashes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if _, ok := mirror[id]; ok {
			continue
		}
		result, err := a.client.DeleteRecord(ctx, a.store, id, a.clientID)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == 404 {
				delete(a.state.Hashes, id)
				continue
			}
			return err
		}
		delete(a.state.Hashes, id)
		if result.Version > a.state.LastVersion {
			a.state.LastVersion = result.Version
		}
	}
	return nil
}

func (a *Agent) pushEdits(ctx context.Context, mirror map[string]syncstore.Record) error {
	nowRaw := time.Now().UTC().Format(time.RFC3339Nano)
	var dirty []syncstore.Record
	ids := make([]string, 0, len(mirror))
	for id := range mirror {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		record := mirror[id]
		if a.state.Hashes[id] == syncstore.Fingerprint(record) {
			continue
		}
		clone := record.Clone()
		clone[a.idField] = id
		// Edited in the mirror; the edit time is now as far as merge
		// arbitration is concerned.
		clone[syncstore.FieldUpdatedAt] = nowRaw
		dirty = append(dirty, clone)
	}
	if len(dirty) == 0 {
		return nil
	}

	result, err := a.client.Sync(ctx, a.store, dirty, a.state.LastVersion, a.clientID)
	if err != nil {
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			return err
		}
		a.logf("store %s moved to version %d behind our back; repushing", a.store, conflict.ServerVersion)
		result, err = a.client.Sync(ctx, a.store, dirty, conflict.ServerVersion, a.clientID)
		if err != nil {
			return err
		}
	}
	if result.Version > a.state.LastVersion {
		a.state.LastVersion = result.Version
	}
	return nil
}

func (a *Agent) pull(ctx context.Context, mirror map[string]syncstore.Record) error {
	changes, err := a.client.Changes(ctx, a.store, a.state.LastVersion)
	if err != nil {
		if !errors.Is(err, ErrResync) {
			return err
		}
		a.logf("delta for store %s predates the retained ledger; pulling everything", a.store)
		return a.pullFull(ctx, mirror)
	}

	for _, item := range changes.Items {
		id := item.StringField(a.idField)
		if id == "" {
			continue
		}
		mirror[id] = item
	}
	for _, id := range changes.Deleted {
		delete(mirror, id)
	}
	if changes.Version > a.state.LastVersion {
		a.state.LastVersion = changes.Version
	}
	a.rehash(mirror)
	return nil
}

func (a *Agent) pullFull(ctx context.Context, mirror map[string]syncstore.Record) error {
	list, err := a.client.ListRecords(ctx, a.store)
	if err != nil {
		return err
	}
	for id := range mirror {
		delete(mirror, id)
	}
	for _, item := range list.Data {
		id := item.StringField(a.idField)
		if id == "" {
			continue
		}
		mirror[id] = item
	}
	a.state.LastVersion = list.Version
	a.rehash(mirror)
	return nil
}

func (a *Agent) rehash(mirror map[string]syncstore.Record) {
	a.state.Hashes = make(map[string]string, len(mirror))
	for id, record := range mirror {
		a.state.Hashes[id] = syncstore.Fingerprint(record)
	}
}

// Run syncs on a fixed interval and additionally whenever the mirror file is
// written. The watcher covers the containing directory because editors often
// replace files instead of writing in place.
func (a *Agent) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if err := a.SyncOnce(ctx); err != nil {
		a.logf("sync failed: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	mirrorAbs, err := filepath.Abs(a.mirrorFile)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(mirrorAbs)); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.SyncOnce(ctx); err != nil {
				a.logf("sync failed: %v", err)
			}
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			eventAbs, err := filepath.Abs(event.Name)
			if err != nil || eventAbs != mirrorAbs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := a.SyncOnce(ctx); err != nil {
				a.logf("sync failed: %v", err)
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logf("mirror watcher error: %v", watchErr)
		}
	}
}

func (a *Agent) loadMirror() (map[string]syncstore.Record, error) {
	data, err := os.ReadFile(a.mirrorFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]syncstore.Record{}, nil
		}
		return nil, err
	}
	mirror := map[string]syncstore.Record{}
	if len(data) == 0 {
		return mirror, nil
	}
	if err := json.Unmarshal(data, &mirror); err != nil {
		return nil, fmt.Errorf("mirror file %s: %w", a.mirrorFile, err)
	}
	return mirror, nil
}

func (a *Agent) writeMirror(mirror map[string]syncstore.Record) error {
	data, err := json.MarshalIndent(mirror, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(a.mirrorFile, data, 0o644)
}

func (a *Agent) loadState() error {
	if a.loaded {
		return nil
	}
	a.loaded = true
	data, err := os.ReadFile(a.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.state = agentState{Hashes: map[string]string{}}
			return nil
		}
		return err
	}
	var state agentState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Hashes == nil {
		state.Hashes = map[string]string{}
	}
	a.state = state
	return nil
}

func (a *Agent) saveState() error {
	data, err := json.Marshal(a.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(a.stateFile, data, 0o644)
}

func (a *Agent) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
