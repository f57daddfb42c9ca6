package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// StateBackend persists store metadata by name. Load returns (nil, nil) for
// an absent store. Implementations must be read-your-writes consistent
// within a single process.
type StateBackend interface {
	Load(ctx context.Context, storeName string) (*StoreMetadata, error)
	Save(ctx context.Context, storeName string, meta *StoreMetadata) error
	ListStores(ctx context.Context) ([]string, error)
}

type stateBackendCloser interface {
	Close() error
}

var storeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

func validStoreName(name string) bool {
	return storeNamePattern.MatchString(name)
}

// JSONDirStateBackend keeps one JSON file per store under Dir, written
// atomically via a temp file and rename.
type JSONDirStateBackend struct {
	Dir string
}

func NewJSONDirStateBackend(dir string) *JSONDirStateBackend {
	return &JSONDirStateBackend{Dir: strings.TrimSpace(dir)}
}

func (b *JSONDirStateBackend) storePath(storeName string) string {
	return filepath.Join(b.Dir, storeName+".json")
}

func (b *JSONDirStateBackend) Load(ctx context.Context, storeName string) (*StoreMetadata, error) {
	if b == nil || b.Dir == "" || !validStoreName(storeName) {
		return nil, ErrInvalidInput
	}
	data, err := os.ReadFile(b.storePath(storeName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var meta StoreMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	meta.normalize(storeName)
	return &meta, nil
}

func (b *JSONDirStateBackend) Save(ctx context.Context, storeName string, meta *StoreMetadata) error {
	if b == nil || b.Dir == "" || !validStoreName(storeName) || meta == nil {
		return ErrInvalidInput
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	path := b.storePath(storeName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *JSONDirStateBackend) ListStores(ctx context.Context) ([]string, error) {
	if b == nil || b.Dir == "" {
		return nil, ErrInvalidInput
	}
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		if validStoreName(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// InMemoryStateBackend round-trips metadata through JSON on load and save so
// callers never share live references with the backend.
type InMemoryStateBackend struct {
	mu     sync.Mutex
	stores map[string][]byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{stores: map[string][]byte{}}
}

func (b *InMemoryStateBackend) Load(ctx context.Context, storeName string) (*StoreMetadata, error) {
	if b == nil || !validStoreName(storeName) {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	data, ok := b.stores[storeName]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var meta StoreMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	meta.normalize(storeName)
	return &meta, nil
}

func (b *InMemoryStateBackend) Save(ctx context.Context, storeName string, meta *StoreMetadata) error {
	if b == nil || !validStoreName(storeName) || meta == nil {
		return ErrInvalidInput
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.stores[storeName] = data
	b.mu.Unlock()
	return nil
}

func (b *InMemoryStateBackend) ListStores(ctx context.Context) ([]string, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.stores))
	for name := range b.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
