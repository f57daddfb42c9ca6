package syncstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

const DefaultIDField = "id"

// StoreConfig declares how one store is addressed: which field identifies a
// record, and optionally a JSON schema that task submissions must satisfy.
type StoreConfig struct {
	IDField    string          `json:"idField"`
	TaskSchema json.RawMessage `json:"taskSchema,omitempty"`
}

// Config maps store names to their declared configuration. Stores that are
// not declared fall back to DefaultIDField.
type Config struct {
	Stores map[string]StoreConfig `json:"stores"`
}

func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	for name, store := range c.Stores {
		if !validStoreName(name) {
			return fmt.Errorf("%w: invalid store name %q", ErrValidation, name)
		}
		if store.IDField == "" {
			store.IDField = DefaultIDField
			c.Stores[name] = store
		}
		if _, volatile := volatileFields[store.IDField]; volatile {
			return fmt.Errorf("%w: store %q uses bookkeeping field %q as id field", ErrValidation, name, store.IDField)
		}
	}
	return nil
}

func (c *Config) idField(storeName string) string {
	if c != nil {
		if store, ok := c.Stores[storeName]; ok && store.IDField != "" {
			return store.IDField
		}
	}
	return DefaultIDField
}

func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if cfg.Stores == nil {
		cfg.Stores = map[string]StoreConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type Logger interface {
	Printf(format string, args ...any)
}

// ConfigWatcher hot-reloads the store configuration file. It watches the
// containing directory rather than the file itself because most editors and
// config management tools replace the file on write.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func WatchConfigFile(path string, apply func(*Config) error, logger Logger) (*ConfigWatcher, error) {
	if apply == nil {
		return nil, ErrInvalidInput
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	w := &ConfigWatcher{watcher: watcher, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != absPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				cfg, loadErr := LoadConfigFile(absPath)
				if loadErr != nil {
					if logger != nil {
						logger.Printf("config reload failed for %s: %v", absPath, loadErr)
					}
					continue
				}
				if applyErr := apply(cfg); applyErr != nil {
					if logger != nil {
						logger.Printf("config apply failed for %s: %v", absPath, applyErr)
					}
					continue
				}
				if logger != nil {
					logger.Printf("store config reloaded from %s (%d stores)", absPath, len(cfg.Stores))
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Printf("config watcher error: %v", watchErr)
				}
			}
		}
	}()
	return w, nil
}

func (w *ConfigWatcher) Close() error {
	if w == nil || w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}
