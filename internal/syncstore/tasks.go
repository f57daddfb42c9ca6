package syncstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Task is one discrete operation in an ordered ingestion batch, typically a
// queue of offline-accumulated edits a client is replaying.
type Task struct {
	Op   string `json:"op"`
	ID   string `json:"id,omitempty"`
	Item Record `json:"item,omitempty"`
}

type FailedTask struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

type TaskResult struct {
	Applied int          `json:"applied"`
	Failed  []FailedTask `json:"failed"`
	Version int64        `json:"version"`
}

// SubmitTasks applies a batch of tasks in submission order. Each task is an
// independent mutating call with its own version number; a task that fails
// validation or execution lands in the failed list with its error while the
// remaining tasks still run. The caller wants maximum forward progress, not
// all-or-nothing.
func (s *Service) SubmitTasks(ctx context.Context, storeName string, tasks []Task, clientID string) (TaskResult, error) {
	if !validStoreName(storeName) {
		return TaskResult{}, fmt.Errorf("%w: invalid store name %q", ErrValidation, storeName)
	}
	idField := s.idFieldFor(storeName)
	schema := s.taskSchemaFor(storeName)

	result := TaskResult{Failed: []FailedTask{}}
	for i, task := range tasks {
		id, version, err := s.applyTask(ctx, storeName, task, clientID, idField, schema)
		if err != nil {
			result.Failed = append(result.Failed, FailedTask{Index: i, ID: id, Error: err.Error()})
			continue
		}
		result.Applied++
		if version > result.Version {
			result.Version = version
		}
	}
	if result.Version == 0 {
		meta, err := s.loadStore(ctx, storeName)
		if err != nil {
			return result, err
		}
		result.Version = meta.CurrentVersion
	}
	return result, nil
}

func (s *Service) applyTask(ctx context.Context, storeName string, task Task, clientID, idField string, schema *jsonschema.Schema) (string, int64, error) {
	switch task.Op {
	case "create", "update":
		if task.Item == nil {
			return task.ID, 0, fmt.Errorf("%w: %s task requires an item", ErrValidation, task.Op)
		}
		id := task.ID
		if id == "" {
			id = task.Item.StringField(idField)
		}
		if id == "" {
			return "", 0, fmt.Errorf("%w: %s task is missing the %q field", ErrValidation, task.Op, idField)
		}
		if schema != nil {
			if err := schema.Validate(map[string]any(task.Item)); err != nil {
				return id, 0, fmt.Errorf("%w: %v", ErrValidation, err)
			}
		}
		res, err := s.Put(ctx, PutRequest{Store: storeName, ID: id, Item: task.Item, ClientID: clientID})
		if err != nil {
			return id, 0, err
		}
		return id, res.Version, nil
	case "delete":
		id := task.ID
		if id == "" {
			id = task.Item.StringField(idField)
		}
		if id == "" {
			return "", 0, fmt.Errorf("%w: delete task is missing the %q field", ErrValidation, idField)
		}
		res, err := s.Delete(ctx, DeleteRequest{Store: storeName, ID: id, ClientID: clientID})
		if err != nil {
			return id, 0, err
		}
		return id, res.Version, nil
	default:
		return task.ID, 0, fmt.Errorf("%w: unknown operation %q", ErrValidation, task.Op)
	}
}

func compileTaskSchemas(cfg *Config) (map[string]*jsonschema.Schema, error) {
	schemas := map[string]*jsonschema.Schema{}
	for name, store := range cfg.Stores {
		if len(store.TaskSchema) == 0 {
			continue
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(store.TaskSchema))
		if err != nil {
			return nil, fmt.Errorf("%w: store %q task schema: %v", ErrValidation, name, err)
		}
		compiler := jsonschema.NewCompiler()
		resource := name + ".schema.json"
		if err := compiler.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("%w: store %q task schema: %v", ErrValidation, name, err)
		}
		schema, err := compiler.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("%w: store %q task schema: %v", ErrValidation, name, err)
		}
		schemas[name] = schema
	}
	return schemas, nil
}
