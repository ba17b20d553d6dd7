package persistence

import "fmt"

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

// NotFoundError reports a missing record. Kind names the record family,
// Key identifies the record.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found %s", e.Kind, e.Key)
}

// StateConflictError reports a lost conditional update, another writer
// advanced the record first.
type StateConflictError struct {
	ExecutionId string
	Message     string
}

func (e StateConflictError) Error() string {
	return fmt.Sprintf("state conflict on execution %s %s", e.ExecutionId, e.Message)
}
