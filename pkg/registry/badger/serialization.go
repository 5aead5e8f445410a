package badger

import (
	"encoding/json"
	"fmt"

	"github.com/sharebroker/sharebroker/pkg/registry"
)

// Serialization Strategy
// ======================
//
// Records and tasks are stored as JSON. The registry holds hundreds of
// small entries, so human-readable values and painless schema evolution
// beat the size and speed of a binary encoding here. Index values (record
// and task ids) are stored as raw bytes since they are plain strings.

func encodePathRecord(rec *registry.PathRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode path record: %w", err)
	}
	return data, nil
}

func decodePathRecord(data []byte) (*registry.PathRecord, error) {
	var rec registry.PathRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode path record: %w", err)
	}
	return &rec, nil
}

func encodeTask(task *registry.TicketTask) ([]byte, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}
	return data, nil
}

func decodeTask(data []byte) (*registry.TicketTask, error) {
	var task registry.TicketTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &task, nil
}
