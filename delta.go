package gearsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeltaType names the kind of incremental queue change a delta carries.
type DeltaType string

const (
	// DeltaTaskAdded carries a full Task appended to the queue.
	DeltaTaskAdded DeltaType = "task_added"
	// DeltaTaskUpdated carries a full Task replacing an existing one.
	DeltaTaskUpdated DeltaType = "task_updated"
	// DeltaTaskRemoved removes the task named by TaskID.
	DeltaTaskRemoved DeltaType = "task_removed"
	// DeltaTaskProgress carries a progress tick for the task named by TaskID.
	DeltaTaskProgress DeltaType = "task_progress"
	// DeltaTaskCompleted marks the task named by TaskID as finished.
	DeltaTaskCompleted DeltaType = "task_completed"
)

// DeltaUpdate is the wire unit of change: one incremental queue mutation,
// stamped with the version the queue reached and the checksum it should have
// afterwards. Deltas are ephemeral; they are never persisted beyond the
// transport's outbound queue.
type DeltaUpdate struct {
	Type     DeltaType `json:"type"`
	PlayerID string    `json:"playerId"`
	TaskID   string    `json:"taskId,omitempty"`
	// Data is the type-specific payload: a Task for added/updated/completed,
	// a TaskProgressPayload for progress ticks, absent for removals.
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Version   int64           `json:"version"`
	Checksum  string          `json:"checksum"`
}

// TaskProgressPayload is the Data payload of a task_progress delta.
type TaskProgressPayload struct {
	TaskID   string  `json:"taskId"`
	Progress float64 `json:"progress"`
}

// NewTaskDelta builds a delta whose payload is the full task (added, updated,
// completed). The version and checksum must describe the queue after the
// mutation was applied.
func NewTaskDelta(enc Encoder, typ DeltaType, q *TaskQueue, t *Task) (*DeltaUpdate, error) {
	raw, err := enc.Encode(t)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return &DeltaUpdate{
		Type:      typ,
		PlayerID:  q.PlayerID,
		TaskID:    t.ID,
		Data:      raw,
		Timestamp: q.LastUpdated,
		Version:   q.Version,
		Checksum:  q.Checksum,
	}, nil
}

// NewProgressDelta builds a task_progress delta.
func NewProgressDelta(enc Encoder, q *TaskQueue, taskID string, progress float64) (*DeltaUpdate, error) {
	raw, err := enc.Encode(TaskProgressPayload{TaskID: taskID, Progress: progress})
	if err != nil {
		return nil, fmt.Errorf("encode task_progress payload: %w", err)
	}
	return &DeltaUpdate{
		Type:      DeltaTaskProgress,
		PlayerID:  q.PlayerID,
		TaskID:    taskID,
		Data:      raw,
		Timestamp: q.LastUpdated,
		Version:   q.Version,
		Checksum:  q.Checksum,
	}, nil
}

// NewRemovalDelta builds a task_removed delta.
func NewRemovalDelta(q *TaskQueue, taskID string) *DeltaUpdate {
	return &DeltaUpdate{
		Type:      DeltaTaskRemoved,
		PlayerID:  q.PlayerID,
		TaskID:    taskID,
		Timestamp: q.LastUpdated,
		Version:   q.Version,
		Checksum:  q.Checksum,
	}
}
