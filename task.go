package gearsync

import "time"

// TaskType categorizes a task by activity loop.
type TaskType string

const (
	// TaskHarvesting covers resource-gathering activities.
	TaskHarvesting TaskType = "harvesting"
	// TaskCrafting covers item-production activities.
	TaskCrafting TaskType = "crafting"
	// TaskCombat covers combat encounters.
	TaskCombat TaskType = "combat"
)

// AllTaskTypes lists every valid task type in a stable order.
var AllTaskTypes = []TaskType{TaskHarvesting, TaskCrafting, TaskCombat}

// String returns the raw string value of the task type.
func (t TaskType) String() string { return string(t) }

// ParseTaskType converts a string into a TaskType, returning an error for unknown values.
func ParseTaskType(s string) (TaskType, error) {
	switch s {
	case string(TaskHarvesting):
		return TaskHarvesting, nil
	case string(TaskCrafting):
		return TaskCrafting, nil
	case string(TaskCombat):
		return TaskCombat, nil
	default:
		return "", ErrUnknownTaskType
	}
}

// Reward is an item grant attached to a completed task.
type Reward struct {
	// Type names the reward category (resource, item, experience...).
	Type string `json:"type"`
	// ItemID identifies the granted item, if any.
	ItemID string `json:"itemId,omitempty"`
	// Quantity is the amount granted.
	Quantity int `json:"quantity"`
}

// Task represents a unit of work in a player's queue.
// It is serialized to JSON for the wire and for queue documents.
type Task struct {
	// ID is the unique identifier for the task.
	ID string `json:"id"`
	// Type defines the activity category.
	Type TaskType `json:"type"`
	// Name is the short display name for the task.
	Name string `json:"name"`
	// Description is the long display text for the task.
	Description string `json:"description,omitempty"`
	// DurationMs is the total task duration in milliseconds.
	DurationMs int64 `json:"duration"`
	// StartTime is when the task started running; zero if not started.
	StartTime time.Time `json:"startTime,omitzero"`
	// Progress is the completion fraction in [0,1], non-decreasing while running.
	Progress float64 `json:"progress"`
	// Completed marks the task as finished.
	Completed bool `json:"completed"`
	// Rewards are granted on completion.
	Rewards []Reward `json:"rewards,omitempty"`
	// Priority orders queued tasks; higher runs first.
	Priority int `json:"priority,omitempty"`
	// RetryCount is the number of retry attempts made.
	RetryCount int `json:"retryCount,omitempty"`
	// MaxRetries is the maximum number of retries allowed.
	MaxRetries int `json:"maxRetries,omitempty"`
	// Valid records the outcome of the last validation.
	Valid bool `json:"valid"`
}

// Duration returns the task duration as a time.Duration.
func (t *Task) Duration() time.Duration { return time.Duration(t.DurationMs) * time.Millisecond }

// Active reports whether the task has started and is not yet completed.
func (t *Task) Active() bool { return !t.StartTime.IsZero() && !t.Completed }

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Rewards != nil {
		c.Rewards = make([]Reward, len(t.Rewards))
		copy(c.Rewards, t.Rewards)
	}
	return &c
}
