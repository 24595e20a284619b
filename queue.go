package gearsync

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
)

// HistoryLimit is the default number of queue snapshots retained for rollback.
const HistoryLimit = 10

// QueueStats holds completion statistics for a task queue.
type QueueStats struct {
	// TasksCompleted is the number of tasks finished since queue creation.
	TasksCompleted int `json:"tasksCompleted"`
	// TotalDurationMs is the summed duration of completed tasks in milliseconds.
	TotalDurationMs int64 `json:"totalDuration"`
	// EfficiencyScore rates the player's queue utilization.
	EfficiencyScore float64 `json:"efficiencyScore"`
}

// QueueSnapshot is a rollback-capable copy of a queue's synchronized fields.
type QueueSnapshot struct {
	Version     int64      `json:"version"`
	Checksum    string     `json:"checksum"`
	Timestamp   time.Time  `json:"timestamp"`
	CurrentTask *Task      `json:"currentTask,omitempty"`
	QueuedTasks []*Task    `json:"queuedTasks"`
	IsRunning   bool       `json:"isRunning"`
	IsPaused    bool       `json:"isPaused"`
	Stats       QueueStats `json:"stats"`
	LastUpdated time.Time  `json:"lastUpdated"`
}

// TaskQueue is the per-player aggregate kept convergent between client and server.
// Version strictly increases on every accepted mutation; Checksum must match a
// recomputation over the task list or the queue is considered corrupt.
type TaskQueue struct {
	// PlayerID identifies the owning player.
	PlayerID string `json:"playerId"`
	// CurrentTask is the task currently running, if any. At most one per player.
	CurrentTask *Task `json:"currentTask,omitempty"`
	// QueuedTasks are tasks waiting to run, in execution order.
	QueuedTasks []*Task `json:"queuedTasks"`
	// IsRunning reports whether the queue is actively processing.
	IsRunning bool `json:"isRunning"`
	// IsPaused reports whether the player paused the queue.
	IsPaused bool `json:"isPaused"`
	// Stats accumulates completion statistics.
	Stats QueueStats `json:"stats"`
	// Version increases monotonically on every accepted mutation.
	Version int64 `json:"version"`
	// Checksum is the deterministic fingerprint of the task list.
	Checksum string `json:"checksum"`
	// LastUpdated is when the queue last mutated.
	LastUpdated time.Time `json:"lastUpdated"`
	// LastSynced is when the queue last reconciled with the server.
	LastSynced time.Time `json:"lastSynced,omitzero"`
	// StateHistory holds the most recent snapshots, newest last.
	StateHistory []QueueSnapshot `json:"stateHistory,omitempty"`

	// historyLimit overrides HistoryLimit when positive.
	historyLimit int
}

// NewTaskQueue creates an empty, checksummed queue for a player.
func NewTaskQueue(playerID string) *TaskQueue {
	q := &TaskQueue{
		PlayerID:    playerID,
		QueuedTasks: []*Task{},
		LastUpdated: time.Now(),
	}
	q.Checksum = q.ComputeChecksum()
	return q
}

// SetHistoryLimit bounds the number of retained snapshots. Zero restores the default.
func (q *TaskQueue) SetHistoryLimit(n int) { q.historyLimit = n }

// Tasks returns the ordered task list with the current task first when present.
// The returned slice shares task pointers with the queue.
func (q *TaskQueue) Tasks() []*Task {
	out := make([]*Task, 0, len(q.QueuedTasks)+1)
	if q.CurrentTask != nil {
		out = append(out, q.CurrentTask)
	}
	return append(out, q.QueuedTasks...)
}

// Task returns the task with the given ID, or nil.
func (q *TaskQueue) Task(id string) *Task {
	for _, t := range q.Tasks() {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// ComputeChecksum fingerprints the ordered task list's identity and mutable
// fields (id, progress, completed, type). Structurally identical queues hash
// equal; any task mutation changes the value. This is a divergence signal, not
// a cryptographic guarantee.
func (q *TaskQueue) ComputeChecksum() string {
	h := xxhash.New()
	var buf [8]byte
	for _, t := range q.Tasks() {
		_, _ = h.WriteString(t.ID)
		_, _ = h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(t.Progress))
		_, _ = h.Write(buf[:])
		if t.Completed {
			_, _ = h.Write([]byte{1})
		} else {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.WriteString(string(t.Type))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Touch stamps a completed local mutation: bumps the version, recomputes the
// checksum, updates LastUpdated, and records a snapshot.
func (q *TaskQueue) Touch(now time.Time) {
	q.Version++
	q.Checksum = q.ComputeChecksum()
	q.LastUpdated = now
	q.pushHistory(now)
}

// Snapshot captures the queue's synchronized fields for later Restore.
func (q *TaskQueue) Snapshot(now time.Time) QueueSnapshot {
	s := QueueSnapshot{
		Version:     q.Version,
		Checksum:    q.Checksum,
		Timestamp:   now,
		CurrentTask: q.CurrentTask.Clone(),
		QueuedTasks: cloneTasks(q.QueuedTasks),
		IsRunning:   q.IsRunning,
		IsPaused:    q.IsPaused,
		Stats:       q.Stats,
		LastUpdated: q.LastUpdated,
	}
	return s
}

// Restore rolls the queue back to a previously captured snapshot, Stats and
// pause flag included, so a failed transaction leaves no partial bookkeeping.
func (q *TaskQueue) Restore(s QueueSnapshot) {
	q.Version = s.Version
	q.Checksum = s.Checksum
	q.CurrentTask = s.CurrentTask.Clone()
	q.QueuedTasks = cloneTasks(s.QueuedTasks)
	q.IsRunning = s.IsRunning
	q.IsPaused = s.IsPaused
	q.Stats = s.Stats
	q.LastUpdated = s.LastUpdated
}

// Clone returns a deep copy of the queue.
func (q *TaskQueue) Clone() *TaskQueue {
	if q == nil {
		return nil
	}
	c := *q
	c.CurrentTask = q.CurrentTask.Clone()
	c.QueuedTasks = cloneTasks(q.QueuedTasks)
	c.StateHistory = make([]QueueSnapshot, len(q.StateHistory))
	for i, s := range q.StateHistory {
		c.StateHistory[i] = s
		c.StateHistory[i].CurrentTask = s.CurrentTask.Clone()
		c.StateHistory[i].QueuedTasks = cloneTasks(s.QueuedTasks)
	}
	return &c
}

// Validate checks queue integrity: the stored checksum must match a
// recomputation and every task's progress must stay within [0,1].
func (q *TaskQueue) Validate() error {
	if q.Checksum != q.ComputeChecksum() {
		return fmt.Errorf("player %s version %d: %w", q.PlayerID, q.Version, ErrQueueCorrupt)
	}
	for _, t := range q.Tasks() {
		if t.Progress < 0 || t.Progress > 1 {
			return fmt.Errorf("task %s progress %v out of range: %w", t.ID, t.Progress, ErrQueueCorrupt)
		}
	}
	return nil
}

// ApplyDelta applies a wire delta to the queue, adopting the delta's version
// and timestamp and recomputing the checksum. Both client and server run this
// same routine so replicas converge. The caller is responsible for version
// gating (skipping deltas at or below the local version).
func (q *TaskQueue) ApplyDelta(d *DeltaUpdate, enc Encoder) error {
	switch d.Type {
	case DeltaTaskAdded:
		var t Task
		if err := enc.Decode(d.Data, &t); err != nil {
			return fmt.Errorf("decode task_added payload: %w", err)
		}
		q.addTask(&t)
	case DeltaTaskUpdated:
		var t Task
		if err := enc.Decode(d.Data, &t); err != nil {
			return fmt.Errorf("decode task_updated payload: %w", err)
		}
		q.replaceTask(&t)
	case DeltaTaskProgress:
		var p TaskProgressPayload
		if err := enc.Decode(d.Data, &p); err != nil {
			return fmt.Errorf("decode task_progress payload: %w", err)
		}
		if t := q.Task(d.TaskID); t != nil && p.Progress > t.Progress {
			t.Progress = p.Progress
		}
	case DeltaTaskCompleted:
		q.completeTask(d.TaskID)
	case DeltaTaskRemoved:
		q.removeTask(d.TaskID)
	default:
		return fmt.Errorf("gearsync: unknown delta type %q", d.Type)
	}
	q.Version = d.Version
	q.Checksum = q.ComputeChecksum()
	q.LastUpdated = d.Timestamp
	q.pushHistory(d.Timestamp)
	return nil
}

func (q *TaskQueue) addTask(t *Task) {
	if existing := q.Task(t.ID); existing != nil {
		q.replaceTask(t)
		return
	}
	if q.CurrentTask == nil {
		q.CurrentTask = t
		q.IsRunning = !q.IsPaused
		return
	}
	q.QueuedTasks = append(q.QueuedTasks, t)
}

func (q *TaskQueue) replaceTask(t *Task) {
	if q.CurrentTask != nil && q.CurrentTask.ID == t.ID {
		q.CurrentTask = t
		return
	}
	for i, qt := range q.QueuedTasks {
		if qt.ID == t.ID {
			q.QueuedTasks[i] = t
			return
		}
	}
	q.addTask(t)
}

func (q *TaskQueue) completeTask(id string) {
	t := q.Task(id)
	if t == nil {
		return
	}
	t.Completed = true
	t.Progress = 1
	q.Stats.TasksCompleted++
	q.Stats.TotalDurationMs += t.DurationMs
	q.removeTask(id)
}

func (q *TaskQueue) removeTask(id string) {
	if q.CurrentTask != nil && q.CurrentTask.ID == id {
		q.CurrentTask = nil
		q.promoteNext()
		return
	}
	for i, t := range q.QueuedTasks {
		if t.ID == id {
			q.QueuedTasks = append(q.QueuedTasks[:i], q.QueuedTasks[i+1:]...)
			return
		}
	}
}

// promoteNext moves the head of the queued list into the current slot.
func (q *TaskQueue) promoteNext() {
	if len(q.QueuedTasks) == 0 {
		q.IsRunning = false
		return
	}
	q.CurrentTask = q.QueuedTasks[0]
	q.QueuedTasks = q.QueuedTasks[1:]
	q.IsRunning = !q.IsPaused
}

func (q *TaskQueue) pushHistory(now time.Time) {
	limit := q.historyLimit
	if limit <= 0 {
		limit = HistoryLimit
	}
	q.StateHistory = append(q.StateHistory, q.Snapshot(now))
	if n := len(q.StateHistory); n > limit {
		q.StateHistory = append(q.StateHistory[:0], q.StateHistory[n-limit:]...)
	}
}

func cloneTasks(ts []*Task) []*Task {
	out := make([]*Task, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}
