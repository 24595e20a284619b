package gearsync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncResult is the outcome of a full reconciliation. A transport-level
// failure yields Success=false with the caller's queue echoed back unchanged;
// conflicts are expected, resolved by policy, and reported here rather than
// surfaced as errors.
type SyncResult struct {
	Success       bool       `json:"success"`
	Conflicts     []Conflict `json:"conflicts"`
	ResolvedQueue *TaskQueue `json:"resolvedQueue"`
}

// syncFlight is an in-progress reconciliation. Concurrent callers for the same
// player join the flight instead of starting a second one.
type syncFlight struct {
	done   chan struct{}
	result SyncResult
}

// Synchronizer keeps client-local task queues convergent with the gateway's
// authoritative copies: incremental deltas as the common case, full-state
// reconciliation as the recovery path. It owns every mutation of the queues it
// tracks; accessors return deep copies.
type Synchronizer struct {
	transport *Transport
	cfg       syncConfig

	mu         sync.Mutex
	queues     map[string]*TaskQueue
	states     map[string]SyncState
	inflight   map[string]*syncFlight
	syncWaits  map[string]chan *SyncResponsePayload
	changeSubs map[uint64]func(q *TaskQueue)
	changeSeq  uint64
	closed     bool

	unsubs []func()
}

// NewSynchronizer creates a synchronizer bound to the transport. It subscribes
// to the server's delta and sync traffic and wires the transport's heartbeat
// queue-version hint. Call Close to unsubscribe.
func NewSynchronizer(transport *Transport, opts ...SyncOption) *Synchronizer {
	cfg := syncConfig{
		logger:       nopLogger{},
		encoder:      &JSONEncoder{},
		syncTimeout:  DefaultSyncTimeout,
		historyLimit: HistoryLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Synchronizer{
		transport:  transport,
		cfg:        cfg,
		queues:     make(map[string]*TaskQueue),
		states:     make(map[string]SyncState),
		inflight:   make(map[string]*syncFlight),
		syncWaits:  make(map[string]chan *SyncResponsePayload),
		changeSubs: make(map[uint64]func(*TaskQueue)),
	}

	s.unsubs = append(s.unsubs,
		transport.Subscribe(MsgDeltaUpdate, s.onDelta),
		transport.Subscribe(MsgTaskProgress, s.onDelta),
		transport.Subscribe(MsgTaskCompleted, s.onDelta),
		transport.Subscribe(MsgQueueUpdated, s.onQueueUpdated),
		transport.Subscribe(MsgSyncRequest, s.onServerSyncHint),
		transport.Subscribe(MsgSyncResponse, s.onSyncResponse),
		transport.OnStatusChange(s.onStatusChange),
	)
	transport.SetQueueVersionHint(s.queueVersion)
	return s
}

// Close unsubscribes from the transport. Tracked queues remain readable.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Track adopts a local queue. The synchronizer works on its own deep copy.
func (s *Synchronizer) Track(q *TaskQueue) {
	c := q.Clone()
	c.SetHistoryLimit(s.cfg.historyLimit)
	if c.Checksum == "" {
		c.Checksum = c.ComputeChecksum()
	}
	s.mu.Lock()
	s.queues[c.PlayerID] = c
	if s.transport.IsConnected() {
		s.states[c.PlayerID] = StateSynced
	} else {
		s.states[c.PlayerID] = StateDisconnected
	}
	s.mu.Unlock()
}

// Queue returns a deep copy of the tracked queue for the player.
func (s *Synchronizer) Queue(playerID string) (*TaskQueue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[playerID]
	if !ok {
		return nil, false
	}
	return q.Clone(), true
}

// State returns the player's sync lifecycle state. Untracked players report
// StateDisconnected. A disconnected player whose transport is mid-attempt
// reports StateConnecting.
func (s *Synchronizer) State(playerID string) SyncState {
	s.mu.Lock()
	st, ok := s.states[playerID]
	s.mu.Unlock()
	if !ok {
		st = StateDisconnected
	}
	if st == StateDisconnected && s.transport.Connecting() {
		return StateConnecting
	}
	return st
}

// OnQueueChange registers an observer invoked with a deep copy of a tracked
// queue after every accepted mutation. Returns an unsubscribe func.
func (s *Synchronizer) OnQueueChange(fn func(q *TaskQueue)) (unsubscribe func()) {
	s.mu.Lock()
	s.changeSeq++
	id := s.changeSeq
	s.changeSubs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.changeSubs, id)
		s.mu.Unlock()
	}
}

// SendDeltaUpdate emits a delta for the player. Connected, it goes out
// immediately; disconnected, it joins the transport's bounded outbound queue
// and is flushed in original emission order on reconnection.
func (s *Synchronizer) SendDeltaUpdate(playerID string, delta *DeltaUpdate) error {
	if delta.PlayerID == "" {
		delta.PlayerID = playerID
	}
	return s.transport.Send(MsgDeltaUpdate, delta)
}

// AddTask optimistically appends a task to the player's queue: snapshot,
// apply, stamp version and checksum, emit the delta, and roll back to the
// snapshot if emission fails.
func (s *Synchronizer) AddTask(playerID string, t *Task) error {
	return s.mutate(playerID, func(q *TaskQueue) (*DeltaUpdate, error) {
		c := t.Clone()
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		q.addTask(c)
		q.Touch(time.Now())
		return NewTaskDelta(s.cfg.encoder, DeltaTaskAdded, q, c)
	})
}

// UpdateTaskProgress records a progress tick. Progress is monotonic; a tick at
// or below the current value is ignored without emitting a delta.
func (s *Synchronizer) UpdateTaskProgress(playerID, taskID string, progress float64) error {
	return s.mutate(playerID, func(q *TaskQueue) (*DeltaUpdate, error) {
		t := q.Task(taskID)
		if t == nil || progress <= t.Progress {
			return nil, nil
		}
		if progress > 1 {
			progress = 1
		}
		t.Progress = progress
		q.Touch(time.Now())
		return NewProgressDelta(s.cfg.encoder, q, taskID, progress)
	})
}

// CompleteTask marks a task finished, removes it from the queue, and promotes
// the next queued task.
func (s *Synchronizer) CompleteTask(playerID, taskID string) error {
	return s.mutate(playerID, func(q *TaskQueue) (*DeltaUpdate, error) {
		t := q.Task(taskID)
		if t == nil {
			return nil, nil
		}
		done := t.Clone()
		done.Completed = true
		done.Progress = 1
		q.completeTask(taskID)
		q.Touch(time.Now())
		d, err := NewTaskDelta(s.cfg.encoder, DeltaTaskCompleted, q, done)
		return d, err
	})
}

// RemoveTask cancels a task.
func (s *Synchronizer) RemoveTask(playerID, taskID string) error {
	return s.mutate(playerID, func(q *TaskQueue) (*DeltaUpdate, error) {
		if q.Task(taskID) == nil {
			return nil, nil
		}
		q.removeTask(taskID)
		q.Touch(time.Now())
		return NewRemovalDelta(q, taskID), nil
	})
}

// mutate runs the optimistic transaction pattern: capture a snapshot, apply
// the mutation, emit its delta, restore the snapshot on failure. The whole
// transaction holds the synchronizer lock so no other mutation can land
// between apply and rollback and get clobbered by the restore.
func (s *Synchronizer) mutate(playerID string, fn func(q *TaskQueue) (*DeltaUpdate, error)) error {
	s.mu.Lock()
	q, ok := s.queues[playerID]
	if !ok {
		s.mu.Unlock()
		return ErrQueueNotTracked
	}
	snap := q.Snapshot(time.Now())
	delta, err := fn(q)
	if err != nil {
		q.Restore(snap)
		s.mu.Unlock()
		return err
	}
	if delta == nil {
		s.mu.Unlock()
		return nil
	}
	if err := s.SendDeltaUpdate(playerID, delta); err != nil {
		q.Restore(snap)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notifyChange(playerID)
	return nil
}

// SyncQueueState performs full reconciliation against the server's snapshot.
// It never returns an error: transport-level failure yields Success=false with
// localQueue echoed back, and the caller keeps operating on local state. Only
// one reconciliation runs at a time per player; concurrent callers receive the
// in-flight result. Passing a nil localQueue reconciles the tracked queue.
func (s *Synchronizer) SyncQueueState(ctx context.Context, playerID string, localQueue *TaskQueue) SyncResult {
	s.mu.Lock()
	if f, ok := s.inflight[playerID]; ok {
		s.mu.Unlock()
		select {
		case <-f.done:
			return f.result
		case <-ctx.Done():
			return SyncResult{Success: false, ResolvedQueue: localQueue}
		}
	}
	if localQueue == nil {
		if q, ok := s.queues[playerID]; ok {
			localQueue = q.Clone()
		} else {
			localQueue = NewTaskQueue(playerID)
		}
	}
	f := &syncFlight{done: make(chan struct{})}
	s.inflight[playerID] = f
	s.states[playerID] = StateReconciling
	s.mu.Unlock()

	f.result = s.reconcile(ctx, playerID, localQueue)

	s.mu.Lock()
	delete(s.inflight, playerID)
	if f.result.Success {
		s.states[playerID] = StateSynced
	} else if _, tracked := s.queues[playerID]; tracked {
		if s.transport.IsConnected() {
			s.states[playerID] = StateDiverged
		} else {
			s.states[playerID] = StateDisconnected
		}
	}
	s.mu.Unlock()
	close(f.done)

	if f.result.Success {
		s.notifyChange(playerID)
	}
	return f.result
}

func (s *Synchronizer) reconcile(ctx context.Context, playerID string, local *TaskQueue) SyncResult {
	failed := SyncResult{Success: false, ResolvedQueue: local}

	msgID := uuid.NewString()
	ch := make(chan *SyncResponsePayload, 1)
	s.mu.Lock()
	s.syncWaits[msgID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.syncWaits, msgID)
		s.mu.Unlock()
	}()

	req := SyncRequestPayload{
		PlayerID:  playerID,
		MessageID: msgID,
		Payload: SyncRequestArgs{
			LastSyncTimestamp: local.LastSynced,
			QueueVersion:      local.Version,
		},
	}
	if err := s.transport.Send(MsgSyncRequest, req); err != nil {
		s.cfg.logger.Warnf("sync request failed: player=%s err=%v", playerID, err)
		return failed
	}

	timer := time.NewTimer(s.cfg.syncTimeout)
	defer timer.Stop()
	var resp *SyncResponsePayload
	select {
	case resp = <-ch:
	case <-timer.C:
		s.cfg.logger.Warnf("sync timed out: player=%s", playerID)
		return failed
	case <-ctx.Done():
		return failed
	}
	if resp.Queue == nil {
		s.cfg.logger.Warnf("sync response without queue: player=%s", playerID)
		return failed
	}

	merged, conflicts, resent := mergeQueues(local, resp.Queue)
	now := time.Now()
	merged.LastSynced = now
	for _, c := range conflicts {
		s.cfg.logger.Infof("conflict resolved: player=%s task=%s field=%s winner=%s",
			playerID, c.TaskID, c.Field, c.Resolution)
	}

	// Tasks the server has never seen go out again as fresh additions. Each
	// delta gets its own version bump; the gateway applies only deltas ahead
	// of its stored version, so a shared version would persist just the first.
	var resend []*DeltaUpdate
	for _, t := range resent {
		merged.Version++
		d, err := NewTaskDelta(s.cfg.encoder, DeltaTaskAdded, merged, t)
		if err != nil {
			s.cfg.logger.Warnf("re-send of local task %s failed: %v", t.ID, err)
			continue
		}
		resend = append(resend, d)
	}

	s.mu.Lock()
	if _, tracked := s.queues[playerID]; tracked {
		adopted := merged.Clone()
		adopted.SetHistoryLimit(s.cfg.historyLimit)
		s.queues[playerID] = adopted
	}
	s.mu.Unlock()

	for _, d := range resend {
		if err := s.SendDeltaUpdate(playerID, d); err != nil {
			s.cfg.logger.Warnf("re-send of local task %s failed: %v", d.TaskID, err)
		}
	}

	return SyncResult{Success: true, Conflicts: conflicts, ResolvedQueue: merged}
}

// mergeQueues reconciles a local queue against the server's snapshot. It
// returns the merged queue, the conflicts that were detected and resolved, and
// the local-only tasks that must be re-sent as additions.
//
// Matching tasks resolve per resolveTask. Tasks only the server knows are
// adopted; tasks only the client knows are retained as not-yet-synced
// additions. When the two sides are structurally identical (equal checksums)
// the higher version is accepted as-is; otherwise the merged queue gets
// version max(local, server)+1 and a freshly computed checksum.
func mergeQueues(local, server *TaskQueue) (merged *TaskQueue, conflicts []Conflict, resent []*Task) {
	if local.Checksum == server.Checksum {
		merged = local.Clone()
		if server.Version > merged.Version {
			merged.Version = server.Version
		}
		return merged, nil, nil
	}

	localTasks := local.Tasks()
	localByID := make(map[string]*Task, len(localTasks))
	for _, t := range localTasks {
		localByID[t.ID] = t
	}
	serverSeen := make(map[string]bool)

	var tasks []*Task
	for _, st := range server.Tasks() {
		serverSeen[st.ID] = true
		lt, ok := localByID[st.ID]
		if !ok {
			tasks = append(tasks, st.Clone())
			continue
		}
		winner, cs := resolveTask(lt, st, local.Version, server.Version)
		conflicts = append(conflicts, cs...)
		if !winner.Completed {
			tasks = append(tasks, winner)
		}
	}
	for _, lt := range localTasks {
		if !serverSeen[lt.ID] {
			c := lt.Clone()
			tasks = append(tasks, c)
			resent = append(resent, c)
		}
	}

	merged = &TaskQueue{
		PlayerID: local.PlayerID,
		IsPaused: local.IsPaused,
		Stats:    local.Stats,
	}
	if server.Version > local.Version {
		merged.IsPaused = server.IsPaused
		merged.Stats = server.Stats
	}
	if len(tasks) > 0 {
		merged.CurrentTask = tasks[0]
		merged.QueuedTasks = tasks[1:]
	} else {
		merged.QueuedTasks = []*Task{}
	}

	merged.IsRunning = local.IsRunning || server.IsRunning
	if local.IsRunning != server.IsRunning {
		res := ResolutionLocal
		switch {
		case !server.IsRunning:
			// A server-declared ended queue always overrides a local running flag.
			res = ResolutionServer
		case server.Version > local.Version:
			res = ResolutionServer
		}
		conflicts = append(conflicts, Conflict{
			Field:       "isRunning",
			LocalValue:  local.IsRunning,
			ServerValue: server.IsRunning,
			Resolution:  res,
		})
		if res == ResolutionServer {
			merged.IsRunning = server.IsRunning
		} else {
			merged.IsRunning = local.IsRunning
		}
	}
	if merged.CurrentTask == nil {
		merged.IsRunning = false
	}

	maxV := local.Version
	if server.Version > maxV {
		maxV = server.Version
	}
	merged.Version = maxV + 1
	merged.Checksum = merged.ComputeChecksum()
	merged.LastUpdated = time.Now()
	merged.pushHistory(merged.LastUpdated)
	return merged, conflicts, resent
}

// queueVersion backs the transport's heartbeat sync hint.
func (s *Synchronizer) queueVersion(playerID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[playerID]; ok {
		return q.Version
	}
	return 0
}

// onDelta applies a server-originated delta to the tracked queue. Deltas at or
// below the local version are stale and skipped; a post-apply checksum
// mismatch marks the player diverged and triggers a coalesced reconciliation.
func (s *Synchronizer) onDelta(ctx context.Context, env *Envelope) error {
	var d DeltaUpdate
	if err := s.cfg.encoder.Decode(env.Data, &d); err != nil {
		return err
	}

	s.mu.Lock()
	q, ok := s.queues[d.PlayerID]
	if !ok {
		s.mu.Unlock()
		s.cfg.logger.Debugf("delta for untracked player %s ignored", d.PlayerID)
		return nil
	}
	if d.Version <= q.Version {
		s.mu.Unlock()
		s.cfg.logger.Debugf("stale delta skipped: player=%s version=%d local=%d", d.PlayerID, d.Version, q.Version)
		return nil
	}
	if err := q.ApplyDelta(&d, s.cfg.encoder); err != nil {
		s.mu.Unlock()
		return err
	}
	diverged := d.Checksum != "" && q.Checksum != d.Checksum
	if diverged {
		s.states[d.PlayerID] = StateDiverged
	} else {
		s.states[d.PlayerID] = StateSynced
	}
	s.mu.Unlock()

	s.notifyChange(d.PlayerID)
	if diverged {
		s.cfg.logger.Warnf("checksum diverged after delta: player=%s version=%d", d.PlayerID, d.Version)
		go s.SyncQueueState(context.Background(), d.PlayerID, nil)
	}
	return nil
}

// onQueueUpdated reacts to the server's fan-out of another session's change.
func (s *Synchronizer) onQueueUpdated(ctx context.Context, env *Envelope) error {
	var p QueueUpdatedPayload
	if err := s.cfg.encoder.Decode(env.Data, &p); err != nil {
		return err
	}
	s.mu.Lock()
	q, ok := s.queues[p.PlayerID]
	behind := ok && (p.Version > q.Version || (p.Version == q.Version && p.Checksum != q.Checksum))
	if behind {
		s.states[p.PlayerID] = StateDiverged
	}
	s.mu.Unlock()
	if behind {
		go s.SyncQueueState(context.Background(), p.PlayerID, nil)
	}
	return nil
}

// onServerSyncHint handles a server-pushed sync_request telling this client it
// has fallen behind. An optimization only; correctness rests on SyncQueueState.
func (s *Synchronizer) onServerSyncHint(ctx context.Context, env *Envelope) error {
	var p SyncRequestPayload
	if err := s.cfg.encoder.Decode(env.Data, &p); err != nil {
		return err
	}
	s.mu.Lock()
	_, tracked := s.queues[p.PlayerID]
	s.mu.Unlock()
	if tracked {
		go s.SyncQueueState(context.Background(), p.PlayerID, nil)
	}
	return nil
}

func (s *Synchronizer) onSyncResponse(ctx context.Context, env *Envelope) error {
	var p SyncResponsePayload
	if err := s.cfg.encoder.Decode(env.Data, &p); err != nil {
		return err
	}
	s.mu.Lock()
	ch, ok := s.syncWaits[p.MessageID]
	if ok {
		delete(s.syncWaits, p.MessageID)
	}
	s.mu.Unlock()
	if ok {
		ch <- &p
	}
	return nil
}

// onStatusChange marks tracked players disconnected on link loss and kicks off
// a background reconciliation for each of them on reconnection.
func (s *Synchronizer) onStatusChange(connected bool) {
	s.mu.Lock()
	players := make([]string, 0, len(s.queues))
	for id := range s.queues {
		players = append(players, id)
		if !connected {
			s.states[id] = StateDisconnected
		}
	}
	s.mu.Unlock()
	if !connected {
		return
	}
	for _, id := range players {
		go s.SyncQueueState(context.Background(), id, nil)
	}
}

func (s *Synchronizer) notifyChange(playerID string) {
	s.mu.Lock()
	q, ok := s.queues[playerID]
	if !ok || len(s.changeSubs) == 0 {
		s.mu.Unlock()
		return
	}
	copyQ := q.Clone()
	subs := make([]func(*TaskQueue), 0, len(s.changeSubs))
	for _, fn := range s.changeSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(copyQ)
	}
}
