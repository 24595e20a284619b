package gearsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// respondSync answers the first sync_request seen on the conn with the given
// server-side queue snapshot.
func respondSync(conn *fakeConn, queue *TaskQueue, delay time.Duration) {
	enc := &JSONEncoder{}
	for i := 0; i < 400; i++ {
		if id := conn.stampedMessageID(MsgSyncRequest); id != "" {
			time.Sleep(delay)
			resp := SyncResponsePayload{
				MessageID:  id,
				PlayerID:   queue.PlayerID,
				Queue:      queue,
				ServerTime: time.Now(),
			}
			env, _ := NewEnvelope(enc, MsgSyncResponse, resp)
			raw, _ := json.Marshal(env)
			conn.inbound <- raw
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newSyncedPair(t *testing.T, opts ...SyncOption) (*Transport, *Synchronizer, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	tr := NewTransport("ws://gateway/ws",
		WithDialer(d.dial),
		WithHeartbeatInterval(time.Hour),
	)
	s := NewSynchronizer(tr, opts...)
	require.NoError(t, tr.Connect(context.Background(), "p1"))
	t.Cleanup(func() {
		s.Close()
		tr.Disconnect()
	})
	return tr, s, d
}

func TestSynchronizer_TrackAndQueueCopies(t *testing.T) {
	_, s, _ := newSyncedPair(t)

	local := NewTaskQueue("p1")
	local.addTask(mkTask("t1", 0.5))
	local.Touch(time.Now())
	s.Track(local)
	require.Equal(t, StateSynced, s.State("p1"))

	// the synchronizer works on its own copy
	local.Task("t1").Progress = 0.9
	q, ok := s.Queue("p1")
	require.True(t, ok)
	require.Equal(t, 0.5, q.Task("t1").Progress)

	// and hands out copies too
	q.Task("t1").Progress = 0.1
	q2, _ := s.Queue("p1")
	require.Equal(t, 0.5, q2.Task("t1").Progress)

	require.Equal(t, StateDisconnected, s.State("nobody"))
}

func TestSynchronizer_AddTaskEmitsDelta(t *testing.T) {
	_, s, d := newSyncedPair(t)
	s.Track(NewTaskQueue("p1"))

	var notified *TaskQueue
	s.OnQueueChange(func(q *TaskQueue) { notified = q })

	require.NoError(t, s.AddTask("p1", mkTask("t1", 0)))

	q, _ := s.Queue("p1")
	require.NotNil(t, q.CurrentTask)
	require.EqualValues(t, 1, q.Version)
	require.NotNil(t, notified, "observers see accepted mutations")

	envs := d.conn(0).envelopes(t)
	require.Len(t, envs, 1)
	require.Equal(t, MsgDeltaUpdate, envs[0].Type)
	var delta DeltaUpdate
	require.NoError(t, json.Unmarshal(envs[0].Data, &delta))
	require.Equal(t, DeltaTaskAdded, delta.Type)
	require.Equal(t, q.Checksum, delta.Checksum)
	require.EqualValues(t, 1, delta.Version)

	require.ErrorIs(t, s.AddTask("nobody", mkTask("x", 0)), ErrQueueNotTracked)
}

func TestSynchronizer_ProgressMonotonicAndCompletion(t *testing.T) {
	_, s, d := newSyncedPair(t)
	s.Track(NewTaskQueue("p1"))
	require.NoError(t, s.AddTask("p1", mkTask("t1", 0)))

	require.NoError(t, s.UpdateTaskProgress("p1", "t1", 0.6))
	// a lower tick is ignored without traffic
	require.NoError(t, s.UpdateTaskProgress("p1", "t1", 0.4))
	q, _ := s.Queue("p1")
	require.Equal(t, 0.6, q.Task("t1").Progress)

	require.NoError(t, s.CompleteTask("p1", "t1"))
	q, _ = s.Queue("p1")
	require.Nil(t, q.Task("t1"))
	require.Equal(t, 1, q.Stats.TasksCompleted)
	require.False(t, q.IsRunning)

	// add, progress, completed: exactly three deltas on the wire
	envs := d.conn(0).envelopes(t)
	require.Len(t, envs, 3)
}

type brokenEncoder struct{}

func (brokenEncoder) Encode(any) ([]byte, error)   { return nil, errors.New("encode blew up") }
func (brokenEncoder) Decode(d []byte, v any) error { return json.Unmarshal(d, v) }

func TestSynchronizer_MutationRollsBackOnEmitFailure(t *testing.T) {
	_, s, _ := newSyncedPair(t, WithSyncEncoder(brokenEncoder{}))

	local := NewTaskQueue("p1")
	local.addTask(mkTask("t1", 0.5))
	local.Touch(time.Now())
	s.Track(local)

	err := s.AddTask("p1", mkTask("t2", 0))
	require.Error(t, err)

	q, _ := s.Queue("p1")
	require.Nil(t, q.Task("t2"), "failed mutation must roll back")
	require.EqualValues(t, 1, q.Version)
	require.NoError(t, q.Validate())

	// a failed completion leaves no bookkeeping behind either
	require.Error(t, s.CompleteTask("p1", "t1"))
	q, _ = s.Queue("p1")
	require.NotNil(t, q.Task("t1"), "completed task must come back")
	require.Equal(t, 0, q.Stats.TasksCompleted, "stats must roll back with the task")
	require.EqualValues(t, 0, q.Stats.TotalDurationMs)
	require.EqualValues(t, 1, q.Version)
	require.NoError(t, q.Validate())
}

func TestSynchronizer_SyncTimeoutEchoesLocal(t *testing.T) {
	_, s, _ := newSyncedPair(t, WithSyncTimeout(30*time.Millisecond))

	local := NewTaskQueue("p1")
	local.addTask(mkTask("t1", 0.5))
	local.Touch(time.Now())
	s.Track(local)

	res := s.SyncQueueState(context.Background(), "p1", nil)
	require.False(t, res.Success)
	require.Empty(t, res.Conflicts)
	require.NotNil(t, res.ResolvedQueue)
	require.Equal(t, 0.5, res.ResolvedQueue.Task("t1").Progress, "failure echoes local state")
	require.Equal(t, StateDiverged, s.State("p1"))

	// local state is untouched and usable
	q, _ := s.Queue("p1")
	require.EqualValues(t, 1, q.Version)
}

func TestSynchronizer_SyncResolvesConflicts(t *testing.T) {
	_, s, d := newSyncedPair(t, WithSyncTimeout(2*time.Second))

	local := NewTaskQueue("p1")
	local.addTask(mkTask("t1", 0.3))
	local.addTask(mkTask("local-only", 0))
	local.Touch(time.Now()) // v1
	s.Track(local)

	server := NewTaskQueue("p1")
	server.addTask(mkTask("t1", 0.7))
	server.Touch(time.Now())
	server.Touch(time.Now()) // v2

	go respondSync(d.conn(0), server, 0)
	res := s.SyncQueueState(context.Background(), "p1", nil)

	require.True(t, res.Success)
	require.Equal(t, 0.7, res.ResolvedQueue.Task("t1").Progress, "server's newer progress wins")
	require.NotNil(t, res.ResolvedQueue.Task("local-only"), "local-only tasks are retained")
	// merge to v3, then one more step for the re-sent local-only task
	require.EqualValues(t, 4, res.ResolvedQueue.Version)
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, "progress", res.Conflicts[0].Field)
	require.Equal(t, StateSynced, s.State("p1"))

	// the tracked queue adopted the merge
	q, _ := s.Queue("p1")
	require.Equal(t, res.ResolvedQueue.Checksum, q.Checksum)

	// the local-only task goes out again as a fresh addition
	eventually(t, time.Second, func() bool {
		for _, env := range d.conn(0).envelopes(t) {
			if env.Type != MsgDeltaUpdate {
				continue
			}
			var delta DeltaUpdate
			if json.Unmarshal(env.Data, &delta) == nil &&
				delta.Type == DeltaTaskAdded && delta.TaskID == "local-only" {
				return true
			}
		}
		return false
	}, "local-only task was never re-sent")
}

func TestSynchronizer_ResentTasksCarryDistinctVersions(t *testing.T) {
	_, s, d := newSyncedPair(t, WithSyncTimeout(2*time.Second))

	local := NewTaskQueue("p1")
	local.addTask(mkTask("a", 0))
	local.addTask(mkTask("b", 0))
	local.Touch(time.Now()) // v1
	s.Track(local)

	// the server has never heard of this player
	go respondSync(d.conn(0), NewTaskQueue("p1"), 0)
	res := s.SyncQueueState(context.Background(), "p1", nil)
	require.True(t, res.Success)

	// both tasks go out again, each one version ahead of the last; a shared
	// version would have everything after the first dropped as stale
	var added []DeltaUpdate
	eventually(t, time.Second, func() bool {
		added = added[:0]
		for _, env := range d.conn(0).envelopes(t) {
			if env.Type != MsgDeltaUpdate {
				continue
			}
			var delta DeltaUpdate
			if json.Unmarshal(env.Data, &delta) == nil && delta.Type == DeltaTaskAdded {
				added = append(added, delta)
			}
		}
		return len(added) == 2
	}, "expected both local tasks back on the wire")

	require.Equal(t, "a", added[0].TaskID)
	require.Equal(t, "b", added[1].TaskID)
	require.Greater(t, added[1].Version, added[0].Version)

	// the tracked queue keeps pace with the last delta it emitted
	q, _ := s.Queue("p1")
	require.Equal(t, added[1].Version, q.Version)
}

// pickyEncoder rejects deltas for task ids ending in "-reject", so a test can
// interleave succeeding and failing transactions on one queue.
type pickyEncoder struct{}

func (pickyEncoder) Encode(v any) ([]byte, error) {
	if d, ok := v.(*DeltaUpdate); ok && strings.HasSuffix(d.TaskID, "-reject") {
		return nil, errors.New("encode rejected")
	}
	return json.Marshal(v)
}

func (pickyEncoder) Decode(d []byte, v any) error { return json.Unmarshal(d, v) }

func TestSynchronizer_ConcurrentMutationsSurviveRollbacks(t *testing.T) {
	d := &fakeDialer{}
	tr := NewTransport("ws://gateway/ws",
		WithDialer(d.dial),
		WithEncoder(pickyEncoder{}),
		WithHeartbeatInterval(time.Hour),
	)
	s := NewSynchronizer(tr)
	require.NoError(t, tr.Connect(context.Background(), "p1"))
	t.Cleanup(func() {
		s.Close()
		tr.Disconnect()
	})
	s.Track(NewTaskQueue("p1"))

	// rejected transactions roll back; the rollback must never clobber a
	// concurrent accepted mutation
	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			errs <- s.AddTask("p1", mkTask(fmt.Sprintf("keep-%02d", i), 0))
		}(i)
		go func(i int) {
			defer wg.Done()
			if err := s.AddTask("p1", mkTask(fmt.Sprintf("t%02d-reject", i), 0)); err == nil {
				errs <- errors.New("rejected task was accepted")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	q, _ := s.Queue("p1")
	require.NoError(t, q.Validate())
	require.EqualValues(t, n, q.Version, "one version step per accepted mutation")
	for i := 0; i < n; i++ {
		require.NotNil(t, q.Task(fmt.Sprintf("keep-%02d", i)))
		require.Nil(t, q.Task(fmt.Sprintf("t%02d-reject", i)))
	}
}

func TestSynchronizer_ConcurrentSyncsCoalesce(t *testing.T) {
	_, s, d := newSyncedPair(t, WithSyncTimeout(2*time.Second))

	local := NewTaskQueue("p1")
	local.addTask(mkTask("t1", 0.3))
	local.Touch(time.Now())
	s.Track(local)

	server := local.Clone()
	server.Task("t1").Progress = 0.8
	server.Touch(time.Now())

	go respondSync(d.conn(0), server, 50*time.Millisecond)

	results := make(chan SyncResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- s.SyncQueueState(context.Background(), "p1", nil)
		}()
	}
	r1, r2 := <-results, <-results
	require.True(t, r1.Success)
	require.True(t, r2.Success)
	require.Equal(t, r1.ResolvedQueue.Checksum, r2.ResolvedQueue.Checksum)

	requests := 0
	for _, env := range d.conn(0).envelopes(t) {
		if env.Type == MsgSyncRequest {
			requests++
		}
	}
	require.Equal(t, 1, requests, "concurrent callers must share one reconciliation")
}

func TestSynchronizer_StaleDeltaSkipped(t *testing.T) {
	_, s, d := newSyncedPair(t)

	tracked := NewTaskQueue("p1")
	tracked.addTask(mkTask("t1", 0.2))
	tracked.Touch(time.Now()) // v1
	s.Track(tracked)

	// a replica one step ahead produces a delta the client hasn't seen
	leader := tracked.Clone()
	leader.Task("t1").Progress = 0.5
	leader.Touch(time.Now()) // v2
	fresh, err := NewProgressDelta(&JSONEncoder{}, leader, "t1", 0.5)
	require.NoError(t, err)

	// same payload replayed at the local version is stale
	stale := *fresh
	stale.Version = 1

	conn := d.conn(0)
	conn.serve(t, MsgDeltaUpdate, &stale)
	conn.serve(t, MsgDeltaUpdate, fresh)

	eventually(t, time.Second, func() bool {
		q, _ := s.Queue("p1")
		return q.Task("t1").Progress == 0.5
	}, "fresh delta never applied")
	q, _ := s.Queue("p1")
	require.EqualValues(t, 2, q.Version)
	require.Equal(t, StateSynced, s.State("p1"))
}

func TestSynchronizer_ConnectingState(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	tr := NewTransport("ws://gateway/ws",
		WithDialer(d.dial),
		WithHeartbeatInterval(time.Hour),
	)
	s := NewSynchronizer(tr)
	t.Cleanup(func() {
		s.Close()
		tr.Disconnect()
	})
	s.Track(NewTaskQueue("p1"))
	require.Equal(t, StateDisconnected, s.State("p1"))

	done := make(chan error, 1)
	go func() { done <- tr.Connect(context.Background(), "p1") }()
	eventually(t, time.Second, func() bool {
		return s.State("p1") == StateConnecting
	}, "attempt in flight should report connecting")

	close(d.gate)
	require.NoError(t, <-done)
}

func TestSynchronizer_DisconnectMarksPlayers(t *testing.T) {
	tr, s, _ := newSyncedPair(t)
	s.Track(NewTaskQueue("p1"))
	require.Equal(t, StateSynced, s.State("p1"))

	tr.Disconnect()
	eventually(t, time.Second, func() bool {
		return s.State("p1") == StateDisconnected
	}, "players not marked disconnected on link loss")
}
