package gearsync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/GearSync/gearsync-go/internal/hub"
	"github.com/GearSync/gearsync-go/internal/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// decodeErrorBudget is how many malformed frames a session may send before it
// is dropped.
const decodeErrorBudget = 3

// Config defines the configuration for a gateway Server.
type Config struct {
	// Path is the websocket endpoint path, used by Handler. Defaults to "/ws".
	Path string
	// Logger is the logger used for server events.
	Logger Logger
	// Encoder is the wire codec. Defaults to JSONEncoder.
	Encoder Encoder
	// CheckOrigin overrides the upgrader's origin check. Default allows all.
	CheckOrigin func(r *http.Request) bool
	// HistoryLimit bounds queue snapshot history. Defaults to HistoryLimit.
	HistoryLimit int
}

// Server is the authoritative gateway peer: it answers heartbeats, applies
// version-gated deltas to the store, serves full-state sync responses, and
// fans out queue updates to a player's other sessions.
type Server struct {
	st  store.Store
	cfg Config
	enc Encoder
	log Logger

	upgrader websocket.Upgrader
	hub      *hub.Hub

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a gateway server over the given queue store.
func NewServer(st store.Store, cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	if cfg.Encoder == nil {
		cfg.Encoder = &JSONEncoder{}
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = HistoryLimit
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		st:  st,
		cfg: cfg,
		enc: cfg.Encoder,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		hub: hub.New(),
	}
}

// Handler returns a mux serving the websocket endpoint at the configured path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	return mux
}

// ServeHTTP upgrades the request and runs the session's read loop until the
// client disconnects, the decode-error budget is exhausted, or Close.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	playerID := r.URL.Query().Get("playerId")
	if playerID == "" {
		http.Error(w, "playerId required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade failed: %v", err)
		return
	}

	sess := &session{id: uuid.NewString(), playerID: playerID, conn: conn}
	s.hub.Add(playerID, sess)
	s.log.Infof("session opened: player=%s session=%s", playerID, sess.id)
	defer func() {
		_ = conn.Close()
		s.hub.Remove(playerID, sess.id)
		s.log.Infof("session closed: player=%s session=%s", playerID, sess.id)
	}()

	budget := decodeErrorBudget
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := s.enc.Decode(raw, &env); err != nil || env.Type == "" {
			budget--
			s.log.Warnf("malformed frame from player=%s (budget %d): %v", playerID, budget, err)
			if budget <= 0 {
				return
			}
			continue
		}
		s.handle(r.Context(), sess, &env)
	}
}

// Close stops accepting new sessions and closes the live ones.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.Each(func(_ string, hs hub.Session) {
		if sess, ok := hs.(*session); ok {
			sess.close()
		}
	})
	s.wg.Wait()
}

func (s *Server) handle(ctx context.Context, sess *session, env *Envelope) {
	switch env.Type {
	case MsgHeartbeat:
		s.handleHeartbeat(ctx, sess, env)
	case MsgDeltaUpdate, MsgTaskProgress, MsgTaskCompleted:
		s.handleDelta(ctx, sess, env)
	case MsgSyncRequest:
		s.handleSyncRequest(ctx, sess, env)
	default:
		// Unknown payloads still get their ack so SendWithAck callers resolve.
		s.ackIfRequested(sess, env.Data, true, "")
	}
}

func (s *Server) handleHeartbeat(ctx context.Context, sess *session, env *Envelope) {
	var hb HeartbeatPayload
	if err := s.enc.Decode(env.Data, &hb); err != nil {
		s.log.Warnf("malformed heartbeat from player=%s: %v", sess.playerID, err)
		return
	}
	sess.touch(time.Now())

	storedVersion, _, err := s.loadRaw(ctx, sess.playerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Errorf("heartbeat load failed: player=%s err=%v", sess.playerID, err)
	}
	behind := hb.QueueVersion > 0 && storedVersion > hb.QueueVersion

	resp := HeartbeatResponsePayload{
		Timestamp:       hb.Timestamp,
		ServerTime:      time.Now(),
		SyncRecommended: behind,
	}
	s.push(sess, MsgHeartbeatResponse, resp)

	// The version hint says this client missed deltas; nudge it to reconcile.
	if behind {
		s.push(sess, MsgSyncRequest, SyncRequestPayload{
			PlayerID:  sess.playerID,
			MessageID: uuid.NewString(),
			Payload:   SyncRequestArgs{QueueVersion: storedVersion},
		})
	}
}

func (s *Server) handleDelta(ctx context.Context, sess *session, env *Envelope) {
	var d DeltaUpdate
	if err := s.enc.Decode(env.Data, &d); err != nil {
		s.log.Warnf("malformed delta from player=%s: %v", sess.playerID, err)
		s.ackIfRequested(sess, env.Data, false, "malformed delta")
		return
	}
	if d.PlayerID == "" {
		d.PlayerID = sess.playerID
	}

	q, err := s.loadQueue(ctx, d.PlayerID)
	if err != nil {
		s.log.Errorf("delta load failed: player=%s err=%v", d.PlayerID, err)
		s.ackIfRequested(sess, env.Data, false, "load failed")
		return
	}

	// Stale deltas are acknowledged but not applied.
	if d.Version <= q.Version {
		s.log.Debugf("stale delta: player=%s version=%d stored=%d", d.PlayerID, d.Version, q.Version)
		s.ackIfRequested(sess, env.Data, true, "")
		return
	}
	if err := q.ApplyDelta(&d, s.enc); err != nil {
		s.log.Warnf("delta apply failed: player=%s err=%v", d.PlayerID, err)
		s.ackIfRequested(sess, env.Data, false, "apply failed")
		return
	}
	swapped, err := s.saveQueue(ctx, q)
	if err != nil {
		s.log.Errorf("delta save failed: player=%s err=%v", d.PlayerID, err)
		s.ackIfRequested(sess, env.Data, false, "save failed")
		return
	}
	if !swapped {
		// A concurrent session advanced the document first; the fan-out from
		// that session will bring this client forward.
		s.log.Debugf("delta lost CAS: player=%s version=%d", d.PlayerID, q.Version)
		s.ackIfRequested(sess, env.Data, true, "")
		return
	}

	s.ackIfRequested(sess, env.Data, true, "")
	s.fanOutUpdate(d.PlayerID, sess.id, q)
}

func (s *Server) handleSyncRequest(ctx context.Context, sess *session, env *Envelope) {
	var req SyncRequestPayload
	if err := s.enc.Decode(env.Data, &req); err != nil {
		s.log.Warnf("malformed sync request from player=%s: %v", sess.playerID, err)
		return
	}
	playerID := req.PlayerID
	if playerID == "" {
		playerID = sess.playerID
	}
	q, err := s.loadQueue(ctx, playerID)
	if err != nil {
		s.log.Errorf("sync load failed: player=%s err=%v", playerID, err)
		return
	}
	s.push(sess, MsgSyncResponse, SyncResponsePayload{
		MessageID:  req.MessageID,
		PlayerID:   playerID,
		Queue:      q,
		ServerTime: time.Now(),
	})
	s.ackIfRequested(sess, env.Data, true, "")
}

// loadQueue returns the stored queue for the player, initializing an empty one
// when none exists yet.
func (s *Server) loadQueue(ctx context.Context, playerID string) (*TaskQueue, error) {
	_, raw, err := s.loadRaw(ctx, playerID)
	if errors.Is(err, store.ErrNotFound) {
		q := NewTaskQueue(playerID)
		q.SetHistoryLimit(s.cfg.HistoryLimit)
		return q, nil
	}
	if err != nil {
		return nil, err
	}
	var q TaskQueue
	if err := s.enc.Decode(raw, &q); err != nil {
		return nil, err
	}
	q.SetHistoryLimit(s.cfg.HistoryLimit)
	return &q, nil
}

func (s *Server) loadRaw(ctx context.Context, playerID string) (int64, []byte, error) {
	return s.st.Load(ctx, playerID)
}

func (s *Server) saveQueue(ctx context.Context, q *TaskQueue) (bool, error) {
	raw, err := s.enc.Encode(q)
	if err != nil {
		return false, err
	}
	return s.st.Save(ctx, q.PlayerID, q.Version, raw)
}

// fanOutUpdate tells the player's other sessions a delta was accepted.
func (s *Server) fanOutUpdate(playerID, exceptSession string, q *TaskQueue) {
	env, err := NewEnvelope(s.enc, MsgQueueUpdated, QueueUpdatedPayload{
		PlayerID:  playerID,
		Version:   q.Version,
		Checksum:  q.Checksum,
		Timestamp: q.LastUpdated,
	})
	if err != nil {
		s.log.Errorf("encode queue_updated failed: %v", err)
		return
	}
	raw, err := s.enc.Encode(env)
	if err != nil {
		s.log.Errorf("encode queue_updated failed: %v", err)
		return
	}
	n := s.hub.Broadcast(playerID, raw, exceptSession)
	if n > 0 {
		s.log.Debugf("queue_updated fanned out: player=%s sessions=%d version=%d", playerID, n, q.Version)
	}
}

// ackIfRequested acknowledges any inbound data object carrying a messageId.
func (s *Server) ackIfRequested(sess *session, data []byte, success bool, errMsg string) {
	if len(data) == 0 {
		return
	}
	var stamped struct {
		MessageID string `json:"messageId"`
	}
	if err := s.enc.Decode(data, &stamped); err != nil || stamped.MessageID == "" {
		return
	}
	s.push(sess, MsgAck, AckPayload{MessageID: stamped.MessageID, Success: success, Error: errMsg})
}

func (s *Server) push(sess *session, msgType string, payload any) {
	env, err := NewEnvelope(s.enc, msgType, payload)
	if err != nil {
		s.log.Errorf("encode %s failed: %v", msgType, err)
		return
	}
	raw, err := s.enc.Encode(env)
	if err != nil {
		s.log.Errorf("encode %s failed: %v", msgType, err)
		return
	}
	if err := sess.Send(raw); err != nil {
		// A consumer that cannot keep up inside the write deadline is dropped.
		s.log.Warnf("push %s failed, dropping session %s: %v", msgType, sess.id, err)
		sess.close()
	}
}

// session is one connected client. Writes are serialized by a mutex and
// bounded by a write deadline.
type session struct {
	id       string
	playerID string
	conn     *websocket.Conn

	mu       sync.Mutex
	lastSeen time.Time
}

// ID implements hub.Session.
func (s *session) ID() string { return s.id }

// Send implements hub.Session.
func (s *session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing")
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
	_ = s.conn.Close()
}
