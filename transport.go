package gearsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/GearSync/gearsync-go/internal/acks"
	"github.com/GearSync/gearsync-go/internal/backoff"
	"github.com/GearSync/gearsync-go/internal/msgctx"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// writeWait bounds a single websocket write.
const writeWait = 10 * time.Second

// CloseHealthFailure is the close code sent when the heartbeat monitor
// declares the link stale.
const CloseHealthFailure = 4000

// Conn is the minimal websocket surface the transport uses. *websocket.Conn
// satisfies it; tests substitute fakes via WithDialer.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

func defaultDialer(ctx context.Context, rawURL string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Transport maintains a logical always-on connection to the gateway over an
// unreliable physical link: automatic reconnect with exponential backoff,
// heartbeat liveness, and a bounded outbound queue for offline periods.
//
// Construct one per player session with NewTransport and tear it down with
// Disconnect; there is no process-wide instance.
type Transport struct {
	url   string
	cfg   transportConfig
	mux   *Mux
	acks  *acks.Tracker
	sched backoff.Scheduler

	health healthMonitor

	mu                sync.Mutex
	conn              Conn
	connID            string
	playerID          string
	connected         bool
	closed            bool
	reconnectAttempts int
	outbound          [][]byte
	connecting        chan struct{}
	connectErr        error
	statusSubs        map[uint64]func(connected bool)
	statusSeq         uint64

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewTransport creates a transport for the given websocket URL. The link is
// not opened until Connect.
func NewTransport(rawURL string, opts ...TransportOption) *Transport {
	cfg := transportConfig{
		logger:            nopLogger{},
		encoder:           &JSONEncoder{},
		netmon:            alwaysOnline{},
		dialer:            defaultDialer,
		connectTimeout:    DefaultConnectTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		staleAfter:        DefaultStaleAfter,
		ackTimeout:        DefaultAckTimeout,
		ackSweepInterval:  DefaultAckSweepInterval,
		maxQueued:         DefaultMaxQueuedMessages,
		maxReconnect:      DefaultMaxReconnectAttempts,
		backoffBase:       DefaultBackoffBase,
		backoffMax:        DefaultBackoffMax,
		waitOnlineLimit:   DefaultWaitOnlineLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Transport{
		url:        rawURL,
		cfg:        cfg,
		mux:        NewMux(),
		acks:       acks.New(cfg.ackSweepInterval, ErrAckTimeout),
		statusSubs: make(map[uint64]func(bool)),
	}
}

// SetQueueVersionHint wires the heartbeat's queue-version hint after
// construction. NewSynchronizer uses this to advertise the tracked queue's
// version.
func (t *Transport) SetQueueVersionHint(fn func(playerID string) int64) {
	t.mu.Lock()
	t.cfg.versionHint = fn
	t.mu.Unlock()
}

// Connect establishes the link for the player. It fails fast with ErrOffline
// when the device is known offline, and with ErrConnectTimeout when the dial
// exceeds the connect timeout. Only one attempt proceeds at a time; concurrent
// callers await the in-flight attempt and share its outcome.
func (t *Transport) Connect(ctx context.Context, playerID string) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	if t.connecting != nil {
		ch := t.connecting
		t.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		t.mu.Lock()
		err := t.connectErr
		t.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	t.connecting = ch
	t.playerID = playerID
	t.closed = false
	t.mu.Unlock()

	err := t.dial(ctx, playerID)

	t.mu.Lock()
	t.connectErr = err
	t.connecting = nil
	t.mu.Unlock()
	close(ch)
	return err
}

func (t *Transport) dial(ctx context.Context, playerID string) error {
	if t.cfg.netmon.Offline() {
		return ErrOffline
	}
	dctx, cancel := context.WithTimeout(ctx, t.cfg.connectTimeout)
	defer cancel()

	conn, err := t.cfg.dialer(dctx, t.url+"?playerId="+url.QueryEscape(playerID))
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return fmt.Errorf("gearsync: dial: %w", err)
	}

	connID := uuid.NewString()
	now := time.Now()
	t.health.beat(now)

	t.mu.Lock()
	t.conn = conn
	t.connID = connID
	t.connected = true
	t.reconnectAttempts = 0
	queued := t.outbound
	t.outbound = nil
	t.mu.Unlock()

	t.acks.Start()

	// Queued messages go out in original order before any new traffic. On a
	// mid-flush failure only the unwritten tail is requeued; anything already
	// on the wire must not go out a second time after the next reconnect.
	for i, raw := range queued {
		if werr := t.writeRaw(conn, raw); werr != nil {
			t.cfg.logger.Warnf("flush failed, requeueing %d messages: %v", len(queued)-i, werr)
			t.mu.Lock()
			t.outbound = append(queued[i:], t.outbound...)
			t.mu.Unlock()
			break
		}
	}

	stop := make(chan struct{})
	t.wg.Add(2)
	go t.readLoop(conn, connID, stop)
	go t.heartbeatLoop(conn, connID, playerID, stop)

	t.cfg.logger.Infof("connected: player=%s conn=%s", playerID, connID)
	t.notifyStatus(true)
	return nil
}

// Disconnect closes the link cleanly and suppresses automatic reconnection.
// Pending acknowledgments are rejected with ErrClosed.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.closed = true
	t.reconnectAttempts = t.cfg.maxReconnect
	conn := t.conn
	t.mu.Unlock()

	t.sched.Stop()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		t.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	t.wg.Wait()
	t.acks.FailAll(ErrClosed)
	t.acks.Stop()

	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	t.conn = nil
	t.mu.Unlock()
	if wasConnected {
		t.notifyStatus(false)
	}
}

// IsConnected reports whether the link is open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connecting reports whether a connection attempt is in flight.
func (t *Transport) Connecting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connecting != nil
}

// Send transmits an envelope of the given type. When disconnected the message
// joins a bounded FIFO queue flushed on reconnection; when the queue is full
// the oldest entry is dropped to admit the newest. Only encoding failures are
// returned; write failures are handled by the reconnect path.
func (t *Transport) Send(msgType string, data any) error {
	env, err := NewEnvelope(t.cfg.encoder, msgType, data)
	if err != nil {
		return fmt.Errorf("gearsync: encode %s payload: %w", msgType, err)
	}
	raw, err := t.cfg.encoder.Encode(env)
	if err != nil {
		return fmt.Errorf("gearsync: encode %s envelope: %w", msgType, err)
	}
	t.sendRaw(raw)
	return nil
}

func (t *Transport) sendRaw(raw []byte) {
	t.mu.Lock()
	conn, connected := t.conn, t.connected
	if !connected {
		t.enqueueLocked(raw)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if err := t.writeRaw(conn, raw); err != nil {
		t.cfg.logger.Warnf("write failed, queueing message: %v", err)
		t.mu.Lock()
		t.enqueueLocked(raw)
		t.mu.Unlock()
	}
}

// enqueueLocked appends to the outbound queue, evicting the oldest entry when
// the queue is at capacity. Caller holds t.mu.
func (t *Transport) enqueueLocked(raw []byte) {
	if len(t.outbound) >= t.cfg.maxQueued {
		drop := len(t.outbound) - t.cfg.maxQueued + 1
		t.outbound = append(t.outbound[:0], t.outbound[drop:]...)
		t.cfg.logger.Debugf("outbound queue full, dropped %d oldest", drop)
	}
	t.outbound = append(t.outbound, raw)
}

func (t *Transport) writeRaw(conn Conn, raw []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// SendWithAck stamps the payload with a unique messageId, sends it, and blocks
// until a matching ack arrives (returning its payload), the ack timeout passes
// (ErrAckTimeout), or ctx is done. data must encode to a JSON object. Unlike
// Send, it fails fast with ErrNotConnected rather than queueing: a tracked
// round trip cannot complete while the link is down.
func (t *Transport) SendWithAck(ctx context.Context, msgType string, data any) ([]byte, error) {
	if !t.IsConnected() {
		return nil, ErrNotConnected
	}
	msgID := uuid.NewString()
	stamped, err := t.stampMessageID(data, msgID)
	if err != nil {
		return nil, err
	}

	ch := t.acks.Track(msgID, time.Now().Add(t.cfg.ackTimeout))
	t.acks.Start()
	if err := t.Send(msgType, stamped); err != nil {
		t.acks.Fail(msgID, err)
		return nil, err
	}

	select {
	case out := <-ch:
		return out.Payload, out.Err
	case <-ctx.Done():
		t.acks.Fail(msgID, ctx.Err())
		return nil, ctx.Err()
	}
}

// stampMessageID injects "messageId" into an object payload so the receiver
// can correlate its ack.
func (t *Transport) stampMessageID(data any, msgID string) (map[string]any, error) {
	raw, err := t.cfg.encoder.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("gearsync: encode ack payload: %w", err)
	}
	var obj map[string]any
	if err := t.cfg.encoder.Decode(raw, &obj); err != nil {
		return nil, fmt.Errorf("gearsync: ack payload must be a JSON object: %w", err)
	}
	if obj == nil {
		obj = make(map[string]any)
	}
	obj["messageId"] = msgID
	return obj, nil
}

// Subscribe registers a handler for a message type (or Wildcard for all
// types) and returns an unsubscribe func. At most one handler is retained per
// exact type key; a later registration replaces the earlier one.
func (t *Transport) Subscribe(msgType string, fn HandlerFunc) (unsubscribe func()) {
	return t.mux.Handle(msgType, fn)
}

// OnStatusChange registers a connection-status observer; multiple observers
// are permitted. Returns an unsubscribe func.
func (t *Transport) OnStatusChange(fn func(connected bool)) (unsubscribe func()) {
	t.mu.Lock()
	t.statusSeq++
	id := t.statusSeq
	t.statusSubs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.statusSubs, id)
		t.mu.Unlock()
	}
}

// Stats returns a snapshot of connection health.
func (t *Transport) Stats() ConnectionStats {
	t.mu.Lock()
	s := ConnectionStats{
		Connected:         t.connected,
		ConnectionID:      t.connID,
		PlayerID:          t.playerID,
		ReconnectAttempts: t.reconnectAttempts,
		QueuedMessages:    len(t.outbound),
	}
	t.mu.Unlock()
	s.PendingAcks = t.acks.Len()
	s.LastHeartbeat = t.health.lastBeat()
	return s
}

func (t *Transport) notifyStatus(connected bool) {
	t.mu.Lock()
	subs := make([]func(bool), 0, len(t.statusSubs))
	for _, fn := range t.statusSubs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()
	for _, fn := range subs {
		fn(connected)
	}
}

func (t *Transport) readLoop(conn Conn, connID string, stop chan struct{}) {
	defer t.wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.handleLinkLoss(conn, stop, err)
			return
		}
		t.dispatch(connID, raw)
	}
}

// dispatch decodes an inbound frame and routes it. Malformed payloads and
// handler panics are logged and dropped; they never crash the transport.
func (t *Transport) dispatch(connID string, raw []byte) {
	var env Envelope
	if err := t.cfg.encoder.Decode(raw, &env); err != nil || env.Type == "" {
		t.cfg.logger.Warnf("malformed inbound message dropped: %v", err)
		return
	}
	now := time.Now()

	switch env.Type {
	case MsgHeartbeatResponse:
		t.health.beat(now)
	case MsgAck:
		var ack AckPayload
		if err := t.cfg.encoder.Decode(env.Data, &ack); err != nil {
			t.cfg.logger.Warnf("malformed ack dropped: %v", err)
			return
		}
		if ack.Error != "" {
			t.acks.Fail(ack.MessageID, fmt.Errorf("gearsync: remote error: %s", ack.Error))
		} else {
			t.acks.Resolve(ack.MessageID, env.Data)
		}
	}

	ctx := msgctx.With(context.Background(), &msgctx.Meta{ConnectionID: connID, ReceivedAt: now})
	defer func() {
		if r := recover(); r != nil {
			t.cfg.logger.Errorf("handler panic for %s: %v", env.Type, r)
		}
	}()
	if err := t.mux.Dispatch(ctx, &env); err != nil {
		t.cfg.logger.Warnf("handler error for %s: %v", env.Type, err)
	}
}

func (t *Transport) heartbeatLoop(conn Conn, connID, playerID string, stop chan struct{}) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			if t.health.stale(now, t.cfg.staleAfter) {
				t.cfg.logger.Warnf("health check failed: no heartbeat response since %s", t.health.lastBeat().Format(time.RFC3339))
				t.forceClose(conn)
				return
			}
			hb := HeartbeatPayload{PlayerID: playerID, ConnectionID: connID, Timestamp: now}
			t.mu.Lock()
			hint := t.cfg.versionHint
			t.mu.Unlock()
			if hint != nil {
				hb.QueueVersion = hint(playerID)
			}
			if err := t.Send(MsgHeartbeat, hb); err != nil {
				t.cfg.logger.Warnf("heartbeat send failed: %v", err)
			}
		}
	}
}

// forceClose tears the link down after a failed health check. The read loop
// observes the close and drives the reconnect path.
func (t *Transport) forceClose(conn Conn) {
	msg := websocket.FormatCloseMessage(CloseHealthFailure, "health check failed")
	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	t.writeMu.Unlock()
	_ = conn.Close()
}

// handleLinkLoss runs once per connection when its read loop exits.
func (t *Transport) handleLinkLoss(conn Conn, stop chan struct{}, cause error) {
	close(stop)
	_ = conn.Close()

	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	wasConnected := t.connected
	t.connected = false
	explicit := t.closed
	t.mu.Unlock()

	if wasConnected {
		t.cfg.logger.Infof("link lost: %v", cause)
		t.notifyStatus(false)
	}
	if !explicit {
		t.scheduleReconnect()
	}
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	attempt := t.reconnectAttempts
	if attempt >= t.cfg.maxReconnect {
		t.mu.Unlock()
		t.cfg.logger.Errorf("reconnect attempts exhausted (%d)", attempt)
		return
	}
	t.reconnectAttempts++
	playerID := t.playerID
	t.mu.Unlock()

	delay := backoff.Delay(attempt, t.cfg.backoffBase, t.cfg.backoffMax)
	t.cfg.logger.Infof("reconnect %d/%d in %s", attempt+1, t.cfg.maxReconnect, delay)
	t.sched.Schedule(delay, func() { t.reconnect(playerID) })
}

func (t *Transport) reconnect(playerID string) {
	t.mu.Lock()
	if t.closed || t.connected || t.connecting != nil {
		t.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	t.connecting = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.connecting = nil
		t.mu.Unlock()
		close(ch)
	}()

	if t.cfg.netmon.Offline() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.waitOnlineLimit)
		err := t.cfg.netmon.WaitOnline(ctx, t.cfg.waitOnlineLimit)
		cancel()
		if err != nil {
			t.cfg.logger.Warnf("still offline after %s: %v", t.cfg.waitOnlineLimit, err)
		}
	}

	err := t.dial(context.Background(), playerID)
	t.mu.Lock()
	t.connectErr = err
	t.mu.Unlock()
	if err != nil {
		t.cfg.logger.Warnf("reconnect failed: %v", err)
		t.scheduleReconnect()
	}
}
