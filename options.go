package gearsync

import (
	"context"
	"time"
)

// Defaults for transport and synchronizer tuning. Override via options.
const (
	// DefaultConnectTimeout bounds a single dial attempt.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultHeartbeatInterval is how often the client pings the gateway.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultStaleAfter is how long without a heartbeat response before the
	// link is considered dead and force-closed.
	DefaultStaleAfter = 90 * time.Second
	// DefaultAckTimeout bounds the wait for a message acknowledgment.
	DefaultAckTimeout = 10 * time.Second
	// DefaultAckSweepInterval is how often expired ack entries are purged.
	DefaultAckSweepInterval = time.Second
	// DefaultMaxQueuedMessages caps the offline outbound queue.
	DefaultMaxQueuedMessages = 100
	// DefaultMaxReconnectAttempts caps automatic reconnection attempts.
	DefaultMaxReconnectAttempts = 10
	// DefaultBackoffBase is the first reconnect delay; it doubles per attempt.
	DefaultBackoffBase = time.Second
	// DefaultBackoffMax caps the reconnect delay.
	DefaultBackoffMax = 30 * time.Second
	// DefaultWaitOnlineLimit bounds the wait for the device to come back
	// online before a reconnect attempt proceeds anyway.
	DefaultWaitOnlineLimit = 30 * time.Second
	// DefaultSyncTimeout bounds a full reconciliation round trip.
	DefaultSyncTimeout = 10 * time.Second
)

// Dialer opens the physical link. Replaceable in tests.
type Dialer func(ctx context.Context, url string) (Conn, error)

type transportConfig struct {
	logger            Logger
	encoder           Encoder
	netmon            NetworkMonitor
	dialer            Dialer
	connectTimeout    time.Duration
	heartbeatInterval time.Duration
	staleAfter        time.Duration
	ackTimeout        time.Duration
	ackSweepInterval  time.Duration
	maxQueued         int
	maxReconnect      int
	backoffBase       time.Duration
	backoffMax        time.Duration
	waitOnlineLimit   time.Duration
	versionHint       func(playerID string) int64
}

// TransportOption configures a Transport at construction.
type TransportOption func(*transportConfig)

// WithLogger sets the transport logger. Default is silent.
func WithLogger(l Logger) TransportOption {
	return func(c *transportConfig) { c.logger = l }
}

// WithEncoder sets the wire codec. Default is JSONEncoder.
func WithEncoder(e Encoder) TransportOption {
	return func(c *transportConfig) { c.encoder = e }
}

// WithNetworkMonitor sets the device online/offline collaborator.
// Default assumes always online.
func WithNetworkMonitor(m NetworkMonitor) TransportOption {
	return func(c *transportConfig) { c.netmon = m }
}

// WithDialer replaces the websocket dialer. Intended for tests.
func WithDialer(d Dialer) TransportOption {
	return func(c *transportConfig) { c.dialer = d }
}

// WithConnectTimeout bounds each dial attempt.
func WithConnectTimeout(d time.Duration) TransportOption {
	return func(c *transportConfig) { c.connectTimeout = d }
}

// WithHeartbeatInterval sets how often the client pings the gateway.
func WithHeartbeatInterval(d time.Duration) TransportOption {
	return func(c *transportConfig) { c.heartbeatInterval = d }
}

// WithStaleAfter sets the no-response window after which the link is
// force-closed as unhealthy.
func WithStaleAfter(d time.Duration) TransportOption {
	return func(c *transportConfig) { c.staleAfter = d }
}

// WithAckTimeout bounds SendWithAck waits.
func WithAckTimeout(d time.Duration) TransportOption {
	return func(c *transportConfig) { c.ackTimeout = d }
}

// WithAckSweepInterval sets how often expired ack entries are purged.
// It should not exceed the ack timeout.
func WithAckSweepInterval(d time.Duration) TransportOption {
	return func(c *transportConfig) { c.ackSweepInterval = d }
}

// WithMaxQueuedMessages caps the offline outbound queue. When full, the
// oldest queued message is dropped to admit the newest.
func WithMaxQueuedMessages(n int) TransportOption {
	return func(c *transportConfig) { c.maxQueued = n }
}

// WithMaxReconnectAttempts caps automatic reconnection attempts.
func WithMaxReconnectAttempts(n int) TransportOption {
	return func(c *transportConfig) { c.maxReconnect = n }
}

// WithBackoff sets the reconnect delay policy: base doubled per attempt,
// capped at max.
func WithBackoff(base, max time.Duration) TransportOption {
	return func(c *transportConfig) {
		c.backoffBase = base
		c.backoffMax = max
	}
}

// WithWaitOnlineLimit bounds the wait for the device to come back online
// before a reconnect attempt proceeds.
func WithWaitOnlineLimit(d time.Duration) TransportOption {
	return func(c *transportConfig) { c.waitOnlineLimit = d }
}

// WithQueueVersionHint supplies the queue version carried on heartbeats so the
// server can proactively request a sync from a client that has fallen behind.
func WithQueueVersionHint(fn func(playerID string) int64) TransportOption {
	return func(c *transportConfig) { c.versionHint = fn }
}

type syncConfig struct {
	logger       Logger
	encoder      Encoder
	syncTimeout  time.Duration
	historyLimit int
}

// SyncOption configures a Synchronizer at construction.
type SyncOption func(*syncConfig)

// WithSyncLogger sets the synchronizer logger. Default is silent.
func WithSyncLogger(l Logger) SyncOption {
	return func(c *syncConfig) { c.logger = l }
}

// WithSyncEncoder sets the synchronizer codec. Default is JSONEncoder.
func WithSyncEncoder(e Encoder) SyncOption {
	return func(c *syncConfig) { c.encoder = e }
}

// WithSyncTimeout bounds a reconciliation round trip.
func WithSyncTimeout(d time.Duration) SyncOption {
	return func(c *syncConfig) { c.syncTimeout = d }
}

// WithHistoryLimit bounds tracked queues' snapshot history.
func WithHistoryLimit(n int) SyncOption {
	return func(c *syncConfig) { c.historyLimit = n }
}
