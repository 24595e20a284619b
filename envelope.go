package gearsync

import (
	"encoding/json"
	"time"
)

// Message types recognized on the wire.
const (
	MsgHeartbeat         = "heartbeat"
	MsgHeartbeatResponse = "heartbeat_response"
	MsgDeltaUpdate       = "delta_update"
	MsgSyncRequest       = "sync_request"
	MsgSyncResponse      = "sync_response"
	MsgAck               = "ack"
	MsgTaskProgress      = "task_progress"
	MsgTaskCompleted     = "task_completed"
	MsgQueueUpdated      = "queue_updated"
)

// Envelope is the frame common to all message kinds.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// HeartbeatPayload is the Data of a heartbeat envelope. QueueVersion is an
// optional sync hint letting the server detect a client that has fallen behind.
type HeartbeatPayload struct {
	PlayerID     string    `json:"playerId"`
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
	QueueVersion int64     `json:"queueVersion,omitempty"`
}

// HeartbeatResponsePayload is the Data of a heartbeat_response envelope.
type HeartbeatResponsePayload struct {
	Timestamp       time.Time `json:"timestamp"`
	ServerTime      time.Time `json:"serverTime"`
	SyncRecommended bool      `json:"syncRecommended,omitempty"`
}

// SyncRequestPayload is the Data of a sync_request envelope.
type SyncRequestPayload struct {
	PlayerID  string          `json:"playerId"`
	MessageID string          `json:"messageId"`
	Payload   SyncRequestArgs `json:"payload"`
}

// SyncRequestArgs carries the requester's last known sync position.
type SyncRequestArgs struct {
	LastSyncTimestamp time.Time `json:"lastSyncTimestamp,omitzero"`
	QueueVersion      int64     `json:"queueVersion"`
}

// SyncResponsePayload is the Data of a sync_response envelope: the server's
// authoritative queue snapshot, correlated to the request by MessageID.
type SyncResponsePayload struct {
	MessageID  string     `json:"messageId"`
	PlayerID   string     `json:"playerId"`
	Queue      *TaskQueue `json:"queue"`
	ServerTime time.Time  `json:"serverTime"`
}

// AckPayload is the Data of an ack envelope.
type AckPayload struct {
	MessageID string `json:"messageId"`
	Success   bool   `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`
}

// QueueUpdatedPayload is the Data of a queue_updated envelope, fanned out to a
// player's other sessions after the server accepts a delta.
type QueueUpdatedPayload struct {
	PlayerID  string    `json:"playerId"`
	Version   int64     `json:"version"`
	Checksum  string    `json:"checksum"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope wraps an encoded payload in a timestamped frame.
func NewEnvelope(enc Encoder, msgType string, data any) (*Envelope, error) {
	env := &Envelope{Type: msgType, Timestamp: time.Now()}
	if data != nil {
		raw, err := enc.Encode(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return env, nil
}
