package gearsync

import "errors"

// ErrOffline is returned by Connect when the device is known to be offline.
var ErrOffline = errors.New("gearsync: device offline")

// ErrConnectTimeout is returned when the link does not open within the connect timeout.
var ErrConnectTimeout = errors.New("gearsync: connect timeout")

// ErrNotConnected is returned when an operation requires an open link and none exists.
var ErrNotConnected = errors.New("gearsync: not connected")

// ErrAckTimeout is returned by SendWithAck when no matching ack arrives in time.
var ErrAckTimeout = errors.New("gearsync: ack timeout")

// ErrClosed is returned when an operation is attempted on a closed transport.
var ErrClosed = errors.New("gearsync: transport closed")

// ErrQueueCorrupt is returned when a queue's checksum does not match its task list.
var ErrQueueCorrupt = errors.New("gearsync: queue checksum mismatch")

// ErrUnknownState is returned when an invalid sync state is used.
var ErrUnknownState = errors.New("gearsync: unknown sync state")

// ErrUnknownTaskType is returned when an invalid task type is used.
var ErrUnknownTaskType = errors.New("gearsync: unknown task type")

// ErrQueueNotTracked is returned when an operation references a player whose
// queue has not been adopted via Track.
var ErrQueueNotTracked = errors.New("gearsync: queue not tracked")
