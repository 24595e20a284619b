package gearsync

// SyncState represents a player's position in the sync lifecycle.
// Use the exported constants (StateDisconnected, StateSynced, etc.) instead of
// raw strings to avoid typos.
type SyncState string

const (
	// StateDisconnected means no link to the gateway exists.
	StateDisconnected SyncState = "disconnected"
	// StateConnecting means a connection attempt is in flight.
	StateConnecting SyncState = "connecting"
	// StateSynced means the local queue matches the server's version and checksum.
	StateSynced SyncState = "synced"
	// StateDiverged means local and server state are known to disagree.
	StateDiverged SyncState = "diverged"
	// StateReconciling means a full-state reconciliation is in flight.
	StateReconciling SyncState = "reconciling"
)

// AllSyncStates lists every valid sync state in a stable order.
var AllSyncStates = []SyncState{StateDisconnected, StateConnecting, StateSynced, StateDiverged, StateReconciling}

// String returns the raw string value of the state.
func (s SyncState) String() string { return string(s) }

// ParseSyncState converts a string into a SyncState, returning an error for unknown values.
func ParseSyncState(s string) (SyncState, error) {
	switch s {
	case string(StateDisconnected):
		return StateDisconnected, nil
	case string(StateConnecting):
		return StateConnecting, nil
	case string(StateSynced):
		return StateSynced, nil
	case string(StateDiverged):
		return StateDiverged, nil
	case string(StateReconciling):
		return StateReconciling, nil
	default:
		return "", ErrUnknownState
	}
}
