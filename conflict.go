package gearsync

// Resolution names the side whose value survived a conflict.
type Resolution string

const (
	// ResolutionLocal means the local value was kept.
	ResolutionLocal Resolution = "local"
	// ResolutionServer means the server value was adopted.
	ResolutionServer Resolution = "server"
)

// Conflict records one detected disagreement between local and server state.
// Conflicts are derived during reconciliation and resolved immediately; only
// this record and the merged queue survive.
type Conflict struct {
	TaskID      string     `json:"taskId,omitempty"`
	Field       string     `json:"field"`
	LocalValue  any        `json:"localValue"`
	ServerValue any        `json:"serverValue"`
	Resolution  Resolution `json:"resolution"`
}

// resolveTask picks the surviving copy of a task present on both sides and
// records a conflict per differing field. The policy is deterministic:
//
//   - a server-declared ended task (completed) always overrides a local
//     running copy, regardless of versions;
//   - otherwise the side with the higher queue version wins;
//   - on a version tie, the copy with the higher progress wins.
//
// The winner contributes its whole task, so value-object fields (rewards and
// the like) follow the task-level winner.
func resolveTask(local, server *Task, localVersion, serverVersion int64) (*Task, []Conflict) {
	res := ResolutionLocal
	switch {
	case server.Completed && !local.Completed:
		res = ResolutionServer
	case serverVersion > localVersion:
		res = ResolutionServer
	case serverVersion < localVersion:
		res = ResolutionLocal
	case server.Progress > local.Progress:
		res = ResolutionServer
	}

	var conflicts []Conflict
	if local.Progress != server.Progress {
		conflicts = append(conflicts, Conflict{
			TaskID:      local.ID,
			Field:       "progress",
			LocalValue:  local.Progress,
			ServerValue: server.Progress,
			Resolution:  res,
		})
	}
	if local.Completed != server.Completed {
		conflicts = append(conflicts, Conflict{
			TaskID:      local.ID,
			Field:       "completed",
			LocalValue:  local.Completed,
			ServerValue: server.Completed,
			Resolution:  res,
		})
	}

	if res == ResolutionServer {
		return server.Clone(), conflicts
	}
	return local.Clone(), conflicts
}
