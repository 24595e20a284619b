// Package keys centralizes Redis key construction for player queue documents.
// It is kept in internal to avoid leaking key formats to public API.
// The player ID is wrapped in a hash tag so all of a player's keys land in the
// same cluster slot.
package keys

func Queue(playerID string) string   { return "gearsync:{" + playerID + "}:queue" }
func Version(playerID string) string { return "gearsync:{" + playerID + "}:version" }

// History is the LIST key holding recent queue document versions for audit,
// newest first, trimmed to a bounded length.
func History(playerID string) string { return "gearsync:{" + playerID + "}:history" }

// Player holds all precomputed keys for a player to avoid repeated concatenations.
type Player struct {
	Queue   string
	Version string
	History string
}

// For returns a set of precomputed keys for the provided player.
func For(playerID string) Player {
	prefix := "gearsync:{" + playerID + "}:"
	return Player{
		Queue:   prefix + "queue",
		Version: prefix + "version",
		History: prefix + "history",
	}
}
