package engine

import "fmt"

// CommandKind identifies a point command routed to an AccountWatcher.
type CommandKind string

const (
	CommandSync      CommandKind = "sync"
	CommandMarkSeen  CommandKind = "markSeen"
	CommandArchive   CommandKind = "archive"
	CommandDelete    CommandKind = "delete"
	CommandFetchBody CommandKind = "fetchBody"
)

// Command is an externally issued point operation scoped to one account.
type Command struct {
	Kind      CommandKind
	AccountID string

	// UID targets a specific message for everything but sync.
	UID uint32

	// Seen is the target seen state for markSeen.
	Seen bool

	// Archive distinguishes archive (true) from restore (false).
	Archive bool
}

// CommandResult is the structured outcome returned to the command's
// caller. A failed command is reported here, never thrown past the
// dispatcher.
type CommandResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// Synced is set for sync commands.
	Synced int `json:"synced,omitempty"`

	// Flags is the resulting flag set for markSeen commands.
	Flags []string `json:"flags,omitempty"`

	// Folder is the archive mailbox involved for archive commands.
	Folder string `json:"folder,omitempty"`
}

// failure builds a structured failure result.
func failure(format string, args ...any) CommandResult {
	return CommandResult{Error: fmt.Sprintf(format, args...)}
}
