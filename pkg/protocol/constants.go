package protocol

// Directory and file naming constants for the common room.
const (
	// HomeDir is the user-level state directory (e.g., ~/.commonroom).
	HomeDir = ".commonroom"

	// RoomDir is the default mailbox root under HomeDir.
	RoomDir = "common_room"

	// InboxDir is the per-agent directory holding pending message files.
	InboxDir = "inbox"

	// ProcessedDir is the archive sub-area for messages consumed by the watcher.
	ProcessedDir = "processed"

	// ProcessingDir holds messages claimed by a consumer but not yet archived.
	ProcessingDir = "processing"

	// MessageExt is the file extension of message files.
	MessageExt = ".json"

	// QuarantineExt is appended to message files that failed to parse.
	QuarantineExt = ".bad"
)

// GenerationFailedReply is the content of the error reply sent when a
// generated answer could not be produced.
const GenerationFailedReply = "Failed to get response from Gemini."
