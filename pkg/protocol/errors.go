package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for process control outcomes that callers branch on.
var (
	// ErrUnknownProcess is returned when a process id has no configured entry.
	ErrUnknownProcess = errors.New("unknown process")

	// ErrInvalidAgent is returned for agent names that cannot map to an inbox.
	ErrInvalidAgent = errors.New("invalid agent name")
)

// TransportError represents a mailbox I/O failure.
// It wraps the underlying filesystem error so errors.Is(err, fs.ErrNotExist)
// keeps working through it.
type TransportError struct {
	Op    string // send, drain, peek, read, claim, archive
	Agent string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mailbox %s %s: %v", e.Op, e.Agent, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedMessageError represents a message file that could not be parsed.
type MalformedMessageError struct {
	Path string
	Err  error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message %s: %v", e.Path, e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// GenerationError represents a failure of the external text-generation service.
type GenerationError struct {
	ConversationID string
	Err            error
}

func (e *GenerationError) Error() string {
	if e.ConversationID == "" {
		return fmt.Sprintf("generation failed: %v", e.Err)
	}
	return fmt.Sprintf("generation failed (conversation %s): %v", e.ConversationID, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ProcessControlError represents a spawn, kill or probe failure for a
// supervised process.
type ProcessControlError struct {
	ProcessID string
	Op        string // start, stop, status
	Err       error
}

func (e *ProcessControlError) Error() string {
	return fmt.Sprintf("%s process %s: %v", e.Op, e.ProcessID, e.Err)
}

func (e *ProcessControlError) Unwrap() error { return e.Err }

// UnknownRecipientError represents a send to an agent that has no inbox.
type UnknownRecipientError struct {
	Agent string
}

func (e *UnknownRecipientError) Error() string {
	return fmt.Sprintf("no inbox for agent %s", e.Agent)
}
