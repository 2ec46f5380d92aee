package mailbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"commonroom/pkg/metrics"
	"commonroom/pkg/protocol"
)

// ErrAlreadyClaimed is returned by Claim when the message was consumed or
// claimed by someone else first.
var ErrAlreadyClaimed = errors.New("message already claimed")

// Claim is a message moved out of the inbox into processing/ by a single
// consumer. It ends in exactly one of Archive, Release or Quarantine.
type Claim struct {
	Agent string
	Name  string

	inbox string
	path  string
}

// Claim atomically moves the pending message file name out of agent's inbox
// into its processing area. Of any number of concurrent callers, exactly one
// succeeds; the rest get ErrAlreadyClaimed.
func (m *Mailbox) Claim(agent, name string) (*Claim, error) {
	inbox, err := m.InboxPath(agent)
	if err != nil {
		return nil, &protocol.TransportError{Op: "claim", Agent: agent, Err: err}
	}
	if !IsMessageFile(name) || filepath.Base(name) != name {
		return nil, &protocol.TransportError{Op: "claim", Agent: agent, Err: fmt.Errorf("not a message file: %q", name)}
	}
	processing := filepath.Join(inbox, protocol.ProcessingDir)
	if err := os.MkdirAll(processing, 0o755); err != nil {
		return nil, &protocol.TransportError{Op: "claim", Agent: agent, Err: err}
	}
	dst := filepath.Join(processing, name)
	if err := os.Rename(filepath.Join(inbox, name), dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrAlreadyClaimed
		}
		metrics.MailboxErrors.WithLabelValues("claim").Inc()
		return nil, &protocol.TransportError{Op: "claim", Agent: agent, Err: err}
	}
	return &Claim{Agent: agent, Name: name, inbox: inbox, path: dst}, nil
}

// Claimed returns the claims left in agent's processing area, typically by
// a consumer that crashed before archiving them.
func (m *Mailbox) Claimed(agent string) ([]*Claim, error) {
	inbox, err := m.InboxPath(agent)
	if err != nil {
		return nil, err
	}
	processing := filepath.Join(inbox, protocol.ProcessingDir)
	names, err := listMessageFiles(processing)
	if err != nil {
		return nil, &protocol.TransportError{Op: "claim", Agent: agent, Err: err}
	}
	claims := make([]*Claim, 0, len(names))
	for _, name := range names {
		claims = append(claims, &Claim{Agent: agent, Name: name, inbox: inbox, path: filepath.Join(processing, name)})
	}
	return claims, nil
}

// Path returns the claimed file's current location.
func (c *Claim) Path() string {
	return c.path
}

// Message reads and parses the claimed message.
func (c *Claim) Message() (protocol.Message, error) {
	return readMessage(c.path)
}

// Archive moves the claimed message into the inbox's processed/ area,
// creating it on demand.
func (c *Claim) Archive() error {
	processed := filepath.Join(c.inbox, protocol.ProcessedDir)
	if err := os.MkdirAll(processed, 0o755); err != nil {
		return &protocol.TransportError{Op: "archive", Agent: c.Agent, Err: err}
	}
	if err := os.Rename(c.path, filepath.Join(processed, c.Name)); err != nil {
		metrics.MailboxErrors.WithLabelValues("archive").Inc()
		return &protocol.TransportError{Op: "archive", Agent: c.Agent, Err: err}
	}
	metrics.MessagesConsumed.WithLabelValues("archive").Inc()
	return nil
}

// Release puts the claimed message back into the inbox unchanged.
func (c *Claim) Release() error {
	if err := os.Rename(c.path, filepath.Join(c.inbox, c.Name)); err != nil {
		return &protocol.TransportError{Op: "release", Agent: c.Agent, Err: err}
	}
	return nil
}

// Quarantine sets an unparsable claimed message aside as <name>.bad in the
// inbox, where no consumer will pick it up again.
func (c *Claim) Quarantine() error {
	if err := os.Rename(c.path, filepath.Join(c.inbox, c.Name+protocol.QuarantineExt)); err != nil {
		return &protocol.TransportError{Op: "quarantine", Agent: c.Agent, Err: err}
	}
	metrics.MessagesQuarantined.Inc()
	return nil
}
