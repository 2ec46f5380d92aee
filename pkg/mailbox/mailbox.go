// Package mailbox implements the common room: a directory-per-agent message
// store where each message is one immutable JSON file.
//
// Layout under the root:
//
//	<root>/<agent>/inbox/<id>.json             pending
//	<root>/<agent>/inbox/processing/<id>.json  claimed, not yet archived
//	<root>/<agent>/inbox/processed/<id>.json   archived by the watcher
//	<root>/<agent>/inbox/<id>.json.bad         quarantined (unparsable)
//
// A message is consumed exactly once, either by Drain (delete) or by
// Claim followed by Archive (move). Which of the two owns an inbox is a
// deployment decision made by the caller; the mailbox does not mix them.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"commonroom/pkg/metrics"
	"commonroom/pkg/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mailbox is the filesystem-backed queue spanning all agent inboxes.
// It is safe for concurrent use by any number of goroutines and processes:
// writers never share a filename, and every consumption is a single
// unlink or rename that only one caller can win.
type Mailbox struct {
	root       string
	autoCreate bool
	log        zerolog.Logger
	now        func() time.Time
	newID      func() (string, error)
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithAutoCreate makes Send create a missing recipient inbox instead of
// failing with UnknownRecipientError.
func WithAutoCreate(enabled bool) Option {
	return func(m *Mailbox) { m.autoCreate = enabled }
}

// WithLogger sets the logger used for skipped and quarantined files.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Mailbox) { m.log = log }
}

// WithClock overrides the timestamp source (for testing).
func WithClock(now func() time.Time) Option {
	return func(m *Mailbox) { m.now = now }
}

// New opens the mailbox rooted at root, creating the root directory if needed.
func New(root string, opts ...Option) (*Mailbox, error) {
	if root == "" {
		return nil, fmt.Errorf("open mailbox: empty root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create mailbox root %s: %w", root, err)
	}
	m := &Mailbox{
		root:  filepath.Clean(root),
		log:   zerolog.Nop(),
		now:   time.Now,
		newID: newMessageID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// newMessageID returns a UUIDv7: time-ordered, with a random tail, so ids
// sort by creation and concurrent senders never collide.
func newMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	return id.String(), nil
}

// Root returns the mailbox root directory.
func (m *Mailbox) Root() string {
	return m.root
}

// InboxPath returns the inbox directory for agent.
func (m *Mailbox) InboxPath(agent string) (string, error) {
	if err := ValidateAgent(agent); err != nil {
		return "", err
	}
	return filepath.Join(m.root, agent, protocol.InboxDir), nil
}

// ValidateAgent rejects names that cannot safely map to a directory.
func ValidateAgent(agent string) error {
	switch {
	case agent == "", agent == ".", agent == "..":
		return fmt.Errorf("%w: %q", protocol.ErrInvalidAgent, agent)
	case strings.HasPrefix(agent, "."):
		return fmt.Errorf("%w: %q starts with a dot", protocol.ErrInvalidAgent, agent)
	case strings.ContainsAny(agent, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", protocol.ErrInvalidAgent, agent)
	}
	return nil
}

// Send writes a new message into the recipient's inbox and returns its id.
// The file is written under a dot-prefixed temporary name and renamed into
// place, so readers and watchers only ever see complete messages.
// Send does not retry.
func (m *Mailbox) Send(ctx context.Context, recipient, sender string, payload protocol.Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &protocol.TransportError{Op: "send", Agent: recipient, Err: err}
	}
	inbox, err := m.InboxPath(recipient)
	if err != nil {
		return "", &protocol.TransportError{Op: "send", Agent: recipient, Err: err}
	}

	if _, err := os.Stat(inbox); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			metrics.MailboxErrors.WithLabelValues("send").Inc()
			return "", &protocol.TransportError{Op: "send", Agent: recipient, Err: err}
		}
		if !m.autoCreate {
			return "", &protocol.TransportError{Op: "send", Agent: recipient, Err: &protocol.UnknownRecipientError{Agent: recipient}}
		}
		if err := os.MkdirAll(inbox, 0o755); err != nil {
			metrics.MailboxErrors.WithLabelValues("send").Inc()
			return "", &protocol.TransportError{Op: "send", Agent: recipient, Err: err}
		}
	}

	id, err := m.newID()
	if err != nil {
		return "", &protocol.TransportError{Op: "send", Agent: recipient, Err: err}
	}

	msg := protocol.Message{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Payload:   payload,
		Timestamp: m.now().UTC(),
	}
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return "", &protocol.TransportError{Op: "send", Agent: recipient, Err: fmt.Errorf("marshal message: %w", err)}
	}

	final := filepath.Join(inbox, id+protocol.MessageExt)
	tmp := filepath.Join(inbox, "."+id+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // inbox files are shared with other agents
		metrics.MailboxErrors.WithLabelValues("send").Inc()
		return "", &protocol.TransportError{Op: "send", Agent: recipient, Err: err}
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		metrics.MailboxErrors.WithLabelValues("send").Inc()
		return "", &protocol.TransportError{Op: "send", Agent: recipient, Err: err}
	}

	metrics.MessagesSent.WithLabelValues(payload.Type()).Inc()
	m.log.Debug().Str("id", id).Str("sender", sender).Str("recipient", recipient).
		Str("type", payload.Type()).Msg("message sent")
	return id, nil
}

// Drain consumes every pending message in agent's inbox: each file is
// parsed, then deleted, and the parsed messages are returned sorted by
// timestamp. A missing or empty inbox yields an empty slice and no error.
//
// Files that fail to parse are quarantined (renamed to <name>.bad) and never
// returned; files that cannot be read or deleted are left for the next
// drain. Neither aborts the rest of the batch.
func (m *Mailbox) Drain(ctx context.Context, agent string) ([]protocol.Message, error) {
	inbox, err := m.InboxPath(agent)
	if err != nil {
		return nil, &protocol.TransportError{Op: "drain", Agent: agent, Err: err}
	}
	names, err := listMessageFiles(inbox)
	if err != nil {
		metrics.MailboxErrors.WithLabelValues("drain").Inc()
		m.log.Error().Err(err).Str("agent", agent).Msg("list inbox")
		return []protocol.Message{}, nil
	}

	msgs := make([]protocol.Message, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			sortMessages(msgs)
			return msgs, err
		}
		path := filepath.Join(inbox, name)
		msg, err := readMessage(path)
		if err != nil {
			m.skip(agent, path, "drain", err)
			continue
		}
		// Whoever unlinks the file owns the message; a concurrent drain
		// that loses the race sees ErrNotExist and drops its copy.
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				metrics.MailboxErrors.WithLabelValues("drain").Inc()
				m.log.Error().Err(err).Str("path", path).Msg("delete consumed message")
			}
			continue
		}
		metrics.MessagesConsumed.WithLabelValues("drain").Inc()
		msgs = append(msgs, msg)
	}

	sortMessages(msgs)
	return msgs, nil
}

// Peek lists pending messages without consuming them. Unparsable files are
// skipped and left in place.
func (m *Mailbox) Peek(_ context.Context, agent string) ([]protocol.Message, error) {
	inbox, err := m.InboxPath(agent)
	if err != nil {
		return nil, &protocol.TransportError{Op: "peek", Agent: agent, Err: err}
	}
	names, err := listMessageFiles(inbox)
	if err != nil {
		return nil, &protocol.TransportError{Op: "peek", Agent: agent, Err: err}
	}

	msgs := make([]protocol.Message, 0, len(names))
	for _, name := range names {
		msg, err := readMessage(filepath.Join(inbox, name))
		if err != nil {
			m.log.Warn().Err(err).Str("agent", agent).Str("file", name).Msg("peek: skipping message")
			continue
		}
		msgs = append(msgs, msg)
	}
	sortMessages(msgs)
	return msgs, nil
}

// Read returns a single pending message by id. The id may be given with or
// without the .json extension.
func (m *Mailbox) Read(agent, id string) (protocol.Message, error) {
	inbox, err := m.InboxPath(agent)
	if err != nil {
		return protocol.Message{}, &protocol.TransportError{Op: "read", Agent: agent, Err: err}
	}
	name, err := messageFileName(id)
	if err != nil {
		return protocol.Message{}, &protocol.TransportError{Op: "read", Agent: agent, Err: err}
	}
	msg, err := readMessage(filepath.Join(inbox, name))
	if err != nil {
		var malformed *protocol.MalformedMessageError
		if errors.As(err, &malformed) {
			return protocol.Message{}, err
		}
		return protocol.Message{}, &protocol.TransportError{Op: "read", Agent: agent, Err: err}
	}
	return msg, nil
}

// Pending returns the file names of pending messages, oldest first.
// Unlike Drain, a missing inbox is reported as UnknownRecipientError.
func (m *Mailbox) Pending(agent string) ([]string, error) {
	inbox, err := m.InboxPath(agent)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(inbox); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &protocol.UnknownRecipientError{Agent: agent}
		}
		return nil, &protocol.TransportError{Op: "pending", Agent: agent, Err: err}
	}
	names, err := listMessageFiles(inbox)
	if err != nil {
		return nil, &protocol.TransportError{Op: "pending", Agent: agent, Err: err}
	}
	return names, nil
}

// skip logs a file that could not be consumed. Parse failures are
// quarantined so they are never retried; I/O failures stay in place.
func (m *Mailbox) skip(agent, path, op string, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		return // consumed by someone else between listing and reading
	}
	var malformed *protocol.MalformedMessageError
	if !errors.As(err, &malformed) {
		metrics.MailboxErrors.WithLabelValues(op).Inc()
		m.log.Error().Err(err).Str("agent", agent).Str("path", path).Msg("read message")
		return
	}
	metrics.MessagesQuarantined.Inc()
	if qErr := os.Rename(path, path+protocol.QuarantineExt); qErr != nil && !errors.Is(qErr, fs.ErrNotExist) {
		m.log.Error().Err(qErr).Str("path", path).Msg("quarantine malformed message")
	}
	m.log.Warn().Err(err).Str("agent", agent).Str("path", path).Msg("malformed message quarantined")
}

// listMessageFiles returns the message file names in dir, sorted by name.
// A missing directory yields no names and no error.
func listMessageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsMessageFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// IsMessageFile reports whether a directory entry name is a pending
// message: a visible .json file.
func IsMessageFile(name string) bool {
	return !strings.HasPrefix(name, ".") && strings.HasSuffix(name, protocol.MessageExt)
}

// messageFileName normalises an id to a message file name.
func messageFileName(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid message id %q", id)
	}
	if !strings.HasSuffix(id, protocol.MessageExt) {
		id += protocol.MessageExt
	}
	return id, nil
}

// readMessage reads and decodes one message file.
func readMessage(path string) (protocol.Message, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from a validated agent and listed names
	if err != nil {
		return protocol.Message{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Decode(path, data)
}

// ErrNoPayload is wrapped by a MalformedMessageError for an envelope with no
// "message" field.
var ErrNoPayload = errors.New("envelope has no message")

// Decode parses message file content. path is only used for error context.
func Decode(path string, data []byte) (protocol.Message, error) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return protocol.Message{}, &protocol.MalformedMessageError{Path: path, Err: err}
	}
	if msg.Payload.Kind == "" {
		return protocol.Message{}, &protocol.MalformedMessageError{Path: path, Err: ErrNoPayload}
	}
	return msg, nil
}

// sortMessages orders messages by timestamp, then id.
func sortMessages(msgs []protocol.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
