// Package watcher answers messages as they land in agent inboxes.
//
// The watcher owns every inbox except those explicitly handed to a polling
// consumer. A new message file is claimed, answered in the recipient's
// persona, the reply is sent to the sender, and the file is archived under
// processed/. Messages present before the watcher starts are left alone.
//
// Delivery is at-least-once: a crash between sending the reply and
// archiving leaves the file in processing/, and Recover answers it again on
// the next start.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"commonroom/pkg/eventlog"
	"commonroom/pkg/generation"
	"commonroom/pkg/mailbox"
	"commonroom/pkg/protocol"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultConcurrency bounds how many messages are answered at once.
const DefaultConcurrency = 4

// Watcher reacts to new message files under a mailbox root.
type Watcher struct {
	mb       *mailbox.Mailbox
	gen      generation.Generator
	personas *generation.Personas
	skip     map[string]bool
	log      zerolog.Logger
	events   eventlog.Recorder
	sem      chan struct{}

	mu      sync.Mutex
	watched map[string]bool

	ready chan struct{}
	wg    sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithSkip excludes agents whose inboxes belong to a polling consumer.
func WithSkip(agents ...string) Option {
	return func(w *Watcher) {
		for _, a := range agents {
			w.skip[a] = true
		}
	}
}

// WithPersonas sets where helper personas are read from.
func WithPersonas(p *generation.Personas) Option {
	return func(w *Watcher) { w.personas = p }
}

// WithLogger sets the watcher logger.
func WithLogger(log zerolog.Logger) Option {
	return func(w *Watcher) { w.log = log }
}

// WithEventLog records replies and archives to rec.
func WithEventLog(rec eventlog.Recorder) Option {
	return func(w *Watcher) { w.events = rec }
}

// WithConcurrency bounds concurrent message handling.
func WithConcurrency(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.sem = make(chan struct{}, n)
		}
	}
}

// New creates a Watcher over mb that replies using gen.
func New(mb *mailbox.Mailbox, gen generation.Generator, opts ...Option) *Watcher {
	w := &Watcher{
		mb:      mb,
		gen:     gen,
		skip:    make(map[string]bool),
		log:     zerolog.Nop(),
		events:  eventlog.Nop{},
		sem:     make(chan struct{}, DefaultConcurrency),
		watched: make(map[string]bool),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Owns reports whether agent's inbox is consumed by this watcher.
func (w *Watcher) Owns(agent string) bool {
	return mailbox.ValidateAgent(agent) == nil && !w.skip[agent]
}

// Ready is closed once the initial watches are in place. Messages sent
// after that are guaranteed to be seen.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches the mailbox until ctx is cancelled, then waits for in-flight
// messages to finish. It recovers leftover claims before watching.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	root := w.mb.Root()
	if err := fw.Add(root); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	agents, err := w.mb.Agents()
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	for _, agent := range agents {
		if w.Owns(agent) {
			w.watchAgent(ctx, fw, agent, false)
		}
	}
	close(w.ready)
	w.log.Info().Str("root", root).Int("agents", len(agents)).Msg("watching mailbox")

	w.Recover(ctx)

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				w.wg.Wait()
				return nil
			}
			w.handleEvent(ctx, fw, event)

		case err, ok := <-fw.Errors:
			if !ok {
				w.wg.Wait()
				return nil
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// watchAgent adds the agent directory (to see its inbox appear) and the
// inbox itself. When scan is set, messages already in the inbox are
// dispatched; this covers files that arrived before the watch existed.
func (w *Watcher) watchAgent(ctx context.Context, fw *fsnotify.Watcher, agent string, scan bool) {
	agentDir := filepath.Join(w.mb.Root(), agent)
	w.addWatch(fw, agentDir)

	inbox, err := w.mb.InboxPath(agent)
	if err != nil {
		return
	}
	if fi, err := os.Stat(inbox); err != nil || !fi.IsDir() {
		return
	}
	if !w.addWatch(fw, inbox) || !scan {
		return
	}
	names, err := w.mb.Pending(agent)
	if err != nil {
		w.log.Warn().Err(err).Str("agent", agent).Msg("scan new inbox")
		return
	}
	for _, name := range names {
		w.dispatch(ctx, agent, name)
	}
}

// addWatch adds dir once. It reports whether a new watch was added.
func (w *Watcher) addWatch(fw *fsnotify.Watcher, dir string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[dir] {
		return false
	}
	if err := fw.Add(dir); err != nil {
		w.log.Warn().Err(err).Str("dir", dir).Msg("add watch")
		return false
	}
	w.watched[dir] = true
	return true
}

// handleEvent routes one fsnotify event. Only creations matter: sends
// rename complete files into place, which surfaces as Create.
func (w *Watcher) handleEvent(ctx context.Context, fw *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) {
		return
	}
	root := w.mb.Root()
	dir, base := filepath.Split(event.Name)
	dir = filepath.Clean(dir)

	switch {
	case dir == root:
		// A new agent directory.
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() && w.Owns(base) {
			w.watchAgent(ctx, fw, base, true)
		}

	case filepath.Dir(dir) == root && base == protocol.InboxDir:
		// An inbox created inside a known agent directory.
		agent := filepath.Base(dir)
		if w.Owns(agent) {
			w.watchAgent(ctx, fw, agent, true)
		}

	case filepath.Base(dir) == protocol.InboxDir && filepath.Dir(filepath.Dir(dir)) == root:
		agent := filepath.Base(filepath.Dir(dir))
		if w.Owns(agent) && mailbox.IsMessageFile(base) {
			w.dispatch(ctx, agent, base)
		}
	}
}

// dispatch claims name and answers it in the background. Messages that
// need no answer are left in the inbox for their reader. Duplicate events
// for the same file lose the claim and are dropped.
func (w *Watcher) dispatch(ctx context.Context, agent, name string) {
	msg, err := w.mb.Read(agent, name)
	if err == nil && !needsReply(msg) {
		w.log.Debug().Str("agent", agent).Str("file", name).Str("type", msg.Payload.Type()).Msg("left for reader")
		return
	}
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	// Malformed files are claimed too, so Handle can quarantine them.

	claim, err := w.mb.Claim(agent, name)
	if err != nil {
		if !errors.Is(err, mailbox.ErrAlreadyClaimed) {
			w.log.Error().Err(err).Str("agent", agent).Str("file", name).Msg("claim message")
		}
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sem <- struct{}{}
		defer func() { <-w.sem }()
		w.Handle(ctx, claim)
	}()
}

// Recover answers messages left in processing/ by an earlier run.
func (w *Watcher) Recover(ctx context.Context) {
	agents, err := w.mb.Agents()
	if err != nil {
		w.log.Error().Err(err).Msg("recover: list agents")
		return
	}
	for _, agent := range agents {
		if !w.Owns(agent) {
			continue
		}
		claims, err := w.mb.Claimed(agent)
		if err != nil {
			w.log.Error().Err(err).Str("agent", agent).Msg("recover: list claims")
			continue
		}
		for _, c := range claims {
			w.log.Warn().Str("agent", agent).Str("file", c.Name).Msg("recovering unfinished message; its reply may be sent twice")
			w.Handle(ctx, c)
		}
	}
}

// Handle answers one claimed message and archives it.
//
// Requests and plain messages get a generated reply, or an error reply if
// generation fails. Responses, errors and reports are never answered, so two
// helpers cannot reply to each other forever; such a claim is released back
// to the inbox for its reader.
func (w *Watcher) Handle(ctx context.Context, c *mailbox.Claim) {
	log := w.log.With().Str("agent", c.Agent).Str("file", c.Name).Logger()

	msg, err := c.Message()
	if err != nil {
		var malformed *protocol.MalformedMessageError
		if errors.As(err, &malformed) {
			if qErr := c.Quarantine(); qErr != nil {
				log.Error().Err(qErr).Msg("quarantine message")
			}
			log.Warn().Err(err).Msg("malformed message quarantined")
			w.record(ctx, eventlog.TypeMessageBad, c.Agent, c.Name, map[string]string{"error": err.Error()})
			return
		}
		// Left in processing/ for the next Recover.
		log.Error().Err(err).Msg("read claimed message")
		return
	}

	if !needsReply(msg) {
		if err := c.Release(); err != nil {
			log.Error().Err(err).Msg("release message")
		}
		return
	}
	if !w.reply(ctx, log, c.Agent, msg) {
		return
	}

	if err := c.Archive(); err != nil {
		log.Error().Err(err).Msg("archive message")
		return
	}
	w.record(ctx, eventlog.TypeMessageArchived, c.Agent, msg.ID, nil)
}

func needsReply(msg protocol.Message) bool {
	switch msg.Payload.Kind {
	case protocol.KindRequest, protocol.KindUnrecognized:
		return msg.Sender != ""
	default:
		return false
	}
}

// reply generates and sends the answer to msg. It reports whether the
// message may now be archived.
func (w *Watcher) reply(ctx context.Context, log zerolog.Logger, agent string, msg protocol.Message) bool {
	convID := msg.Sender
	to := msg.Sender
	if req := msg.Payload.Request; req != nil {
		if req.ConversationID != "" {
			convID = req.ConversationID
		}
		if req.ReturnAddress != "" {
			to = req.ReturnAddress
		}
	}

	text, err := w.gen.Generate(ctx, generation.Prompt{
		Persona: w.personas.Lookup(agent),
		Text:    msg.Payload.Text(),
	})
	var payload protocol.Payload
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: leave the claim for the next Recover.
			return false
		}
		genErr := &protocol.GenerationError{ConversationID: convID, Err: err}
		log.Error().Err(genErr).Msg("generate reply")
		payload = protocol.NewError(protocol.GenerationFailedReply, convID)
		// Failures go to the sender, not a forwarding address.
		to = msg.Sender
	} else {
		payload = protocol.NewResponse(text, convID)
	}

	id, err := w.mb.Send(ctx, to, agent, payload)
	if err != nil {
		var unknown *protocol.UnknownRecipientError
		if errors.As(err, &unknown) {
			log.Warn().Err(err).Str("to", to).Msg("reply recipient has no inbox; archiving without reply")
			return true
		}
		log.Error().Err(err).Str("to", to).Msg("send reply")
		return false
	}
	log.Info().Str("to", to).Str("reply", id).Str("type", payload.Type()).Msg("replied")
	w.record(ctx, eventlog.TypeMessageReplied, agent, msg.ID, map[string]string{"to": to, "reply": id, "type": payload.Type()})
	return true
}

// record writes an event; failures are logged, never returned.
func (w *Watcher) record(ctx context.Context, typ, agent, messageID string, detail map[string]string) {
	var payload string
	if len(detail) > 0 {
		data, _ := json.Marshal(detail)
		payload = string(data)
	}
	err := w.events.Record(context.WithoutCancel(ctx), eventlog.Event{
		Type:      typ,
		Source:    "watcher",
		Subject:   agent,
		MessageID: messageID,
		Payload:   payload,
	})
	if err != nil {
		w.log.Warn().Err(err).Str("event", typ).Msg("record event")
	}
}
