// Package consumer drains one agent's inbox on a fixed interval and serves
// the generation requests it finds there.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"commonroom/pkg/conversation"
	"commonroom/pkg/eventlog"
	"commonroom/pkg/mailbox"
	"commonroom/pkg/protocol"

	"github.com/rs/zerolog"
)

// DefaultInterval is the pause between drains.
const DefaultInterval = 5 * time.Second

// Consumer polls the inbox of a single agent. It is the only consumer of
// that inbox; the watcher must be configured to skip it.
type Consumer struct {
	mb       *mailbox.Mailbox
	agent    string
	handler  *conversation.Handler
	interval time.Duration
	log      zerolog.Logger
	events   eventlog.Recorder
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLogger sets the consumer logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Consumer) { c.log = log }
}

// WithEventLog records dispatch outcomes to rec.
func WithEventLog(rec eventlog.Recorder) Option {
	return func(c *Consumer) { c.events = rec }
}

// New creates a Consumer for agent's inbox.
func New(mb *mailbox.Mailbox, agent string, handler *conversation.Handler, opts ...Option) (*Consumer, error) {
	if err := mailbox.ValidateAgent(agent); err != nil {
		return nil, err
	}
	c := &Consumer{
		mb:       mb,
		agent:    agent,
		handler:  handler,
		interval: DefaultInterval,
		log:      zerolog.Nop(),
		events:   eventlog.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Agent returns the agent whose inbox is consumed.
func (c *Consumer) Agent() string { return c.agent }

// Run registers the agent's inbox and drains it every interval until ctx
// is cancelled. Cancellation comes only from the hosting process.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.mb.Register(c.agent); err != nil {
		return err
	}
	c.log.Info().Str("agent", c.agent).Dur("interval", c.interval).Msg("polling inbox")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.Tick(ctx)
		select {
		case <-ctx.Done():
			c.log.Info().Str("agent", c.agent).Msg("polling stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick drains the inbox once and dispatches every message. It returns the
// number of messages handled.
func (c *Consumer) Tick(ctx context.Context) int {
	msgs, err := c.mb.Drain(ctx, c.agent)
	if err != nil {
		c.log.Error().Err(err).Str("agent", c.agent).Msg("drain inbox")
		return 0
	}
	// Drained files are gone from the inbox, so every message is dispatched
	// even after cancellation. Requests then fail fast and the sender still
	// gets an error reply.
	for _, msg := range msgs {
		c.dispatch(ctx, msg)
	}
	return len(msgs)
}

func (c *Consumer) dispatch(ctx context.Context, msg protocol.Message) {
	log := c.log.With().Str("id", msg.ID).Str("sender", msg.Sender).Str("type", msg.Payload.Type()).Logger()

	switch msg.Payload.Kind {
	case protocol.KindRequest:
		c.serve(ctx, log, msg)

	case protocol.KindReport:
		log.Info().Str("content", msg.Payload.Report.Content).Msg("report received")
		c.record(ctx, eventlog.TypeReportReceived, msg, nil)

	default:
		log.Warn().Msg("unhandled message type dropped")
		c.record(ctx, eventlog.TypeMessageDropped, msg, nil)
	}
}

// serve answers a generation request. The reply goes to the return address
// when one is given; failures are always reported to the sender.
func (c *Consumer) serve(ctx context.Context, log zerolog.Logger, msg protocol.Message) {
	req := msg.Payload.Request
	convID := conversation.ResolveID(req.ConversationID, msg.Sender)

	reply, err := c.handler.Handle(ctx, convID, req.Query, req.Reset)
	if err != nil {
		var genErr *protocol.GenerationError
		if !errors.As(err, &genErr) {
			genErr = &protocol.GenerationError{ConversationID: convID, Err: err}
		}
		log.Error().Err(genErr).Msg("request failed")
		c.record(ctx, eventlog.TypeRequestFailed, msg, map[string]string{"error": genErr.Error()})
		c.send(ctx, log, msg.Sender, protocol.NewError(protocol.GenerationFailedReply, convID))
		return
	}

	to := msg.Sender
	if req.ReturnAddress != "" {
		to = req.ReturnAddress
	}
	if id, ok := c.send(ctx, log, to, protocol.NewResponse(reply, convID)); ok {
		log.Info().Str("to", to).Str("reply", id).Str("conversation", convID).Msg("request served")
		c.record(ctx, eventlog.TypeRequestHandled, msg, map[string]string{"to": to, "reply": id, "conversation": convID})
	}
}

func (c *Consumer) send(ctx context.Context, log zerolog.Logger, to string, payload protocol.Payload) (string, bool) {
	if to == "" {
		log.Warn().Msg("no sender to reply to")
		return "", false
	}
	id, err := c.mb.Send(context.WithoutCancel(ctx), to, c.agent, payload)
	if err != nil {
		log.Error().Err(err).Str("to", to).Msg("send reply")
		return "", false
	}
	return id, true
}

// record writes an event; failures are logged, never returned.
func (c *Consumer) record(ctx context.Context, typ string, msg protocol.Message, detail map[string]string) {
	var payload string
	if len(detail) > 0 {
		data, _ := json.Marshal(detail)
		payload = string(data)
	}
	err := c.events.Record(context.WithoutCancel(ctx), eventlog.Event{
		Type:      typ,
		Source:    "consumer",
		Subject:   c.agent,
		MessageID: msg.ID,
		Payload:   payload,
	})
	if err != nil {
		c.log.Warn().Err(err).Str("event", typ).Msg("record event")
	}
}
