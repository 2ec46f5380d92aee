package conversation

import (
	"context"
	"sync"

	"commonroom/pkg/generation"
	"commonroom/pkg/protocol"

	"github.com/rs/zerolog"
)

// Handler answers requests within a conversation.
//
// Requests on the same conversation id are serialized so their history
// updates never interleave; different ids proceed concurrently.
type Handler struct {
	store   *Store
	gen     generation.Generator
	persona string
	log     zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewHandler creates a Handler that records into store and replies with gen
// speaking as persona.
func NewHandler(store *Store, gen generation.Generator, persona string, log zerolog.Logger) *Handler {
	return &Handler{
		store:   store,
		gen:     gen,
		persona: persona,
		log:     log,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Store returns the handler's conversation store.
func (h *Handler) Store() *Store { return h.store }

// ResolveID returns the conversation id a request belongs to: the explicit
// id when set, otherwise the sender.
func ResolveID(explicit, sender string) string {
	if explicit != "" {
		return explicit
	}
	return sender
}

// Handle produces a reply to text in conversation id. When reset is set the
// reply is generated without prior history, and on success that history is
// replaced by the new exchange. Otherwise the requester and responder turns
// are appended. On failure history is left untouched and a
// *protocol.GenerationError is returned.
func (h *Handler) Handle(ctx context.Context, id, text string, reset bool) (string, error) {
	unlock := h.lock(id)
	defer unlock()

	var history []protocol.Turn
	if !reset {
		history = h.store.History(id)
	}

	reply, err := h.gen.Generate(ctx, generation.Prompt{
		Persona: h.persona,
		Text:    text,
		History: history,
	})
	if err != nil {
		return "", &protocol.GenerationError{ConversationID: id, Err: err}
	}

	turns := []protocol.Turn{
		{Role: protocol.RoleRequester, Text: text},
		{Role: protocol.RoleResponder, Text: reply},
	}
	if reset {
		h.store.Replace(id, turns...)
		h.log.Debug().Str("conversation", id).Msg("conversation reset")
	} else {
		h.store.Append(id, turns...)
	}
	return reply, nil
}

func (h *Handler) lock(id string) (unlock func()) {
	h.mu.Lock()
	l, ok := h.locks[id]
	if !ok {
		l = &sync.Mutex{}
		h.locks[id] = l
	}
	h.mu.Unlock()

	l.Lock()
	return l.Unlock
}
