// Package generation produces helper replies from an external text model.
package generation

import (
	"context"
	"errors"
	"fmt"

	"commonroom/pkg/protocol"
)

// Prompt is everything a Generator needs for one reply.
type Prompt struct {
	// Persona is the helper's instruction text, sent as a system prompt.
	Persona string
	// Text is the incoming message.
	Text string
	// History is prior turns of the same conversation, oldest first.
	History []protocol.Turn
}

// Generator turns a prompt into reply text. Implementations must be safe
// for concurrent use.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// ErrEmptyReply is returned when the model answers with no text.
var ErrEmptyReply = errors.New("empty reply")

// Echo is an offline Generator that repeats the incoming text.
type Echo struct {
	Prefix string
}

// Generate implements Generator.
func (e Echo) Generate(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prefix := e.Prefix
	if prefix == "" {
		prefix = "echo: "
	}
	return fmt.Sprintf("%s%s", prefix, p.Text), nil
}
