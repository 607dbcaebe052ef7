package interfaces

import (
	"context"

	"Jianghu-Annals/server/internal/models"
)

// ChatMessage is one message in a model conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatClient is the narrow contract every agent stage consumes: prompt in,
// text (or token stream) out.
type ChatClient interface {
	// Chat performs a blocking completion and returns the text with
	// normalized token usage.
	Chat(ctx context.Context, messages []ChatMessage) (string, models.Usage, error)

	// ChatStream starts a streaming completion. The returned stream is a
	// lazy, finite, non-restartable token sequence.
	ChatStream(ctx context.Context, messages []ChatMessage) (TokenStream, error)
}

// TokenStream yields narration tokens as they arrive. Recv returns io.EOF
// once the stream is exhausted; Usage is valid only after that.
type TokenStream interface {
	Recv() (string, error)
	Usage() models.Usage
	Close() error
}
