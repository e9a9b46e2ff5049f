package store

import (
	"context"
	"time"

	"campusai/pkg/domain"
)

// Store defines persistence for conversations, messages, and the chunk corpus.
//
// The request-path pipeline only reads chunks; writes to the corpus come
// from the ingest job. Conversations and messages are written in display
// order: the user message of a turn strictly before its assistant message.
type Store interface {
	// conversations
	CreateConversation(ctx context.Context, c domain.Conversation) error
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	ListConversationsByUser(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
	RenameConversation(ctx context.Context, id, title string) error
	TouchConversation(ctx context.Context, id string, lastMessageAt time.Time) error
	DeleteConversation(ctx context.Context, id string) error

	// messages
	AppendMessage(ctx context.Context, msg domain.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)

	// chunks
	ReplaceChunks(ctx context.Context, owner domain.Owner, chunks []domain.Chunk, embeddings [][]float32) error
	SearchChunks(ctx context.Context, embedding []float32, scope domain.SearchScope, threshold float64, limit int) ([]domain.ScoredChunk, error)
}
