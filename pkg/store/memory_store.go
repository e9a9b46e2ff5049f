package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"campusai/pkg/domain"
)

type storedChunk struct {
	chunk     domain.Chunk
	embedding []float32
	seq       int
}

// MemoryStore keeps everything in-process. Used by tests and local runs
// without Postgres; mirrors the ordering semantics of GormStore.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
	chunks        []storedChunk
	seq           int
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
	}
}

// CreateConversation stores a new conversation.
func (m *MemoryStore) CreateConversation(_ context.Context, c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[c.ID]; exists {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	m.conversations[c.ID] = c
	return nil
}

// GetConversation returns one conversation by ID.
func (m *MemoryStore) GetConversation(_ context.Context, id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

// ListConversationsByUser returns a user's conversations, most recent first.
func (m *MemoryStore) ListConversationsByUser(_ context.Context, userID string, limit int) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID == userID {
			items = append(items, c)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return lastActivity(items[i]).After(lastActivity(items[j]))
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func lastActivity(c domain.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.UpdatedAt
}

// RenameConversation updates the title.
func (m *MemoryStore) RenameConversation(_ context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}
	c.Title = title
	c.UpdatedAt = time.Now().UTC()
	m.conversations[id] = c
	return nil
}

// TouchConversation refreshes the last-message timestamp.
func (m *MemoryStore) TouchConversation(_ context.Context, id string, lastMessageAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}
	if !lastMessageAt.IsZero() {
		at := lastMessageAt.UTC()
		c.LastMessageAt = &at
	}
	c.UpdatedAt = time.Now().UTC()
	m.conversations[id] = c
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

// AppendMessage records a message at the end of its conversation.
func (m *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return fmt.Errorf("conversation %s not found", msg.ConversationID)
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return nil
}

// ListMessages returns messages in chronological order.
func (m *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[conversationID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReplaceChunks swaps all chunks of one owner for the new set.
func (m *MemoryStore) ReplaceChunks(_ context.Context, owner domain.Owner, chunks []domain.Chunk, embeddings [][]float32) error {
	if !owner.Valid() {
		return fmt.Errorf("invalid chunk owner %q", owner)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(embeddings), len(chunks))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.chunks[:0]
	for _, sc := range m.chunks {
		if sc.chunk.Owner != owner {
			kept = append(kept, sc)
		}
	}
	m.chunks = kept
	for i, chunk := range chunks {
		chunk.Owner = owner
		m.seq++
		m.chunks = append(m.chunks, storedChunk{chunk: chunk, embedding: embeddings[i], seq: m.seq})
	}
	return nil
}

// SearchChunks ranks chunks by cosine similarity, descending, with ties
// broken by insertion order.
func (m *MemoryStore) SearchChunks(_ context.Context, embedding []float32, scope domain.SearchScope, threshold float64, limit int) ([]domain.ScoredChunk, error) {
	if limit <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding vector is empty")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	type scored struct {
		result domain.ScoredChunk
		seq    int
	}
	matches := make([]scored, 0)
	for _, sc := range m.chunks {
		if scope.Owner != nil && sc.chunk.Owner != *scope.Owner {
			continue
		}
		score := cosineSimilarity(embedding, sc.embedding)
		if score < threshold {
			continue
		}
		matches = append(matches, scored{
			result: domain.ScoredChunk{Chunk: sc.chunk, Score: score},
			seq:    sc.seq,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].result.Score != matches[j].result.Score {
			return matches[i].result.Score > matches[j].result.Score
		}
		return matches[i].seq < matches[j].seq
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	results := make([]domain.ScoredChunk, 0, len(matches))
	for _, match := range matches {
		results = append(results, match.result)
	}
	return results, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
