package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode"

	"campusai/internal/util"
	"campusai/pkg/ai"
	"campusai/pkg/domain"
	"campusai/pkg/storage"
	"campusai/pkg/store"
)

const (
	defaultConversationTitle = "Nouvelle conversation"
	maxAttachmentBytes       = 10 << 20
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Objects     storage.ObjectStore

	Embedder ai.Embedder
	Streamer ai.ChatStreamer

	ProviderBaseURL string
	ProviderAPIKey  string
	ChatModel       string
	EmbeddingModel  string
	EmbeddingDim    int

	// EmbeddingProvider selects "openai" (default) or "ollama" for the
	// question embedding; chat streaming always goes through the
	// OpenAI-compatible provider.
	EmbeddingProvider string
	OllamaBaseURL     string

	TopK             int
	ScoreThreshold   float64
	HistoryLimit     int
	RetrievalTimeout time.Duration
}

// App wires storage, retrieval, and the model relay into chat turns.
type App struct {
	store            store.Store
	objects          storage.ObjectStore
	embedder         ai.Embedder
	streamer         ai.ChatStreamer
	topK             int
	threshold        float64
	historyLimit     int
	retrievalTimeout time.Duration
}

// New constructs the application with database-backed storage for
// conversations and the chunk corpus.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(cfg.EmbeddingDim))
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	embedder := cfg.Embedder
	streamer := cfg.Streamer
	if embedder == nil || streamer == nil {
		if cfg.ProviderBaseURL == "" || cfg.ChatModel == "" || cfg.EmbeddingModel == "" {
			return nil, fmt.Errorf("model provider base URL, chat model and embedding model required")
		}
		client := ai.NewOpenAICompatClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ChatModel, cfg.EmbeddingModel, cfg.EmbeddingDim)
		if embedder == nil {
			switch cfg.EmbeddingProvider {
			case "", "openai":
				embedder = client
			case "ollama":
				embedder = ai.NewOllamaEmbedder(ai.NewOllamaClient(cfg.OllamaBaseURL), cfg.EmbeddingModel, cfg.EmbeddingDim)
			default:
				return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
			}
		}
		if streamer == nil {
			streamer = client
		}
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = 4
	}
	threshold := cfg.ScoreThreshold
	if threshold <= 0 {
		threshold = 0.3
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit < 0 {
		historyLimit = 0
	}
	retrievalTimeout := cfg.RetrievalTimeout
	if retrievalTimeout <= 0 {
		retrievalTimeout = 10 * time.Second
	}

	return &App{
		store:            dataStore,
		objects:          cfg.Objects,
		embedder:         embedder,
		streamer:         streamer,
		topK:             topK,
		threshold:        threshold,
		historyLimit:     historyLimit,
		retrievalTimeout: retrievalTimeout,
	}, nil
}

// TurnInput is one incoming chat turn.
type TurnInput struct {
	UserID         string
	ConversationID string
	Text           string
	Attachments    []domain.Attachment
	Profile        *domain.UserProfile
	Subject        *domain.SubjectContext
	// History carries client-supplied prior turns for threads that are
	// not yet bound to a stored conversation.
	History []domain.Turn
}

// TurnResult reports the persisted identifiers once a turn finishes.
type TurnResult struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string
	Text               string
	Truncated          bool
}

// StreamTurn runs one chat turn: it persists the user message, retrieves
// context best-effort, opens one upstream stream, forwards each delta
// through emit as soon as it decodes, and persists the assistant message
// after the terminal event. A mid-stream upstream drop keeps the
// accumulated text as the final, truncated answer and still persists it
// best-effort. A pre-first-byte upstream failure is fatal for the turn.
func (a *App) StreamTurn(ctx context.Context, in TurnInput, emit func(text string) error) (TurnResult, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Attachments) == 0 {
		return TurnResult{}, ErrEmptyTurn
	}

	conversation, err := a.ensureConversation(ctx, in.UserID, text, in.ConversationID)
	if err != nil {
		return TurnResult{}, err
	}

	prior, err := a.priorTurns(ctx, in, conversation.ID)
	if err != nil {
		return TurnResult{}, err
	}

	userMsg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conversation.ID,
		UserID:         in.UserID,
		Role:           domain.RoleUser,
		Content:        text,
		Attachments:    in.Attachments,
		CreatedAt:      time.Now().UTC(),
	}
	// the user's input must be durable before anything downstream runs
	if err := a.store.AppendMessage(ctx, userMsg); err != nil {
		return TurnResult{}, fmt.Errorf("persist user message: %w", err)
	}

	retrieval := a.retrieve(ctx, text, in.Subject)

	system := assemble(AssembleInput{Profile: in.Profile, Subject: in.Subject, Retrieval: retrieval})
	turns := make([]domain.Turn, 0, len(prior)+1)
	turns = append(turns, prior...)
	turns = append(turns, domain.Turn{Role: domain.RoleUser, Content: text})

	stream, err := a.streamer.StreamChat(ctx, ai.ChatRequest{System: system, Turns: turns})
	if err != nil {
		return TurnResult{ConversationID: conversation.ID, UserMessageID: userMsg.ID}, err
	}
	defer stream.Close()

	var sb strings.Builder
	var upstreamErr error
	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			upstreamErr = err
			break
		}
		sb.WriteString(ev.Text)
		if emit != nil {
			if err := emit(ev.Text); err != nil {
				// the client went away; nothing more to deliver and
				// only completed streams are persisted
				return TurnResult{ConversationID: conversation.ID, UserMessageID: userMsg.ID}, err
			}
		}
	}

	if upstreamErr != nil && sb.Len() == 0 {
		return TurnResult{ConversationID: conversation.ID, UserMessageID: userMsg.ID},
			fmt.Errorf("%w: stream ended without output", ai.ErrModelUnavailable)
	}

	assistantMsg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conversation.ID,
		UserID:         in.UserID,
		Role:           domain.RoleAssistant,
		Content:        sb.String(),
		CreatedAt:      time.Now().UTC(),
	}
	persistCtx := context.WithoutCancel(ctx)
	if err := a.store.AppendMessage(persistCtx, assistantMsg); err != nil {
		// the client keeps the streamed text; the durable copy is
		// missing, which we surface in the logs rather than hide
		util.LoggerFromContext(ctx).Warn("assistant message not persisted", "conversation", conversation.ID, "err", err)
	}
	if err := a.store.TouchConversation(persistCtx, conversation.ID, assistantMsg.CreatedAt); err != nil {
		util.LoggerFromContext(ctx).Warn("conversation not touched", "conversation", conversation.ID, "err", err)
	}

	return TurnResult{
		ConversationID:     conversation.ID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistantMsg.ID,
		Text:               sb.String(),
		Truncated:          upstreamErr != nil,
	}, nil
}

// retrieve embeds the question and searches the corpus. Both calls run
// under a bounded timeout and degrade to no retrieval context on any
// failure.
func (a *App) retrieve(ctx context.Context, text string, subject *domain.SubjectContext) []domain.ScoredChunk {
	if text == "" {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, a.retrievalTimeout)
	defer cancel()

	vec, err := a.embedder.EmbedText(rctx, text)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("embedding unavailable, skipping retrieval", "err", err)
		return nil
	}
	scope := domain.SearchScope{}
	if subject != nil && strings.TrimSpace(subject.ID) != "" {
		owner := domain.SujetOwner(subject.ID)
		scope.Owner = &owner
	}
	chunks, err := a.store.SearchChunks(rctx, vec, scope, a.threshold, a.topK)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("chunk search failed, skipping retrieval", "err", err)
		return nil
	}
	return chunks
}

func (a *App) priorTurns(ctx context.Context, in TurnInput, conversationID string) ([]domain.Turn, error) {
	if strings.TrimSpace(in.ConversationID) == "" || a.historyLimit == 0 {
		return in.History, nil
	}
	messages, err := a.store.ListMessages(ctx, conversationID, a.historyLimit*2)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	turns := make([]domain.Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, domain.Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

// ListConversations lists recent conversations for the current user.
func (a *App) ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id required")
	}
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	items, err := a.store.ListConversationsByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return items, nil
}

// ListConversationMessages lists a conversation's messages in
// chronological order.
func (a *App) ListConversationMessages(ctx context.Context, userID, conversationID string, limit int) ([]domain.Message, error) {
	if _, err := a.ownedConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	items, err := a.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversation messages: %w", err)
	}
	return items, nil
}

// RenameConversation sets a user-chosen title.
func (a *App) RenameConversation(ctx context.Context, userID, conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title required")
	}
	if _, err := a.ownedConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := a.store.RenameConversation(ctx, conversationID, title); err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation and, by cascade, its
// messages.
func (a *App) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if _, err := a.ownedConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := a.store.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// UploadAttachment stores one user file and returns the attachment
// record with its durable URL.
func (a *App) UploadAttachment(ctx context.Context, userID, name, mimeType string, size int64, r io.Reader) (domain.Attachment, error) {
	if a.objects == nil {
		return domain.Attachment{}, fmt.Errorf("object storage not configured")
	}
	name = path.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		return domain.Attachment{}, fmt.Errorf("file name required")
	}
	if size <= 0 || size > maxAttachmentBytes {
		return domain.Attachment{}, fmt.Errorf("file size out of range")
	}
	id := util.NewID()
	key := fmt.Sprintf("attachments/%s/%s-%s", userID, id, name)
	url, err := a.objects.Put(ctx, key, r, size, mimeType)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("store attachment: %w", err)
	}
	return domain.Attachment{
		ID:         id,
		Name:       name,
		MimeType:   mimeType,
		SizeBytes:  size,
		StorageKey: key,
		URL:        url,
		UploadedAt: time.Now().UTC(),
	}, nil
}

func (a *App) ownedConversation(ctx context.Context, userID, conversationID string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, fmt.Errorf("conversation id required")
	}
	conversation, ok, err := a.store.GetConversation(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	if conversation.UserID != userID {
		return domain.Conversation{}, ErrConversationForbidden
	}
	return conversation, nil
}

func (a *App) ensureConversation(ctx context.Context, userID, text, conversationID string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID != "" {
		return a.ownedConversation(ctx, userID, conversationID)
	}

	now := time.Now().UTC()
	conversation := domain.Conversation{
		ID:            util.NewID(),
		UserID:        userID,
		Title:         deriveConversationTitle(text),
		LastMessageAt: &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.store.CreateConversation(ctx, conversation); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, nil
}

// deriveConversationTitle turns the first message into a short thread
// title, trimming common French question openers.
func deriveConversationTitle(text string) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if text == "" {
		return defaultConversationTitle
	}
	lower := strings.ToLower(text)
	for _, prefix := range []string{
		"s'il te plaît", "s'il vous plaît", "est-ce que tu peux m'expliquer",
		"est-ce que tu peux", "peux-tu m'expliquer", "peux-tu me dire",
		"peux-tu", "pourrais-tu", "explique-moi", "explique moi", "explique ",
		"dis-moi", "parle-moi de", "j'aimerais savoir", "je voudrais savoir",
		"je veux savoir", "aide-moi à comprendre", "aide-moi avec",
	} {
		if strings.HasPrefix(lower, prefix) {
			text = strings.TrimSpace(text[len(prefix):])
			break
		}
	}
	text = strings.TrimSpace(strings.TrimSuffix(text, "?"))
	if text == "" {
		return defaultConversationTitle
	}
	runes := []rune(text)
	runes[0] = unicode.ToUpper(runes[0])
	if len(runes) > 48 {
		return string(runes[:48]) + "…"
	}
	return string(runes)
}
