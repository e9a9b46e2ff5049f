package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"campusai/pkg/ai"
	"campusai/pkg/domain"
	"campusai/pkg/store"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) EmbedText(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

type fakeStream struct {
	deltas []string
	err    error
	pos    int
}

func (s *fakeStream) Recv() (ai.StreamEvent, error) {
	if s.pos < len(s.deltas) {
		ev := ai.StreamEvent{Text: s.deltas[s.pos]}
		s.pos++
		return ev, nil
	}
	if s.err != nil {
		return ai.StreamEvent{}, s.err
	}
	return ai.StreamEvent{}, io.EOF
}

func (s *fakeStream) Close() error { return nil }

type fakeStreamer struct {
	deltas  []string
	err     error
	openErr error

	lastRequest ai.ChatRequest
}

func (f *fakeStreamer) StreamChat(_ context.Context, req ai.ChatRequest) (ai.Stream, error) {
	f.lastRequest = req
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeStream{deltas: f.deltas, err: f.err}, nil
}

type failingAppendStore struct {
	store.Store
}

func (f *failingAppendStore) AppendMessage(_ context.Context, _ domain.Message) error {
	return errors.New("disk full")
}

func newTestApp(t *testing.T, dataStore store.Store, embedder ai.Embedder, streamer ai.ChatStreamer) *App {
	t.Helper()
	a, err := New(Config{
		Store:    dataStore,
		Embedder: embedder,
		Streamer: streamer,
		TopK:     4,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func seedChunks(t *testing.T, s store.Store, owner domain.Owner, contents []string, embeddings [][]float32) {
	t.Helper()
	chunks := make([]domain.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = domain.Chunk{Owner: owner, Content: c}
	}
	if err := s.ReplaceChunks(context.Background(), owner, chunks, embeddings); err != nil {
		t.Fatalf("seed chunks: %v", err)
	}
}

func TestStreamTurnFullPipeline(t *testing.T) {
	mem := store.NewMemoryStore()
	// two books, one chunk each; the first aligns better with the query
	seedChunks(t, mem, domain.LivreOwner("L1"), []string{"La mitose comporte quatre phases."}, [][]float32{{1, 0, 0}})
	seedChunks(t, mem, domain.LivreOwner("L2"), []string{"La prophase condense les chromosomes."}, [][]float32{{0.8, 0.6, 0}})

	deltas := []string{"La ", "mitose ", "est ", "une ", "division."}
	streamer := &fakeStreamer{deltas: deltas}
	a := newTestApp(t, mem, &fakeEmbedder{vec: []float32{1, 0, 0}}, streamer)

	var emitted []string
	res, err := a.StreamTurn(context.Background(), TurnInput{
		UserID: "u1",
		Text:   "Explique la mitose",
	}, func(text string) error {
		emitted = append(emitted, text)
		return nil
	})
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}

	if len(emitted) != len(deltas) {
		t.Fatalf("expected %d emitted deltas, got %d", len(deltas), len(emitted))
	}
	if res.Text != "La mitose est une division." {
		t.Fatalf("assistant text mismatch: %q", res.Text)
	}
	if res.Truncated {
		t.Fatalf("unexpected truncation")
	}

	// both chunks land in the system block, best match first
	system := streamer.lastRequest.System
	l1 := strings.Index(system, "[livre L1]")
	l2 := strings.Index(system, "[livre L2]")
	if l1 < 0 || l2 < 0 {
		t.Fatalf("retrieved chunks missing from system block:\n%s", system)
	}
	if l1 > l2 {
		t.Fatalf("chunks not in descending similarity order")
	}

	msgs, err := mem.ListMessages(context.Background(), res.ConversationID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Fatalf("user message must precede assistant message: %+v", msgs)
	}
	if msgs[0].ID != res.UserMessageID || msgs[1].ID != res.AssistantMessageID {
		t.Fatalf("result ids do not match persisted records")
	}
	if msgs[1].Content != "La mitose est une division." {
		t.Fatalf("persisted assistant message is not the delta concatenation: %q", msgs[1].Content)
	}
	if msgs[1].CreatedAt.Before(msgs[0].CreatedAt) {
		t.Fatalf("message timestamps out of order")
	}
}

func TestStreamTurnDegradesWhenEmbeddingUnavailable(t *testing.T) {
	mem := store.NewMemoryStore()
	seedChunks(t, mem, domain.LivreOwner("L1"), []string{"du contenu"}, [][]float32{{1, 0, 0}})

	streamer := &fakeStreamer{deltas: []string{"Réponse."}}
	embedErr := &fakeEmbedder{err: ai.ErrEmbeddingUnavailable}
	a := newTestApp(t, mem, embedErr, streamer)

	res, err := a.StreamTurn(context.Background(), TurnInput{UserID: "u1", Text: "Explique la mitose"}, nil)
	if err != nil {
		t.Fatalf("expected pipeline to proceed without retrieval, got %v", err)
	}
	if res.Text != "Réponse." {
		t.Fatalf("unexpected answer: %q", res.Text)
	}
	if strings.Contains(streamer.lastRequest.System, "Extraits pertinents") {
		t.Fatalf("retrieval block present despite embedding failure")
	}
}

func TestStreamTurnNoChunksForSubjectEmitsNote(t *testing.T) {
	mem := store.NewMemoryStore()
	streamer := &fakeStreamer{deltas: []string{"Réponse."}}
	a := newTestApp(t, mem, &fakeEmbedder{vec: []float32{1, 0, 0}}, streamer)

	_, err := a.StreamTurn(context.Background(), TurnInput{
		UserID:  "u1",
		Text:    "Que couvre ce sujet ?",
		Subject: &domain.SubjectContext{ID: "S1"},
	}, nil)
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	system := streamer.lastRequest.System
	if strings.Contains(system, "Extraits pertinents") {
		t.Fatalf("retrieval block fabricated from zero results")
	}
	if !strings.Contains(system, noExtractedContentNote) {
		t.Fatalf("missing no-content note:\n%s", system)
	}
}

func TestStreamTurnUserPersistenceFailureIsFatal(t *testing.T) {
	failing := &failingAppendStore{Store: store.NewMemoryStore()}
	streamer := &fakeStreamer{deltas: []string{"jamais envoyé"}}
	a := newTestApp(t, failing, &fakeEmbedder{vec: []float32{1}}, streamer)

	_, err := a.StreamTurn(context.Background(), TurnInput{UserID: "u1", Text: "Bonjour"}, nil)
	if err == nil {
		t.Fatalf("expected fatal error when the user message cannot be persisted")
	}
	if streamer.lastRequest.System != "" {
		t.Fatalf("model relay must not run after a user-message persistence failure")
	}
}

func TestStreamTurnModelUnavailableIsFatal(t *testing.T) {
	mem := store.NewMemoryStore()
	streamer := &fakeStreamer{openErr: ai.ErrModelUnavailable}
	a := newTestApp(t, mem, &fakeEmbedder{err: ai.ErrEmbeddingUnavailable}, streamer)

	res, err := a.StreamTurn(context.Background(), TurnInput{UserID: "u1", Text: "Bonjour"}, nil)
	if !errors.Is(err, ai.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}

	// the user's input stays durable even though the turn failed
	msgs, listErr := mem.ListMessages(context.Background(), res.ConversationID, 0)
	if listErr != nil {
		t.Fatalf("list messages: %v", listErr)
	}
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Fatalf("expected only the persisted user message, got %+v", msgs)
	}
}

func TestStreamTurnMidStreamDropKeepsAccumulatedText(t *testing.T) {
	mem := store.NewMemoryStore()
	streamer := &fakeStreamer{deltas: []string{"La ", "mitose "}, err: io.ErrUnexpectedEOF}
	a := newTestApp(t, mem, &fakeEmbedder{err: ai.ErrEmbeddingUnavailable}, streamer)

	res, err := a.StreamTurn(context.Background(), TurnInput{UserID: "u1", Text: "Explique la mitose"}, nil)
	if err != nil {
		t.Fatalf("truncation must not be fatal: %v", err)
	}
	if !res.Truncated {
		t.Fatalf("expected truncated result")
	}
	if res.Text != "La mitose " {
		t.Fatalf("accumulated text lost: %q", res.Text)
	}

	msgs, err := mem.ListMessages(context.Background(), res.ConversationID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "La mitose " {
		t.Fatalf("truncated text not persisted best-effort: %+v", msgs)
	}
}

func TestDeriveConversationTitle(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", defaultConversationTitle},
		{"Explique-moi la mitose", "La mitose"},
		{"peux-tu m'expliquer le cycle de Krebs ?", "Le cycle de Krebs"},
		{"La glycolyse", "La glycolyse"},
		{strings.Repeat("a", 60), strings.Repeat("a", 48) + "…"},
	}
	for _, c := range cases {
		if got := deriveConversationTitle(c.in); got != c.want {
			t.Fatalf("deriveConversationTitle(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
