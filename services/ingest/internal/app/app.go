// Package app turns source documents into embedded corpus chunks. It
// runs outside the chat request path; the assistant only ever reads
// what this job writes.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"campusai/internal/util"
	"campusai/pkg/ai"
	"campusai/pkg/domain"
	"campusai/pkg/queue"
	"campusai/pkg/storage"
	"campusai/pkg/store"
)

const (
	defaultChunkSize        = 800
	defaultEmbedBatchSize   = 16
	defaultEmbedConcurrency = 4
	maxInlineContentBytes   = 4 << 20
)

// JobQueue is the job-tracking surface the service needs. The Redis
// stream queue implements it.
type JobQueue interface {
	Enqueue(ctx context.Context, owner, sourceURL, title string) (queue.JobStatus, error)
	GetJob(ctx context.Context, jobID string) (queue.JobStatus, bool, error)
}

// Config holds runtime configuration.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Embedder    ai.BatchEmbedder
	Objects     storage.ObjectStore
	Queue       JobQueue

	ProviderBaseURL string
	ProviderAPIKey  string
	EmbeddingModel  string
	EmbeddingDim    int

	// EmbeddingProvider selects "openai" (default) or "ollama".
	EmbeddingProvider string
	OllamaBaseURL     string

	ChunkSize        int
	EmbedConcurrency int
}

// App processes document-ingestion jobs.
type App struct {
	store            store.Store
	embedder         ai.BatchEmbedder
	objects          storage.ObjectStore
	queue            JobQueue
	chunkSize        int
	embedConcurrency int
	httpClient       *http.Client
}

// New constructs the ingest service with persistence.
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
	if embedder == nil {
		switch cfg.EmbeddingProvider {
		case "", "openai":
			if cfg.ProviderBaseURL == "" || cfg.EmbeddingModel == "" {
				return nil, fmt.Errorf("embedding provider base URL and model required")
			}
			embedder = ai.NewOpenAICompatClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, "", cfg.EmbeddingModel, cfg.EmbeddingDim)
		case "ollama":
			if cfg.EmbeddingModel == "" {
				return nil, fmt.Errorf("embedding model required")
			}
			embedder = ai.NewOllamaEmbedder(ai.NewOllamaClient(cfg.OllamaBaseURL), cfg.EmbeddingModel, cfg.EmbeddingDim)
		default:
			return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
		}
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("job queue required")
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	embedConcurrency := cfg.EmbedConcurrency
	if embedConcurrency <= 0 {
		embedConcurrency = defaultEmbedConcurrency
	}
	return &App{
		store:            dataStore,
		embedder:         embedder,
		objects:          cfg.Objects,
		queue:            cfg.Queue,
		chunkSize:        chunkSize,
		embedConcurrency: embedConcurrency,
		httpClient:       &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Request is one ingestion submission: a source document plus exactly
// one owning corpus member.
type Request struct {
	DocumentURL string `json:"document_url,omitempty"`
	Content     string `json:"content,omitempty"`
	Title       string `json:"title,omitempty"`
	SujetID     string `json:"sujet_id,omitempty"`
	LivreID     string `json:"livre_id,omitempty"`
	SourceID    string `json:"source_id,omitempty"`
}

// Report is the submission outcome.
type Report struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Title   string `json:"title,omitempty"`
	JobID   string `json:"jobId,omitempty"`
}

// Submit validates the request, stages inline content in object
// storage, and queues the job.
func (a *App) Submit(ctx context.Context, req Request) (Report, error) {
	owner, err := ownerFromRequest(req)
	if err != nil {
		return Report{}, err
	}
	url := strings.TrimSpace(req.DocumentURL)
	content := strings.TrimSpace(req.Content)
	if (url == "") == (content == "") {
		return Report{}, fmt.Errorf("exactly one of document_url or content required")
	}
	title := deriveTitle(req.Title, content)

	if content != "" {
		if len(content) > maxInlineContentBytes {
			return Report{}, fmt.Errorf("inline content too large")
		}
		if a.objects == nil {
			return Report{}, fmt.Errorf("object storage required for inline content")
		}
		key := fmt.Sprintf("sources/%s/%s/%s.txt", owner.Kind, owner.ID, util.NewID())
		url, err = a.objects.Put(ctx, key, strings.NewReader(content), int64(len(content)), "text/plain; charset=utf-8")
		if err != nil {
			return Report{}, fmt.Errorf("stage inline content: %w", err)
		}
	}

	job, err := a.queue.Enqueue(ctx, owner.String(), url, title)
	if err != nil {
		return Report{}, fmt.Errorf("enqueue job: %w", err)
	}
	return Report{
		Success: true,
		Message: "document ingestion queued",
		Title:   title,
		JobID:   job.ID,
	}, nil
}

// JobStatus returns the tracked state of a submitted job.
func (a *App) JobStatus(ctx context.Context, jobID string) (queue.JobStatus, bool, error) {
	return a.queue.GetJob(ctx, jobID)
}

// Process is the queue worker handler for one job: download, parse,
// chunk, embed, and atomically replace the owner's chunks.
func (a *App) Process(ctx context.Context, job queue.JobStatus) error {
	owner, err := parseOwner(job.Owner)
	if err != nil {
		return err
	}
	if strings.TrimSpace(job.SourceURL) == "" {
		return fmt.Errorf("job has no source url")
	}

	tempPath, err := a.downloadFile(ctx, job.SourceURL)
	if err != nil {
		return fmt.Errorf("download source: %w", err)
	}
	defer os.Remove(tempPath)

	payloads, err := a.parseAndChunk(job.SourceURL, tempPath)
	if err != nil {
		return err
	}
	if len(payloads) == 0 {
		return fmt.Errorf("no content extracted")
	}

	embeddings, err := a.embedAll(ctx, payloads)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	now := time.Now().UTC()
	chunks := make([]domain.Chunk, 0, len(payloads))
	for _, p := range payloads {
		chunks = append(chunks, domain.Chunk{
			ID:        util.NewID(),
			Owner:     owner,
			Content:   p.Content,
			Metadata:  p.Metadata,
			CreatedAt: now,
		})
	}
	if err := a.store.ReplaceChunks(ctx, owner, chunks, embeddings); err != nil {
		return fmt.Errorf("replace chunks: %w", err)
	}
	return nil
}

// embedAll embeds chunk contents in fixed-size batches with bounded
// concurrency, keeping results aligned with their chunks.
func (a *App) embedAll(ctx context.Context, payloads []chunkPayload) ([][]float32, error) {
	embeddings := make([][]float32, len(payloads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.embedConcurrency)
	for start := 0; start < len(payloads); start += defaultEmbedBatchSize {
		end := start + defaultEmbedBatchSize
		if end > len(payloads) {
			end = len(payloads)
		}
		start, end := start, end
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, p := range payloads[start:end] {
				texts = append(texts, p.Content)
			}
			vecs, err := a.embedder.EmbedTexts(gctx, texts)
			if err != nil {
				return err
			}
			copy(embeddings[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return embeddings, nil
}

func ownerFromRequest(req Request) (domain.Owner, error) {
	var owners []domain.Owner
	if id := strings.TrimSpace(req.SujetID); id != "" {
		owners = append(owners, domain.SujetOwner(id))
	}
	if id := strings.TrimSpace(req.LivreID); id != "" {
		owners = append(owners, domain.LivreOwner(id))
	}
	if id := strings.TrimSpace(req.SourceID); id != "" {
		owners = append(owners, domain.SourceOwner(id))
	}
	if len(owners) != 1 {
		return domain.Owner{}, fmt.Errorf("exactly one of sujet_id, livre_id or source_id required")
	}
	return owners[0], nil
}

func parseOwner(raw string) (domain.Owner, error) {
	kind, id, ok := strings.Cut(raw, ":")
	if !ok {
		return domain.Owner{}, fmt.Errorf("malformed owner %q", raw)
	}
	owner := domain.Owner{Kind: domain.OwnerKind(kind), ID: id}
	if !owner.Valid() {
		return domain.Owner{}, fmt.Errorf("invalid owner %q", raw)
	}
	return owner, nil
}

func deriveTitle(explicit, content string) string {
	if title := strings.TrimSpace(explicit); title != "" {
		return title
	}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > 80 {
			return string(runes[:80]) + "…"
		}
		return line
	}
	return ""
}

func (a *App) downloadFile(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("download failed: %s", resp.Status)
	}
	ext := filepath.Ext(strings.SplitN(filepath.Base(url), "?", 2)[0])
	tmpFile, err := os.CreateTemp("", "campusai-*"+ext)
	if err != nil {
		return "", err
	}
	defer tmpFile.Close()
	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		return "", err
	}
	return tmpFile.Name(), nil
}
