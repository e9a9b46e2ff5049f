package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"campusai/pkg/domain"
)

const migrateLockID int64 = 52418524

const (
	defaultEmbeddingDim      = 1536
	canonicalEmbeddingDimEnv = "CAMPUSAI_EMBEDDING_DIM"
)

type GormStoreOptions struct {
	EmbeddingDim int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the canonical embedding dimension used by storage.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// GormStore implements Store using GORM + Postgres with pgvector.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	embeddingDim, err := resolveEmbeddingDim(opts.EmbeddingDim)
	if err != nil {
		return nil, err
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&ConversationModel{}, &MessageModel{}, &ChunkModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(`
			DO $$
			BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'chunk_models' AND column_name = 'embedding'
			) THEN
				ALTER TABLE chunk_models ALTER COLUMN embedding TYPE vector(%d);
			END IF;
			END $$;
		`, embeddingDim)).Error; err != nil {
			return fmt.Errorf("alter chunk embedding type: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM message_models m
				WHERE NOT EXISTS (SELECT 1 FROM conversation_models c WHERE c.id = m.conversation_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_conversation_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chunk_models'
					AND constraint_name = 'chunk_models_single_owner'
				) THEN
					ALTER TABLE chunk_models
					ADD CONSTRAINT chunk_models_single_owner CHECK (
						(sujet_id IS NOT NULL)::int +
						(livre_id IS NOT NULL)::int +
						(source_id IS NOT NULL)::int = 1
					);
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure constraints: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, embeddingDim: embeddingDim}, nil
}

func resolveEmbeddingDim(configValue int) (int, error) {
	if configValue > 0 {
		return configValue, nil
	}
	raw := strings.TrimSpace(os.Getenv(canonicalEmbeddingDimEnv))
	if raw == "" {
		return defaultEmbeddingDim, nil
	}
	dim, err := strconv.Atoi(raw)
	if err != nil || dim <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", canonicalEmbeddingDimEnv, raw)
	}
	return dim, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateConversation creates a new conversation record.
func (s *GormStore) CreateConversation(ctx context.Context, c domain.Conversation) error {
	model := conversationToModel(c)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversationsByUser returns latest conversations of a user.
func (s *GormStore) ListConversationsByUser(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ConversationModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("last_message_at DESC NULLS LAST").
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// RenameConversation updates the title.
func (s *GormStore) RenameConversation(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title required")
	}
	return s.db.WithContext(ctx).Model(&ConversationModel{}).Where("id = ?", id).Updates(map[string]any{
		"title":      title,
		"updated_at": time.Now().UTC(),
	}).Error
}

// TouchConversation refreshes the last-message timestamp.
func (s *GormStore) TouchConversation(ctx context.Context, id string, lastMessageAt time.Time) error {
	updates := map[string]any{
		"updated_at": time.Now().UTC(),
	}
	if !lastMessageAt.IsZero() {
		updates["last_message_at"] = lastMessageAt.UTC()
	}
	return s.db.WithContext(ctx).Model(&ConversationModel{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteConversation removes a conversation; messages go with it via FK cascade.
func (s *GormStore) DeleteConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&ConversationModel{}, "id = ?", id).Error
}

// AppendMessage records a message.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	model, err := messageToModel(msg)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListMessages returns messages of a conversation in chronological order.
func (s *GormStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []MessageModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

// ReplaceChunks atomically swaps all chunks of one owner for the new set.
func (s *GormStore) ReplaceChunks(ctx context.Context, owner domain.Owner, chunks []domain.Chunk, embeddings [][]float32) error {
	if !owner.Valid() {
		return fmt.Errorf("invalid chunk owner %q", owner)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(embeddings), len(chunks))
	}
	for _, embedding := range embeddings {
		if err := s.validateEmbeddingDim(embedding); err != nil {
			return err
		}
	}
	column, err := ownerColumn(owner.Kind)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChunkModel{}, column+" = ?", owner.ID).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		models := make([]ChunkModel, 0, len(chunks))
		for i, chunk := range chunks {
			model := chunkToModel(chunk, owner)
			vec := pgvector.NewVector(embeddings[i])
			model.Embedding = &vec
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// SearchChunks finds chunks by cosine similarity above the threshold.
// Results are ordered by descending similarity; ties break on insertion
// order so retrieval stays deterministic.
func (s *GormStore) SearchChunks(ctx context.Context, embedding []float32, scope domain.SearchScope, threshold float64, limit int) ([]domain.ScoredChunk, error) {
	if limit <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	if err := s.validateEmbeddingDim(embedding); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(embedding)
	query := s.db.WithContext(ctx).Model(&ChunkModel{}).
		Select("*, 1 - (embedding <=> ?) AS score", vec).
		Where("embedding IS NOT NULL").
		Where("1 - (embedding <=> ?) >= ?", vec, threshold)
	if scope.Owner != nil {
		if !scope.Owner.Valid() {
			return nil, fmt.Errorf("invalid search scope owner %q", scope.Owner)
		}
		column, err := ownerColumn(scope.Owner.Kind)
		if err != nil {
			return nil, err
		}
		query = query.Where(column+" = ?", scope.Owner.ID)
	}
	var rows []struct {
		ChunkModel
		Score float64
	}
	if err := query.
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	results := make([]domain.ScoredChunk, 0, len(rows))
	for _, row := range rows {
		results = append(results, domain.ScoredChunk{
			Chunk: chunkFromModel(row.ChunkModel),
			Score: row.Score,
		})
	}
	return results, nil
}

func (s *GormStore) validateEmbeddingDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if s.embeddingDim > 0 && len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.embeddingDim)
	}
	return nil
}

func ownerColumn(kind domain.OwnerKind) (string, error) {
	switch kind {
	case domain.OwnerSujet:
		return "sujet_id", nil
	case domain.OwnerLivre:
		return "livre_id", nil
	case domain.OwnerSource:
		return "source_id", nil
	}
	return "", fmt.Errorf("unknown owner kind %q", kind)
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:            c.ID,
		UserID:        c.UserID,
		Title:         c.Title,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:            m.ID,
		UserID:        m.UserID,
		Title:         m.Title,
		LastMessageAt: m.LastMessageAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	var rawAttachments []byte
	if len(msg.Attachments) > 0 {
		raw, err := json.Marshal(msg.Attachments)
		if err != nil {
			return MessageModel{}, fmt.Errorf("marshal attachments: %w", err)
		}
		rawAttachments = raw
	}
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         msg.UserID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Attachments:    rawAttachments,
		CreatedAt:      msg.CreatedAt,
	}, nil
}

func messageFromModel(m MessageModel) domain.Message {
	var attachments []domain.Attachment
	if len(m.Attachments) > 0 {
		_ = json.Unmarshal(m.Attachments, &attachments)
	}
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		Role:           domain.Role(m.Role),
		Content:        m.Content,
		Attachments:    attachments,
		CreatedAt:      m.CreatedAt,
	}
}

func chunkToModel(chunk domain.Chunk, owner domain.Owner) ChunkModel {
	meta, _ := json.Marshal(chunk.Metadata)
	model := ChunkModel{
		ID:        chunk.ID,
		Content:   chunk.Content,
		Metadata:  meta,
		CreatedAt: chunk.CreatedAt,
	}
	id := owner.ID
	switch owner.Kind {
	case domain.OwnerSujet:
		model.SujetID = &id
	case domain.OwnerLivre:
		model.LivreID = &id
	case domain.OwnerSource:
		model.SourceID = &id
	}
	return model
}

func chunkFromModel(model ChunkModel) domain.Chunk {
	var meta map[string]string
	if len(model.Metadata) > 0 {
		_ = json.Unmarshal(model.Metadata, &meta)
	}
	var owner domain.Owner
	switch {
	case model.SujetID != nil:
		owner = domain.SujetOwner(*model.SujetID)
	case model.LivreID != nil:
		owner = domain.LivreOwner(*model.LivreID)
	case model.SourceID != nil:
		owner = domain.SourceOwner(*model.SourceID)
	}
	return domain.Chunk{
		ID:        model.ID,
		Owner:     owner,
		Content:   model.Content,
		Metadata:  meta,
		CreatedAt: model.CreatedAt,
	}
}
