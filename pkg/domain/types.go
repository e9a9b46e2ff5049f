package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// OwnerKind identifies which corpus a chunk belongs to.
type OwnerKind string

const (
	OwnerSujet  OwnerKind = "sujet"
	OwnerLivre  OwnerKind = "livre"
	OwnerSource OwnerKind = "source"
)

// Owner is the single source document a chunk belongs to. A chunk has
// exactly one owner; the zero value is invalid.
type Owner struct {
	Kind OwnerKind
	ID   string
}

func SujetOwner(id string) Owner  { return Owner{Kind: OwnerSujet, ID: id} }
func LivreOwner(id string) Owner  { return Owner{Kind: OwnerLivre, ID: id} }
func SourceOwner(id string) Owner { return Owner{Kind: OwnerSource, ID: id} }

// Valid reports whether the owner names a known corpus and an ID.
func (o Owner) Valid() bool {
	if strings.TrimSpace(o.ID) == "" {
		return false
	}
	switch o.Kind {
	case OwnerSujet, OwnerLivre, OwnerSource:
		return true
	}
	return false
}

func (o Owner) String() string {
	return fmt.Sprintf("%s:%s", o.Kind, o.ID)
}

// Conversation is a chat thread owned by one user. Created lazily on the
// first message of a new thread; only the title is ever mutated.
type Conversation struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	Title         string     `json:"title"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Message is one turn entry in a conversation. Append-only.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	UserID         string       `json:"userId"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Attachment is a user-supplied file stored in object storage and owned
// by exactly one message.
type Attachment struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MimeType   string    `json:"mimeType"`
	SizeBytes  int64     `json:"sizeBytes"`
	StorageKey string    `json:"-"`
	URL        string    `json:"url"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Chunk is a bounded span of a source document with its embedding, the
// unit of retrieval. Immutable once ingested.
type Chunk struct {
	ID        string            `json:"id"`
	Owner     Owner             `json:"-"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Location renders the chunk's page/section metadata for provenance tags.
func (c Chunk) Location() string {
	if c.Metadata == nil {
		return ""
	}
	if page := strings.TrimSpace(c.Metadata["page"]); page != "" {
		return "page " + page
	}
	if section := strings.TrimSpace(c.Metadata["section"]); section != "" {
		return section
	}
	if idx := strings.TrimSpace(c.Metadata["chunk"]); idx != "" {
		return "extrait " + idx
	}
	return ""
}

// ScoredChunk pairs a retrieved chunk with its similarity score.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// SearchScope restricts retrieval to one source document. The zero value
// means cross-corpus search.
type SearchScope struct {
	Owner *Owner
}

// UserProfile carries the academic facts injected into the prompt.
type UserProfile struct {
	Prenom     string   `json:"prenom"`
	Nom        string   `json:"nom"`
	Universite string   `json:"universite"`
	Faculte    string   `json:"faculte"`
	Niveau     string   `json:"niveau"`
	Modules    []string `json:"modules,omitempty"`
}

// SubjectContext points the assistant at the document the user has open.
// Content, when present, is the raw extracted text used as a fallback
// when no chunks exist for the document.
type SubjectContext struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content,omitempty"`
}

// Turn is one prior exchange entry handed to the model as history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
