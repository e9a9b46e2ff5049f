package chatclient

import (
	"context"

	"campusai/pkg/domain"
)

// MaxStagedFileBytes is the per-file size ceiling enforced before any
// network call.
const MaxStagedFileBytes = 10 << 20

var allowedMimeTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"text/plain":      true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// StagedFile is a client-local file picked by the user. It is not an
// entity until its upload succeeds and the server returns an Attachment.
type StagedFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// StageFiles validates picked files against the type allow-list and the
// size ceiling. It returns the accepted files and the names of the
// rejected ones.
func StageFiles(files []StagedFile) (accepted []StagedFile, rejected []string) {
	for _, f := range files {
		if f.Name == "" || len(f.Data) == 0 || int64(len(f.Data)) > MaxStagedFileBytes || !allowedMimeTypes[f.MimeType] {
			rejected = append(rejected, f.Name)
			continue
		}
		accepted = append(accepted, f)
	}
	return accepted, rejected
}

// Uploader sends one staged file to storage and returns the persisted
// attachment. *Client implements it.
type Uploader interface {
	UploadAttachment(ctx context.Context, conversationID string, file StagedFile) (domain.Attachment, error)
}

// UploadAll uploads each staged file. One file's failure does not abort
// the others; failed files are dropped from the turn.
func UploadAll(ctx context.Context, up Uploader, conversationID string, files []StagedFile) []domain.Attachment {
	var out []domain.Attachment
	for _, f := range files {
		att, err := up.UploadAttachment(ctx, conversationID, f)
		if err != nil {
			continue
		}
		out = append(out, att)
	}
	return out
}
