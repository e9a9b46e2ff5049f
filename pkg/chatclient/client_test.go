package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"campusai/pkg/domain"
)

func sseChatHandler(t *testing.T, deltas []string, comp *Completion, sentinel bool) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assistant/chats" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, d := range deltas {
			payload, _ := json.Marshal(map[string]string{"text": d})
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
		if comp != nil {
			payload, _ := json.Marshal(map[string]any{
				"done":               true,
				"conversationId":     comp.ConversationID,
				"userMessageId":      comp.UserMessageID,
				"assistantMessageId": comp.AssistantMessageID,
			})
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
		}
		if sentinel {
			_, _ = w.Write([]byte("data: [DONE]\n\n"))
		}
		flusher.Flush()
	}
}

func drainStream(t *testing.T, stream *TurnStream) ([]string, error) {
	t.Helper()
	var got []string
	for {
		delta, err := stream.Recv()
		if err != nil {
			return got, err
		}
		got = append(got, delta)
	}
}

func TestSendForwardsDeltasAndCompletion(t *testing.T) {
	deltas := []string{"La ", "mitose ", "est ", "une ", "division."}
	comp := &Completion{ConversationID: "c1", UserMessageID: "m1", AssistantMessageID: "m2"}
	srv := httptest.NewServer(sseChatHandler(t, deltas, comp, true))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	stream, err := client.Send(context.Background(), ChatRequest{Messages: []TurnPayload{{Text: "Explique la mitose", Sender: "user"}}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer stream.Close()

	got, err := drainStream(t, stream)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected clean EOF, got %v", err)
	}
	if len(got) != len(deltas) {
		t.Fatalf("expected %d deltas, got %d: %v", len(deltas), len(got), got)
	}
	for i := range deltas {
		if got[i] != deltas[i] {
			t.Fatalf("delta %d: expected %q, got %q", i, deltas[i], got[i])
		}
	}
	c := stream.Completion()
	if c == nil || c.ConversationID != "c1" || c.UserMessageID != "m1" || c.AssistantMessageID != "m2" {
		t.Fatalf("unexpected completion: %+v", c)
	}
}

func TestSendMidStreamDropIsUnexpectedEOF(t *testing.T) {
	srv := httptest.NewServer(sseChatHandler(t, []string{"La ", "mitose"}, nil, false))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	stream, err := client.Send(context.Background(), ChatRequest{Messages: []TurnPayload{{Text: "Explique la mitose", Sender: "user"}}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer stream.Close()

	got, err := drainStream(t, stream)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected the 2 received deltas to be kept, got %v", got)
	}
	if stream.Completion() != nil {
		t.Fatalf("expected no completion on a dropped stream")
	}
}

func TestSendRejectedRequestReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	if _, err := client.Send(context.Background(), ChatRequest{}); err == nil {
		t.Fatalf("expected error on rejected request")
	}
}

func TestUploadAttachmentDecodesRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assistant/attachments" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(MaxStagedFileBytes); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		_ = json.NewEncoder(w).Encode(domain.Attachment{
			ID:        "a1",
			Name:      header.Filename,
			MimeType:  header.Header.Get("Content-Type"),
			SizeBytes: int64(len(data)),
			URL:       "https://files.campus.example/a1",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	att, err := client.UploadAttachment(context.Background(), "c1", StagedFile{
		Name:     "notes.pdf",
		MimeType: "application/pdf",
		Data:     []byte("%PDF-1.4"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if att.ID != "a1" || att.Name != "notes.pdf" || att.URL == "" {
		t.Fatalf("unexpected attachment: %+v", att)
	}
	if att.MimeType != "application/pdf" {
		t.Fatalf("staged MIME type lost in upload: %q", att.MimeType)
	}
}

func TestUploadAttachmentSendsStagedMimeType(t *testing.T) {
	var partType, partName string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(MaxStagedFileBytes); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		partType = header.Header.Get("Content-Type")
		partName = header.Filename
		_ = json.NewEncoder(w).Encode(domain.Attachment{ID: "a2", Name: header.Filename, MimeType: partType})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	_, err := client.UploadAttachment(context.Background(), "", StagedFile{
		Name:     "schema de \"la\" cellule.png",
		MimeType: "image/png",
		Data:     []byte{0x89, 'P', 'N', 'G'},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if partType != "image/png" {
		t.Fatalf("part Content-Type = %q, want image/png", partType)
	}
	if partName != `schema de "la" cellule.png` {
		t.Fatalf("filename mangled: %q", partName)
	}
}

func TestRecvHandlesOversizedDelta(t *testing.T) {
	big := make([]byte, 200*1024)
	for i := range big {
		big[i] = 'a'
	}
	deltas := []string{string(big), "fin"}
	srv := httptest.NewServer(sseChatHandler(t, deltas, nil, true))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	stream, err := client.Send(context.Background(), ChatRequest{Messages: []TurnPayload{{Text: "Explique", Sender: "user"}}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer stream.Close()

	got, err := drainStream(t, stream)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected clean EOF on a long delta, got %v", err)
	}
	if len(got) != 2 || len(got[0]) != len(big) || got[1] != "fin" {
		t.Fatalf("long delta dropped: %d deltas, first len %d", len(got), len(got[0]))
	}
}
