// Package chatclient is the requesting side of the assistant pipeline:
// it sends chat turns, consumes the event-stream response, stages and
// uploads attachments, and keeps an optimistic transcript reconciled
// against the persisted records the server reports on completion.
package chatclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"campusai/pkg/domain"
)

// maxEventLineBytes caps a single event-stream line.
const maxEventLineBytes = 1 << 20

// Client talks to the assistant service over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient returns a client for the assistant service at baseURL.
// token, when non-empty, is sent as a bearer credential.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// no global timeout: responses stream
		httpClient: &http.Client{},
	}
}

// TurnPayload is one history entry in the chat request body.
type TurnPayload struct {
	Text        string              `json:"text"`
	Sender      string              `json:"sender"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

// ChatRequest is the body of a chat turn.
type ChatRequest struct {
	ConversationID string                 `json:"conversationId,omitempty"`
	Messages       []TurnPayload          `json:"messages"`
	UserContext    *domain.UserProfile    `json:"userContext,omitempty"`
	SubjectContext *domain.SubjectContext `json:"subjectContext,omitempty"`
}

// Completion carries the durable identifiers the server reports once
// both sides of the turn are persisted.
type Completion struct {
	ConversationID     string `json:"conversationId"`
	UserMessageID      string `json:"userMessageId"`
	AssistantMessageID string `json:"assistantMessageId"`
}

// Send opens a chat turn and returns the live stream of text deltas.
// The caller must drain the stream until Recv returns io.EOF and then
// Close it.
func (c *Client) Send(ctx context.Context, req ChatRequest) (*TurnStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/assistant/chats", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("chat request rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	scanner := bufio.NewScanner(resp.Body)
	// a single data: line can exceed the default 64 KiB scanner limit
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineBytes)
	return &TurnStream{body: resp.Body, scanner: scanner}, nil
}

// TurnStream reads the server's event-stream frames one delta at a time.
type TurnStream struct {
	body       io.ReadCloser
	scanner    *bufio.Scanner
	completion *Completion
	done       bool
}

type streamFrame struct {
	Text               string `json:"text"`
	Done               bool   `json:"done"`
	ConversationID     string `json:"conversationId"`
	UserMessageID      string `json:"userMessageId"`
	AssistantMessageID string `json:"assistantMessageId"`
}

// Recv returns the next text delta. io.EOF signals a clean end after the
// terminal sentinel; io.ErrUnexpectedEOF signals the stream dropped
// mid-turn, in which case the caller keeps whatever deltas it already
// received as the final truncated answer.
func (s *TurnStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			s.done = true
			return "", io.EOF
		}
		var frame streamFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			continue
		}
		if frame.Done {
			s.completion = &Completion{
				ConversationID:     frame.ConversationID,
				UserMessageID:      frame.UserMessageID,
				AssistantMessageID: frame.AssistantMessageID,
			}
			continue
		}
		return frame.Text, nil
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.ErrUnexpectedEOF
}

// Completion returns the persisted identifiers, or nil if the stream
// ended before the server reported them.
func (s *TurnStream) Completion() *Completion {
	return s.completion
}

func (s *TurnStream) Close() error {
	return s.body.Close()
}

// UploadAttachment sends one staged file to the attachment endpoint and
// returns the persisted record with its durable URL.
func (c *Client) UploadAttachment(ctx context.Context, conversationID string, file StagedFile) (domain.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if conversationID != "" {
		if err := mw.WriteField("conversationId", conversationID); err != nil {
			return domain.Attachment{}, err
		}
	}
	part, err := mw.CreatePart(filePartHeader(file))
	if err != nil {
		return domain.Attachment{}, err
	}
	if _, err := part.Write(file.Data); err != nil {
		return domain.Attachment{}, err
	}
	if err := mw.Close(); err != nil {
		return domain.Attachment{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/assistant/attachments", &buf)
	if err != nil {
		return domain.Attachment{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Attachment{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return domain.Attachment{}, fmt.Errorf("attachment upload rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var att domain.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&att); err != nil {
		return domain.Attachment{}, fmt.Errorf("decode attachment response: %w", err)
	}
	return att, nil
}

var partQuoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, `\"`)

// filePartHeader builds the multipart header for one staged file. The
// part carries the staged MIME type so the server persists it on the
// Attachment instead of a generic octet-stream.
func filePartHeader(file StagedFile) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, partQuoteEscaper.Replace(file.Name)))
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)
	return h
}
