package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxStreamLineBytes caps a single event-stream line from the upstream.
const maxStreamLineBytes = 1 << 20

// OpenAICompatClient calls any OpenAI-compatible /v1 endpoint for
// embeddings and streaming chat completions. Works with vLLM, LiteLLM,
// LocalAI, OpenRouter, self-hosted models, etc.
type OpenAICompatClient struct {
	baseURL    string
	apiKey     string
	chatModel  string
	embedModel string
	embedDim   int
	httpClient *http.Client
}

// NewOpenAICompatClient builds a client. baseURL should include the /v1
// prefix, e.g. "https://api.openai.com/v1". apiKey can be empty for local
// models. The client carries no global timeout: streaming responses stay
// open as long as the upstream produces output, and embedding callers
// bound their calls through the context.
func NewOpenAICompatClient(baseURL, apiKey, chatModel, embedModel string, embedDim int) *OpenAICompatClient {
	return &OpenAICompatClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		chatModel:  strings.TrimSpace(chatModel),
		embedModel: strings.TrimSpace(embedModel),
		embedDim:   embedDim,
		httpClient: &http.Client{},
	}
}

// EmbedText returns a fixed-dimension embedding for the input text.
// Input is clipped to the provider ceiling before submission.
func (c *OpenAICompatClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedTexts returns embeddings for multiple texts in one request.
func (c *OpenAICompatClient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if c.embedModel == "" {
		return nil, fmt.Errorf("embedding model required")
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("embedding texts required")
	}
	clipped := make([]string, 0, len(texts))
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("embedding text required")
		}
		clipped = append(clipped, truncateForEmbedding(text))
	}
	reqBody := oaiEmbedRequest{
		Model: c.embedModel,
		Input: clipped,
	}
	if c.embedDim > 0 {
		reqBody.Dimensions = c.embedDim
	}
	var resp oaiEmbedResponse
	if err := c.doJSON(ctx, "/embeddings", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(resp.Data) != len(clipped) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrEmbeddingUnavailable, len(resp.Data), len(clipped))
	}
	out := make([][]float32, 0, len(resp.Data))
	for _, item := range resp.Data {
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty embedding in response", ErrEmbeddingUnavailable)
		}
		out = append(out, item.Embedding)
	}
	return out, nil
}

// StreamChat opens one streaming completion request and returns a Stream
// of decoded deltas. A failure before any byte of the event stream is
// read surfaces as ErrModelUnavailable.
func (c *OpenAICompatClient) StreamChat(ctx context.Context, request ChatRequest) (Stream, error) {
	if c.chatModel == "" {
		return nil, fmt.Errorf("chat model required")
	}
	messages := make([]oaiMessage, 0, len(request.Turns)+1)
	if strings.TrimSpace(request.System) != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: request.System})
	}
	for _, turn := range request.Turns {
		messages = append(messages, oaiMessage{Role: string(turn.Role), Content: turn.Content})
	}
	body, err := json.Marshal(oaiChatRequest{
		Model:    c.chatModel,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, errResp.Error.Message)
		}
		return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, resp.Status)
	}
	scanner := bufio.NewScanner(resp.Body)
	// a single data: line can exceed the default 64 KiB scanner limit
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)
	return &oaiStream{
		body:    resp.Body,
		scanner: scanner,
	}, nil
}

func (c *OpenAICompatClient) doJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return fmt.Errorf("api error: %s", errResp.Error.Message)
		}
		return fmt.Errorf("api error: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// oaiStream decodes the upstream event-stream frame by frame. Each frame
// is a `data: ` line carrying a JSON chunk or the [DONE] sentinel.
type oaiStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// markers some providers leak into delta text around turn boundaries.
var boundaryMarkers = []string{"<|endoftext|>", "<|im_end|>", "<|eot_id|>"}

func (s *oaiStream) Recv() (StreamEvent, error) {
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
			return StreamEvent{}, io.EOF
		}
		var chunk oaiChatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return StreamEvent{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		text := chunk.Choices[0].Delta.Content
		for _, marker := range boundaryMarkers {
			text = strings.ReplaceAll(text, marker, "")
		}
		return StreamEvent{Text: text}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return StreamEvent{}, err
	}
	// Upstream closed without a [DONE] sentinel: mid-stream drop.
	return StreamEvent{}, io.ErrUnexpectedEOF
}

func (s *oaiStream) Close() error {
	return s.body.Close()
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
	Stream   bool         `json:"stream"`
}

type oaiChatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type oaiEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type oaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
