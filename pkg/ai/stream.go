package ai

import (
	"context"
	"errors"

	"campusai/pkg/domain"
)

// ErrModelUnavailable means the upstream model connection failed before
// any output was produced. Fatal for the turn.
var ErrModelUnavailable = errors.New("model provider unavailable")

// StreamEvent is one decoded text delta from the upstream model.
type StreamEvent struct {
	Text string
}

// Stream delivers decoded deltas one at a time. Recv returns io.EOF after
// the upstream terminal signal; any other error means the stream broke
// mid-flight and whatever was accumulated is the final output.
type Stream interface {
	Recv() (StreamEvent, error)
	Close() error
}

// ChatRequest is a provider-agnostic streaming completion request.
type ChatRequest struct {
	System string
	Turns  []domain.Turn
}

// ChatStreamer opens exactly one upstream streaming request per call.
// All vendor-specific event-stream parsing stays behind this interface.
type ChatStreamer interface {
	StreamChat(ctx context.Context, req ChatRequest) (Stream, error)
}
