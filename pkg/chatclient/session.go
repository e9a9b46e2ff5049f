package chatclient

import (
	"context"
	"errors"
	"io"

	"campusai/pkg/domain"
)

// Session drives one conversation end to end: attachment upload, the
// streaming chat request, and transcript reconciliation.
type Session struct {
	client         *Client
	transcript     *Transcript
	conversationID string
	userContext    *domain.UserProfile
	subjectContext *domain.SubjectContext

	cancelStream context.CancelFunc
}

func NewSession(client *Client) *Session {
	return &Session{client: client, transcript: NewTranscript()}
}

// Transcript exposes the visible message list for rendering.
func (s *Session) Transcript() *Transcript { return s.transcript }

// ConversationID returns the server-assigned conversation id, empty
// until the first turn completes.
func (s *Session) ConversationID() string { return s.conversationID }

// SetUserContext attaches the academic profile sent with every turn.
func (s *Session) SetUserContext(p *domain.UserProfile) { s.userContext = p }

// SetSubjectContext points the assistant at the document the user has
// open, or clears it when nil.
func (s *Session) SetSubjectContext(sc *domain.SubjectContext) { s.subjectContext = sc }

// Send runs one chat turn: stages and uploads the picked files, inserts
// the optimistic placeholders, streams the assistant's reply into the
// transcript, and reconciles ids on completion. A mid-stream drop keeps
// the accumulated text as the final answer; a failure before any output
// surfaces as an error overlay on the user's message.
func (s *Session) Send(ctx context.Context, text string, files []StagedFile) error {
	staged, _ := StageFiles(files)
	attachments := UploadAll(ctx, s.client, s.conversationID, staged)

	if _, err := s.transcript.BeginTurn(text, attachments); err != nil {
		return err
	}

	req := ChatRequest{
		ConversationID: s.conversationID,
		Messages:       s.historyPayload(text, attachments),
		UserContext:    s.userContext,
		SubjectContext: s.subjectContext,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.cancelStream = cancel
	defer func() {
		cancel()
		s.cancelStream = nil
	}()

	stream, err := s.client.Send(streamCtx, req)
	if err != nil {
		s.transcript.Fail(err)
		return err
	}
	defer stream.Close()

	s.transcript.StreamStarted()
	for {
		delta, err := stream.Recv()
		if err == nil {
			s.transcript.AppendDelta(delta)
			continue
		}
		if errors.Is(err, io.EOF) {
			comp := stream.Completion()
			if comp == nil {
				s.transcript.FinalizeTruncated(nil)
				return nil
			}
			s.conversationID = comp.ConversationID
			s.transcript.Reconcile(*comp)
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.Canceled) {
			if streamCtx.Err() != nil {
				s.transcript.Cancel()
				return nil
			}
			comp := stream.Completion()
			if comp != nil {
				s.conversationID = comp.ConversationID
			}
			s.transcript.FinalizeTruncated(comp)
			return nil
		}
		s.transcript.Fail(err)
		return err
	}
}

// Cancel aborts the in-flight stream reader. The upstream call is
// abandoned best-effort; partially received text leaves the view.
func (s *Session) Cancel() {
	if s.cancelStream != nil {
		s.cancelStream()
	}
	s.transcript.Cancel()
}

// Reset drops the transcript and conversation binding, for starting a
// new thread. Aborts any in-flight stream first.
func (s *Session) Reset() {
	s.Cancel()
	s.transcript = NewTranscript()
	s.conversationID = ""
}

func (s *Session) historyPayload(text string, attachments []domain.Attachment) []TurnPayload {
	var out []TurnPayload
	for _, e := range s.transcript.Entries() {
		if _, ok := e.Key.Confirmed(); !ok {
			continue
		}
		sender := "user"
		if e.Role == domain.RoleAssistant {
			sender = "assistant"
		}
		out = append(out, TurnPayload{Text: e.Text, Sender: sender, Attachments: e.Attachments})
	}
	out = append(out, TurnPayload{Text: text, Sender: "user", Attachments: attachments})
	return out
}
