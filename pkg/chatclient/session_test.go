package chatclient

import (
	"context"
	"net/http/httptest"
	"testing"

	"campusai/pkg/domain"
)

func TestSessionCompletedTurnReconciles(t *testing.T) {
	comp := &Completion{ConversationID: "c1", UserMessageID: "m1", AssistantMessageID: "m2"}
	srv := httptest.NewServer(sseChatHandler(t, []string{"La ", "mitose ", "est ", "une ", "division."}, comp, true))
	defer srv.Close()

	sess := NewSession(NewClient(srv.URL, ""))
	if err := sess.Send(context.Background(), "Explique la mitose", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	if sess.ConversationID() != "c1" {
		t.Fatalf("expected conversation id c1, got %q", sess.ConversationID())
	}
	entries := sess.Transcript().Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[1].Text != "La mitose est une division." {
		t.Fatalf("assistant text mismatch: %q", entries[1].Text)
	}
	if _, ok := entries[1].Key.Confirmed(); !ok {
		t.Fatalf("assistant entry left unconfirmed: %+v", entries[1])
	}
}

func TestSessionTruncatedStreamKeepsFragments(t *testing.T) {
	srv := httptest.NewServer(sseChatHandler(t, []string{"La ", "mitose "}, nil, false))
	defer srv.Close()

	sess := NewSession(NewClient(srv.URL, ""))
	if err := sess.Send(context.Background(), "Explique la mitose", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	entries := sess.Transcript().Entries()
	if len(entries) != 2 {
		t.Fatalf("expected user and truncated assistant entries, got %+v", entries)
	}
	if entries[1].Role != domain.RoleAssistant || entries[1].Text != "La mitose " {
		t.Fatalf("expected truncated text kept, got %+v", entries[1])
	}
	if sess.Transcript().State() != StateIdle {
		t.Fatalf("expected idle after truncated turn")
	}
}

func TestSessionNextTurnSendsConfirmedHistory(t *testing.T) {
	comp := &Completion{ConversationID: "c1", UserMessageID: "m1", AssistantMessageID: "m2"}
	srv := httptest.NewServer(sseChatHandler(t, []string{"Bonjour."}, comp, true))
	defer srv.Close()

	sess := NewSession(NewClient(srv.URL, ""))
	if err := sess.Send(context.Background(), "Bonjour", nil); err != nil {
		t.Fatalf("first send: %v", err)
	}

	payload := sess.historyPayload("Et la méiose ?", nil)
	if len(payload) != 3 {
		t.Fatalf("expected 2 history turns plus the new one, got %+v", payload)
	}
	if payload[0].Sender != "user" || payload[1].Sender != "assistant" {
		t.Fatalf("history order wrong: %+v", payload)
	}
	if payload[2].Text != "Et la méiose ?" {
		t.Fatalf("new turn missing: %+v", payload)
	}
}
