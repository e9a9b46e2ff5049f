package chatclient

import (
	"errors"
	"testing"

	"campusai/pkg/domain"
)

func TestTranscriptReconcileReplacesTemporaryIDs(t *testing.T) {
	tr := NewTranscript()
	if _, err := tr.BeginTurn("Explique la mitose", nil); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	tr.StreamStarted()
	tr.AppendDelta("La mitose ")
	tr.AppendDelta("est une division.")
	tr.Reconcile(Completion{ConversationID: "c1", UserMessageID: "m1", AssistantMessageID: "m2"})

	if tr.State() != StateIdle {
		t.Fatalf("expected idle after reconcile, got %v", tr.State())
	}
	entries := tr.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if id, ok := entries[0].Key.Confirmed(); !ok || id != "m1" {
		t.Fatalf("user entry not confirmed as m1: %+v", entries[0])
	}
	if id, ok := entries[1].Key.Confirmed(); !ok || id != "m2" {
		t.Fatalf("assistant entry not confirmed as m2: %+v", entries[1])
	}
	if entries[1].Text != "La mitose est une division." {
		t.Fatalf("assistant text lost deltas: %q", entries[1].Text)
	}
}

func TestTranscriptReconcileNeverDuplicates(t *testing.T) {
	tr := NewTranscript()
	tr.Load([]domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "Explique la mitose"},
	})
	// a history reload already confirmed the user message under its
	// server id, so reconciliation must drop the pending copy
	if _, err := tr.BeginTurn("Explique la mitose", nil); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	tr.StreamStarted()
	tr.AppendDelta("La mitose est une division.")
	tr.Reconcile(Completion{ConversationID: "c1", UserMessageID: "m1", AssistantMessageID: "m2"})

	entries := tr.Entries()
	seen := map[string]int{}
	for _, e := range entries {
		if id, ok := e.Key.Confirmed(); ok {
			seen[id]++
		}
	}
	if seen["m1"] != 1 {
		t.Fatalf("expected exactly one m1 entry, got %d (entries %+v)", seen["m1"], entries)
	}
	if seen["m2"] != 1 {
		t.Fatalf("expected exactly one m2 entry, got %d", seen["m2"])
	}
}

func TestTranscriptFailKeepsUserMessageWithOverlay(t *testing.T) {
	tr := NewTranscript()
	if _, err := tr.BeginTurn("Explique la mitose", nil); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	tr.StreamStarted()
	failure := errors.New("model unavailable")
	tr.Fail(failure)

	entries := tr.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected the user entry to survive alone, got %+v", entries)
	}
	if entries[0].Role != domain.RoleUser || entries[0].Text != "Explique la mitose" {
		t.Fatalf("user message dropped: %+v", entries[0])
	}
	if !errors.Is(entries[0].Err, failure) {
		t.Fatalf("expected error overlay on the user entry")
	}
	if tr.State() != StateIdle {
		t.Fatalf("expected idle after failure, got %v", tr.State())
	}
}

func TestTranscriptTruncatedStreamKeepsAccumulatedText(t *testing.T) {
	tr := NewTranscript()
	if _, err := tr.BeginTurn("Explique la mitose", nil); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	tr.StreamStarted()
	tr.AppendDelta("La mitose ")
	tr.AppendDelta("est ")
	tr.FinalizeTruncated(nil)

	entries := tr.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected both entries kept, got %+v", entries)
	}
	if entries[1].Text != "La mitose est " {
		t.Fatalf("expected accumulated fragments kept, got %q", entries[1].Text)
	}
	if tr.State() != StateIdle {
		t.Fatalf("expected idle after truncation, got %v", tr.State())
	}
}

func TestTranscriptCancelDiscardsPartialAssistantText(t *testing.T) {
	tr := NewTranscript()
	if _, err := tr.BeginTurn("Explique la mitose", nil); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	tr.StreamStarted()
	tr.AppendDelta("La mitose ")
	tr.Cancel()

	entries := tr.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected only the user entry after cancel, got %+v", entries)
	}
	if entries[0].Role != domain.RoleUser {
		t.Fatalf("user entry missing after cancel: %+v", entries[0])
	}
}

func TestTranscriptRejectsConcurrentTurn(t *testing.T) {
	tr := NewTranscript()
	if _, err := tr.BeginTurn("première question", nil); err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if _, err := tr.BeginTurn("deuxième question", nil); err == nil {
		t.Fatalf("expected second BeginTurn to fail while in flight")
	}
}
