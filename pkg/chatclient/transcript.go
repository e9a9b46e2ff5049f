package chatclient

import (
	"errors"
	"sync"

	"campusai/internal/util"
	"campusai/pkg/domain"
)

// TurnState is the transcript's in-flight turn phase.
type TurnState int

const (
	StateIdle TurnState = iota
	StateSending
	StateStreaming
	StateReconciling
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateReconciling:
		return "reconciling"
	}
	return "unknown"
}

type keyKind int

const (
	keyPending keyKind = iota
	keyConfirmed
)

// EntryKey identifies a transcript entry. A pending key carries a
// client-local temporary id; a confirmed key carries the server-issued
// id. Keeping them as distinct variants makes reconciliation a total
// replace-by-key operation rather than an in-place id mutation.
type EntryKey struct {
	kind keyKind
	id   string
}

func PendingKey(tempID string) EntryKey     { return EntryKey{kind: keyPending, id: tempID} }
func ConfirmedKey(serverID string) EntryKey { return EntryKey{kind: keyConfirmed, id: serverID} }

// Confirmed reports whether the entry is backed by a persisted record,
// and if so its server id.
func (k EntryKey) Confirmed() (string, bool) {
	if k.kind == keyConfirmed {
		return k.id, true
	}
	return "", false
}

// Entry is one visible transcript message.
type Entry struct {
	Key         EntryKey
	Role        domain.Role
	Text        string
	Attachments []domain.Attachment
	Err         error
}

var errTurnInFlight = errors.New("a turn is already in flight")

// Transcript is the client-side optimistic view of one conversation. It
// inserts placeholders immediately, appends streamed text as it arrives,
// and swaps temporary ids for server ids once the turn is persisted.
type Transcript struct {
	mu      sync.Mutex
	state   TurnState
	entries []Entry

	userTemp      string
	assistantTemp string
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

// Load seeds the transcript from persisted history. Only valid while
// idle.
func (t *Transcript) Load(messages []domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateIdle {
		return
	}
	t.entries = t.entries[:0]
	for _, m := range messages {
		t.entries = append(t.entries, Entry{
			Key:         ConfirmedKey(m.ID),
			Role:        m.Role,
			Text:        m.Content,
			Attachments: m.Attachments,
		})
	}
}

// State returns the current turn phase.
func (t *Transcript) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Entries returns a snapshot of the visible transcript.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// BeginTurn inserts the optimistic user placeholder and moves to
// Sending. Fails if a turn is already in flight.
func (t *Transcript) BeginTurn(text string, attachments []domain.Attachment) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateIdle {
		return "", errTurnInFlight
	}
	tempID := "tmp-" + util.NewID()
	t.entries = append(t.entries, Entry{
		Key:         PendingKey(tempID),
		Role:        domain.RoleUser,
		Text:        text,
		Attachments: attachments,
	})
	t.userTemp = tempID
	t.state = StateSending
	return tempID, nil
}

// StreamStarted inserts the empty assistant placeholder and moves to
// Streaming.
func (t *Transcript) StreamStarted() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateSending {
		return ""
	}
	tempID := "tmp-" + util.NewID()
	t.entries = append(t.entries, Entry{Key: PendingKey(tempID), Role: domain.RoleAssistant})
	t.assistantTemp = tempID
	t.state = StateStreaming
	return tempID
}

// AppendDelta appends streamed text to the assistant placeholder.
func (t *Transcript) AppendDelta(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateStreaming {
		return
	}
	for i := range t.entries {
		if t.entries[i].Key == PendingKey(t.assistantTemp) {
			t.entries[i].Text += text
			return
		}
	}
}

// Reconcile swaps the turn's temporary keys for the server-issued ids
// and returns to Idle. If a confirmed entry with the same server id is
// already present (a concurrent history reload), the pending duplicate
// is removed instead, so the transcript never shows two representations
// of one logical message.
func (t *Transcript) Reconcile(comp Completion) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconcileLocked(comp)
}

func (t *Transcript) reconcileLocked(comp Completion) {
	if t.state != StateStreaming && t.state != StateSending {
		return
	}
	t.state = StateReconciling
	t.confirmEntry(t.userTemp, comp.UserMessageID)
	t.confirmEntry(t.assistantTemp, comp.AssistantMessageID)
	t.userTemp, t.assistantTemp = "", ""
	t.state = StateIdle
}

func (t *Transcript) confirmEntry(tempID, serverID string) {
	if tempID == "" || serverID == "" {
		return
	}
	confirmed := ConfirmedKey(serverID)
	exists := false
	for i := range t.entries {
		if t.entries[i].Key == confirmed {
			exists = true
			break
		}
	}
	pending := PendingKey(tempID)
	for i := range t.entries {
		if t.entries[i].Key != pending {
			continue
		}
		if exists {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
		} else {
			t.entries[i].Key = confirmed
		}
		return
	}
}

// FinalizeTruncated ends a turn whose stream dropped mid-way. The
// accumulated assistant text stays visible as the final answer; the
// persisted ids, if the server managed to report any, are applied.
func (t *Transcript) FinalizeTruncated(comp *Completion) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateStreaming {
		return
	}
	if comp != nil {
		t.reconcileLocked(*comp)
		return
	}
	t.userTemp, t.assistantTemp = "", ""
	t.state = StateIdle
}

// Fail marks the in-flight turn as errored. The user's message stays in
// the transcript with an error overlay; nothing is rolled back. An
// empty assistant placeholder is removed, but one that already received
// text keeps it.
func (t *Transcript) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateIdle {
		return
	}
	for i := range t.entries {
		if t.entries[i].Key == PendingKey(t.userTemp) {
			t.entries[i].Err = err
			break
		}
	}
	t.removeAssistantIfEmptyLocked()
	t.userTemp, t.assistantTemp = "", ""
	t.state = StateIdle
}

// Cancel aborts the in-flight turn. Partially received assistant text
// is discarded from view; the user's message stays.
func (t *Transcript) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateIdle {
		return
	}
	if t.assistantTemp != "" {
		pending := PendingKey(t.assistantTemp)
		for i := range t.entries {
			if t.entries[i].Key == pending {
				t.entries = append(t.entries[:i], t.entries[i+1:]...)
				break
			}
		}
	}
	t.userTemp, t.assistantTemp = "", ""
	t.state = StateIdle
}

func (t *Transcript) removeAssistantIfEmptyLocked() {
	if t.assistantTemp == "" {
		return
	}
	pending := PendingKey(t.assistantTemp)
	for i := range t.entries {
		if t.entries[i].Key == pending {
			if t.entries[i].Text == "" {
				t.entries = append(t.entries[:i], t.entries[i+1:]...)
			}
			return
		}
	}
}
