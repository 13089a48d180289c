// Package transcript reconciles incremental transcription updates into an
// ordered conversation log.
//
// The remote service streams partial transcriptions for both sides of the
// conversation. Every update carries a stable id; the first update for an id
// appends an [Entry], later ones replace its text in place so the entry keeps
// its original position.
//
// Finality is monotonic: once an entry is final, non-final updates for the
// same id are rejected. A later final update may still correct the text.
package transcript

import (
	"fmt"
	"time"
)

// Sender identifies who spoke an entry.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderModel Sender = "model"
)

// ParseSender normalises a wire sender name. "ai" and "assistant" are accepted
// as aliases for [SenderModel].
func ParseSender(s string) (Sender, error) {
	switch s {
	case "user":
		return SenderUser, nil
	case "model", "ai", "assistant":
		return SenderModel, nil
	default:
		return "", fmt.Errorf("transcript: unknown sender %q", s)
	}
}

// Entry is one utterance in the conversation log.
type Entry struct {
	ID     string    `json:"id"`
	Sender Sender    `json:"sender"`
	Text   string    `json:"text"`
	Final  bool      `json:"is_final"`
	At     time.Time `json:"updated_at"`
}

// Update is one incremental transcription message.
type Update struct {
	ID     string
	Sender Sender
	Text   string
	Final  bool
}

// Outcome reports what [Reconciler.Apply] did with an update.
type Outcome int

const (
	// Appended: the id was new and an entry was added at the end.
	Appended Outcome = iota
	// Replaced: an existing entry's text or finality changed.
	Replaced
	// Unchanged: the update matched the existing entry exactly.
	Unchanged
	// Rejected: the update was invalid or tried to reopen a final entry.
	Rejected
)

// String returns the human-readable name of the outcome.
func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	case Unchanged:
		return "unchanged"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}
