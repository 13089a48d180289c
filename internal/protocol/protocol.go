// Package protocol encodes and decodes the JSON text frames exchanged with
// the conversational service. Audio travels as raw binary frames and is not
// handled here.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxlink/internal/transcript"
)

// ErrMalformed is returned for text frames that are not valid messages.
var ErrMalformed = errors.New("protocol: malformed message")

// Kind classifies a decoded inbound message.
type Kind int

const (
	// KindUnknown is a well-formed message this client does not act on.
	KindUnknown Kind = iota
	// KindTranscript carries a transcription update.
	KindTranscript
	// KindServerError carries an error reported by the service.
	KindServerError
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTranscript:
		return "transcript"
	case KindServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Message is a decoded inbound text frame.
type Message struct {
	Kind Kind

	// Type is the raw "type" field, or "transcriptionText" for the typeless
	// legacy shape.
	Type string

	// Transcript is set for KindTranscript.
	Transcript transcript.Update

	// Legacy marks transcript messages in a deprecated shape.
	Legacy bool

	// Error is the service-provided message for KindServerError.
	Error string
}

// ── Wire types ────────────────────────────────────────────────────────────────

type inbound struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Sender  string `json:"sender"`
	Text    string `json:"text"`
	IsFinal *bool  `json:"is_final"`
	Message string `json:"message"`

	// TranscriptionText is the oldest user transcript shape, sent without a
	// type.
	TranscriptionText string `json:"transcriptionText"`
}

// TextMessage is the outbound free-text message.
type TextMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Language  string `json:"language"`
	Timestamp string `json:"timestamp"`
	ID        string `json:"id"`
}

// NewTextMessage builds a text_message with a fresh id, stamped at now.
func NewTextMessage(text, language string, now time.Time) TextMessage {
	return TextMessage{
		Type:      "text_message",
		Text:      text,
		Language:  language,
		Timestamp: now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		ID:        uuid.NewString(),
	}
}

// Marshal encodes m for a text frame.
func (m TextMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal text message: %w", err)
	}
	return data, nil
}

// ── Decoding ──────────────────────────────────────────────────────────────────

// legacySenders maps deprecated transcript message types to the sender they
// always carried.
var legacySenders = map[string]transcript.Sender{
	"user_transcription": transcript.SenderUser,
	"model_response":     transcript.SenderModel,
	"gemini_response":    transcript.SenderModel,
	"aiResponse":         transcript.SenderModel,
}

// Decode parses one inbound text frame. Undecodable JSON, a missing type, and
// transcript updates without an id or with an unknown sender yield an error
// wrapping [ErrMalformed]. Well-formed messages of unrecognised types decode
// as [KindUnknown].
//
// Legacy transcript shapes always add a new entry: they get a fresh id even
// when the service sent one, and are final unless is_final says otherwise.
func Decode(data []byte) (Message, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Type == "" && in.TranscriptionText == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	msg := Message{Type: in.Type}

	switch {
	case strings.HasSuffix(in.Type, "_update"):
		sender := in.Sender
		if sender == "" {
			// "user_update", "model_update": the prefix names the sender.
			sender, _, _ = strings.Cut(in.Type, "_")
		}
		s, err := transcript.ParseSender(sender)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if in.ID == "" {
			return Message{}, fmt.Errorf("%w: %s without id", ErrMalformed, in.Type)
		}
		msg.Kind = KindTranscript
		msg.Transcript = transcript.Update{
			ID:     in.ID,
			Sender: s,
			Text:   in.Text,
			Final:  in.IsFinal != nil && *in.IsFinal,
		}

	case legacySenders[in.Type] != "":
		msg.setLegacy(legacySenders[in.Type], in.Text, in.IsFinal)

	case in.TranscriptionText != "":
		if msg.Type == "" {
			msg.Type = "transcriptionText"
		}
		msg.setLegacy(transcript.SenderUser, in.TranscriptionText, nil)

	case in.Type == "transcription":
		sender := in.Sender
		if sender == "" {
			sender = string(transcript.SenderUser)
		}
		s, err := transcript.ParseSender(sender)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		msg.setLegacy(s, in.Text, nil)

	case in.Type == "error":
		msg.Kind = KindServerError
		msg.Error = in.Message
		if msg.Error == "" {
			msg.Error = "unknown error"
		}

	default:
		msg.Kind = KindUnknown
	}
	return msg, nil
}

func (m *Message) setLegacy(sender transcript.Sender, text string, isFinal *bool) {
	m.Kind = KindTranscript
	m.Legacy = true
	m.Transcript = transcript.Update{
		ID:     uuid.NewString(),
		Sender: sender,
		Text:   text,
		Final:  isFinal == nil || *isFinal,
	}
}
