package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxlink/internal/transcript"
)

// Sentinel errors returned by the public operations.
var (
	// ErrUnsupportedLanguage is returned by ChangeLanguage for codes outside
	// the configured language set.
	ErrUnsupportedLanguage = errors.New("session: unsupported language")

	// ErrNotConnected is returned by SendText when no connection is open.
	ErrNotConnected = errors.New("session: not connected")

	// ErrEmptyMessage is returned by SendText for blank text.
	ErrEmptyMessage = errors.New("session: empty message")
)

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StatePaused
	StateStopped
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateStopped; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", text)
}

// Language is one selectable conversation language.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// NoticeKind classifies a user-facing notice.
type NoticeKind string

const (
	NoticeInfo        NoticeKind = "info"
	NoticeServerError NoticeKind = "server_error"
	NoticeConnection  NoticeKind = "connection_error"
	NoticeCapture     NoticeKind = "capture_error"
	NoticePlayback    NoticeKind = "playback_error"
	NoticeProtocol    NoticeKind = "protocol_error"
)

// Notice is a status line surfaced to the user interface.
type Notice struct {
	At      time.Time  `json:"at"`
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
}

// ConnectionInfo describes the live connection in a [Snapshot].
type ConnectionInfo struct {
	ID       uint64 `json:"id"`
	Language string `json:"language"`
	State    string `json:"state"`
}

// Snapshot is a read-only copy of session state.
type Snapshot struct {
	ID         string             `json:"id"`
	State      State              `json:"state"`
	Language   string             `json:"language"`
	Connection *ConnectionInfo    `json:"connection,omitempty"`
	Switching  bool               `json:"switching"`
	Playing    bool               `json:"playing"`
	Queued     int                `json:"queued"`
	FramesSent uint64             `json:"frames_sent"`
	Chunks     uint64             `json:"chunks_received"`
	BargeIns   uint64             `json:"barge_ins"`
	LastError  string             `json:"last_error,omitempty"`
	Notices    []Notice           `json:"notices"`
	Transcript []transcript.Entry `json:"transcript"`
}
