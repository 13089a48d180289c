package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/voxlink/internal/duplex"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/internal/transcript"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/capture"
	"github.com/MrWong99/voxlink/pkg/audio/playback"
)

// Everything in this file runs on the session loop.

// ── Operations ────────────────────────────────────────────────────────────────

func (s *Session) start() error {
	switch s.state {
	case StateListening, StateConnecting:
		return nil
	case StatePaused:
		if s.conn != nil && s.conn.State() == duplex.StateOpen {
			s.setState(StateListening)
			return nil
		}
	}

	if err := s.startCapture(); err != nil {
		s.captureFailed(err)
		return err
	}
	s.lastErr = nil
	s.setState(StateConnecting)
	if s.conn != nil && s.conn.State() == duplex.StateOpen {
		s.setState(StateListening)
		return nil
	}
	return s.ensureConnection()
}

func (s *Session) pause() {
	if s.state != StateListening {
		s.log.Debug("session: pause ignored", "state", s.state.String())
		return
	}
	s.setState(StatePaused)
}

// stop releases every resource the session holds. It is safe to call in any
// state; resources already released are left alone.
func (s *Session) stop(reason duplex.CloseReason) {
	s.linked = false
	s.stopCapture()
	if s.conn != nil {
		c := s.conn
		s.conn = nil
		c.Close(reason)
	}
	// The retiring connection is already closing; forget it so its closure
	// does not open a replacement.
	s.retiring = nil
	if n := s.queue.Flush(); n > 0 {
		s.log.Debug("session: discarded pending playback", "chunks", n)
	}
	s.setState(StateStopped)
}

func (s *Session) changeLanguage(code string) error {
	if !supported(s.cfg.Languages, code) {
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, code)
	}
	prev := s.language
	s.language = code
	if prev != code {
		s.log.Info("session: language selected", "from", prev, "to", code)
	}

	if s.conn != nil && s.conn.Language() != code {
		s.retire(s.conn, duplex.ReasonLanguageChange)
		if s.state == StateListening || s.state == StatePaused {
			s.setState(StateConnecting)
		}
	}
	return s.ensureConnection()
}

func (s *Session) sendText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if s.conn == nil || s.conn.State() != duplex.StateOpen {
		return "", ErrNotConnected
	}
	msg := protocol.NewTextMessage(text, s.language, s.now())
	data, err := msg.Marshal()
	if err != nil {
		return "", err
	}
	if err := s.conn.SendText(data); err != nil {
		return "", fmt.Errorf("session: send text: %w", err)
	}
	s.applyTranscript(transcript.Update{
		ID:     msg.ID,
		Sender: transcript.SenderUser,
		Text:   text,
		Final:  true,
	})
	return msg.ID, nil
}

// ── Connection management ─────────────────────────────────────────────────────

// ensureConnection marks the channel as wanted and opens one for the current
// language unless a connection exists or a retiring one has yet to close; the
// retiring connection's closure opens the replacement.
func (s *Session) ensureConnection() error {
	s.linked = true
	if s.conn != nil || s.retiring != nil {
		return nil
	}
	return s.connect()
}

// connect opens a connection for the current language. A connection that
// cannot even be attempted leaves the session Idle.
func (s *Session) connect() error {
	c := duplex.New(s.cfg.Connection, s.language, s.loop.Post, connEvents{s})
	if err := c.Open(s.ctx); err != nil {
		s.connectionLost(err)
		return err
	}
	s.conn = c
	s.draining[c] = struct{}{}
	return nil
}

// retire closes c and remembers it so that the replacement connection is only
// opened after c reports Closed.
func (s *Session) retire(c *duplex.Conn, reason duplex.CloseReason) {
	if s.conn == c {
		s.conn = nil
	}
	s.retiring = c
	c.Close(reason)
}

// connectionLost handles a connection that ended without being asked to.
func (s *Session) connectionLost(err error) {
	s.linked = false
	s.lastErr = err
	s.emitNotice(NoticeConnection, err.Error())
	s.log.Warn("session: connection lost", "err", err)
	s.stopCapture()
	s.queue.Flush()
	if s.state != StateStopped {
		s.setState(StateIdle)
	}
}

// awaitDrain returns a channel closed once every connection has reported
// Closed.
func (s *Session) awaitDrain() <-chan struct{} {
	ch := make(chan struct{})
	if len(s.draining) == 0 {
		close(ch)
		return ch
	}
	s.drained = ch
	return ch
}

// connEvents adapts the session to [duplex.Handler] without exporting the
// callbacks on Session itself.
type connEvents struct{ s *Session }

var _ duplex.Handler = connEvents{}

func (e connEvents) OnOpen(c *duplex.Conn) {
	s := e.s
	if c != s.conn {
		return
	}
	s.emitNotice(NoticeInfo, fmt.Sprintf("Connected (%s)", c.Language()))
	if s.state == StateConnecting {
		s.setState(StateListening)
	}
}

func (e connEvents) OnBinary(c *duplex.Conn, data []byte) {
	s := e.s
	if c != s.conn {
		return
	}
	s.chunks++
	s.chunkSeq++
	s.metrics.RecordAudioBytes(s.ctx, "in", len(data))
	chunk := audio.Chunk{Data: data, SampleRate: s.cfg.OutputSampleRate, Seq: s.chunkSeq}
	if err := s.queue.Enqueue(chunk); err != nil {
		s.metrics.RecordProtocolError(s.ctx, "invalid_audio")
		s.log.Warn("session: dropped audio chunk", "err", err)
	}
}

func (e connEvents) OnText(c *duplex.Conn, data []byte) {
	s := e.s
	if c != s.conn {
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		s.metrics.RecordProtocolError(s.ctx, "malformed")
		s.emitNotice(NoticeProtocol, "Failed to parse message: "+err.Error())
		s.log.Warn("session: ignoring message", "err", err)
		return
	}
	switch msg.Kind {
	case protocol.KindTranscript:
		if msg.Legacy {
			s.log.Debug("session: legacy transcript message", "type", msg.Type)
		}
		s.applyTranscript(msg.Transcript)
	case protocol.KindServerError:
		s.metrics.RecordProtocolError(s.ctx, "server_error")
		s.emitNotice(NoticeServerError, "Server Error: "+msg.Error)
		s.log.Warn("session: service reported an error", "message", msg.Error)
	default:
		s.log.Debug("session: unhandled message", "type", msg.Type)
	}
}

func (e connEvents) OnClosed(c *duplex.Conn, reason duplex.CloseReason, err error) {
	s := e.s
	delete(s.draining, c)
	if len(s.draining) == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}

	switch c {
	case s.retiring:
		s.retiring = nil
		if s.linked && s.conn == nil {
			_ = s.connect()
		}
	case s.conn:
		s.conn = nil
		if err == nil {
			err = &duplex.ConnectionError{Language: c.Language(), Op: "close", Code: reason.Code, Err: errors.New(reason.String())}
		}
		s.connectionLost(err)
	}
}

// ── Capture ───────────────────────────────────────────────────────────────────

func (s *Session) startCapture() error {
	if s.capture.Running() {
		return nil
	}
	s.captureGen++
	gen := s.captureGen
	cfg := capture.Config{
		SampleRate: s.cfg.DeviceSampleRate,
		Channels:   1,
		FrameSize:  s.cfg.FrameSize,
	}
	return s.capture.Start(cfg,
		func(ctx context.Context, f audio.Frame) {
			s.loop.PostContext(ctx, func() { s.onFrame(gen, f) })
		},
		func(ctx context.Context, err error) {
			s.loop.PostContext(ctx, func() { s.onCaptureError(gen, err) })
		},
	)
}

// stopCapture releases the microphone. Frames already queued on the loop are
// dropped by the generation check in onFrame.
func (s *Session) stopCapture() {
	s.captureGen++
	s.capture.Stop()
}

func (s *Session) onFrame(gen uint64, f audio.Frame) {
	if gen != s.captureGen {
		return
	}
	if s.state != StateListening || s.conn == nil || s.conn.State() != duplex.StateOpen {
		s.metrics.RecordFrame(s.ctx, "idle")
		return
	}

	if s.queue.Playing() && audio.Peak(f.Samples) > s.cfg.BargeInThreshold {
		n := s.queue.BargeIn()
		s.bargeIns++
		s.metrics.BargeIns.Add(s.ctx, 1)
		s.log.Debug("session: barge-in", "discarded", n)
	}

	pcm := s.encoder.Encode(f)
	if err := s.conn.SendBinary(pcm); err != nil {
		s.metrics.RecordFrame(s.ctx, "dropped")
		s.log.Debug("session: frame dropped", "err", err)
		return
	}
	s.framesSent++
	s.metrics.RecordFrame(s.ctx, "sent")
	s.metrics.RecordAudioBytes(s.ctx, "out", len(pcm))
}

func (s *Session) onCaptureError(gen uint64, err error) {
	if gen != s.captureGen {
		return
	}
	s.captureFailed(err)
}

// captureFailed ends recording after a microphone failure. The connection
// stays up so text messages and replies still work.
func (s *Session) captureFailed(err error) {
	s.log.Error("session: microphone unavailable", "err", err)
	s.stopCapture()
	s.lastErr = err
	s.emitNotice(NoticeCapture, err.Error())
	s.setState(StateStopped)
}

// ── Playback & transcript ─────────────────────────────────────────────────────

func (s *Session) onPlayback(ev playback.Event) {
	s.metrics.RecordPlayback(s.ctx, ev.Kind.String())
	switch ev.Kind {
	case playback.Skipped, playback.Failed:
		s.log.Warn("session: playback problem", "event", ev.Kind.String(), "chunk", ev.Chunk.Seq, "err", ev.Err)
		if playback.IsDeviceError(ev.Err) {
			s.emitNotice(NoticePlayback, ev.Err.Error())
		}
	}
}

func (s *Session) applyTranscript(u transcript.Update) {
	outcome, err := s.transcript.Apply(u)
	s.metrics.RecordTranscriptUpdate(s.ctx, outcome.String())
	if err != nil {
		s.log.Debug("session: transcript update ignored", "id", u.ID, "err", err)
	}
}
