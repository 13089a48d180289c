package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlink/internal/duplex"
	"github.com/MrWong99/voxlink/internal/loop"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/internal/transcript"
	"github.com/MrWong99/voxlink/pkg/audio/capture"
	"github.com/MrWong99/voxlink/pkg/audio/mock"
)

const frameSize = 160

// ── Fake service ──────────────────────────────────────────────────────────────

// serverConn is the service side of one client connection.
type serverConn struct {
	lang   string
	ws     *websocket.Conn
	binary chan []byte
	text   chan []byte
	done   chan struct{}

	// closeErr is the close frame the client sent. Valid after done.
	closeErr websocket.CloseError
}

func (sc *serverConn) send(t *testing.T, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sc.ws.Write(ctx, typ, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// fakeService accepts connections and hands them to the test in order.
type fakeService struct {
	srv   *httptest.Server
	conns chan *serverConn

	// hold, when set, keeps the handler from reading until it is closed. The
	// client's close handshake cannot complete while reads are held.
	hold chan struct{}
}

func newFakeService(t *testing.T, hold chan struct{}) *fakeService {
	t.Helper()
	fs := &fakeService{conns: make(chan *serverConn, 8), hold: hold}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer ws.CloseNow()
		sc := &serverConn{
			lang:   r.URL.Query().Get("lang"),
			ws:     ws,
			binary: make(chan []byte, 1024),
			text:   make(chan []byte, 16),
			done:   make(chan struct{}),
		}
		fs.conns <- sc
		if fs.hold != nil {
			<-fs.hold
		}
		defer close(sc.done)
		for {
			typ, data, err := ws.Read(r.Context())
			if err != nil {
				errors.As(err, &sc.closeErr)
				return
			}
			ch := sc.text
			if typ == websocket.MessageBinary {
				ch = sc.binary
			}
			select {
			case ch <- data:
			default:
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeService) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/live"
}

func (fs *fakeService) next(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-fs.conns:
		return sc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a connection")
	}
	return nil
}

// expectNoConn fails if another connection arrives within d.
func (fs *fakeService) expectNoConn(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case sc := <-fs.conns:
		t.Fatalf("unexpected connection for %q", sc.lang)
	case <-time.After(d):
	}
}

// ── Session harness ───────────────────────────────────────────────────────────

type harness struct {
	sess   *session.Session
	svc    *fakeService
	source *mock.Source
	stream *mock.Stream
	sink   *mock.Sink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return buildHarness(t, nil)
}

// newHeldHarness is like newHarness but the service stops reading after the
// handshake until hold is closed.
func newHeldHarness(t *testing.T, hold chan struct{}) *harness {
	t.Helper()
	return buildHarness(t, hold)
}

func buildHarness(t *testing.T, hold chan struct{}) *harness {
	t.Helper()
	svc := newFakeService(t, hold)
	stream := mock.NewStream()
	h := &harness{
		svc:    svc,
		source: &mock.Source{Stream: stream},
		stream: stream,
		sink:   &mock.Sink{},
	}
	cfg := session.Config{
		Connection: duplex.Config{URL: svc.url(), KeepaliveInterval: -1},
		FrameSize:  frameSize,
	}
	sess, err := session.New(cfg, h.source, h.sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sess = sess

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sess.Run(ctx) }()
	t.Cleanup(func() {
		if hold != nil {
			select {
			case <-hold:
			default:
				close(hold)
			}
		}
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := sess.Shutdown(sctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		cancel()
	})
	return h
}

func (h *harness) snapshot(t *testing.T) session.Snapshot {
	t.Helper()
	snap, err := h.sess.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return snap
}

// waitFor polls the session until cond holds.
func (h *harness) waitFor(t *testing.T, what string, cond func(session.Snapshot) bool) session.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := h.snapshot(t)
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state=%s language=%s", what, snap.State, snap.Language)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, want session.State) session.Snapshot {
	t.Helper()
	return h.waitFor(t, want.String(), func(s session.Snapshot) bool { return s.State == want })
}

// listen starts the session and waits until it is listening.
func (h *harness) listen(t *testing.T) *serverConn {
	t.Helper()
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sc := h.svc.next(t)
	h.waitState(t, session.StateListening)
	return sc
}

func waitDone(t *testing.T, sc *serverConn) {
	t.Helper()
	select {
	case <-sc.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("server side of %q never saw the connection end", sc.lang)
	}
}

func loud() []float32 {
	s := make([]float32, frameSize)
	for i := range s {
		s[i] = 0.5
	}
	return s
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNew_RejectsUnknownLanguage(t *testing.T) {
	t.Parallel()

	_, err := session.New(session.Config{
		Connection: duplex.Config{URL: "ws://localhost"},
		Language:   "xx-XX",
	}, &mock.Source{}, &mock.Sink{})
	if !errors.Is(err, session.ErrUnsupportedLanguage) {
		t.Fatalf("err = %v, want ErrUnsupportedLanguage", err)
	}
}

func TestSession_StartStreamsMicrophone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	sc := h.listen(t)
	if sc.lang != "en-US" {
		t.Errorf("lang = %q, want en-US", sc.lang)
	}

	h.stream.Push(loud())
	select {
	case data := <-sc.binary:
		if len(data) != frameSize*2 {
			t.Errorf("frame bytes = %d, want %d", len(data), frameSize*2)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no audio reached the service")
	}

	snap := h.snapshot(t)
	if snap.Connection == nil || snap.Connection.Language != "en-US" || snap.Connection.State != "open" {
		t.Errorf("connection = %+v", snap.Connection)
	}
	if got := h.source.OpenCalls[0].Format.SampleRate; got != capture.DefaultSampleRate {
		t.Errorf("capture rate = %d, want %d", got, capture.DefaultSampleRate)
	}
}

func TestSession_StartWhileListeningIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.listen(t)

	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	h.svc.expectNoConn(t, 50*time.Millisecond)
	if got := h.source.CallCountOpen(); got != 1 {
		t.Errorf("device opened %d times, want 1", got)
	}
}

func TestSession_ChangeLanguageReplacesConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	first := h.listen(t)

	if err := h.sess.ChangeLanguage(context.Background(), "th-TH"); err != nil {
		t.Fatalf("ChangeLanguage: %v", err)
	}

	second := h.svc.next(t)
	if second.lang != "th-TH" {
		t.Errorf("new connection lang = %q, want th-TH", second.lang)
	}
	waitDone(t, first)
	if first.closeErr.Code != websocket.StatusNormalClosure || first.closeErr.Reason != "Language changed by user" {
		t.Errorf("old connection closed with %d %q", first.closeErr.Code, first.closeErr.Reason)
	}

	snap := h.waitFor(t, "listening in th-TH", func(s session.Snapshot) bool {
		return s.State == session.StateListening && s.Connection != nil && s.Connection.Language == "th-TH"
	})
	if snap.Language != "th-TH" {
		t.Errorf("session language = %q", snap.Language)
	}
	h.svc.expectNoConn(t, 50*time.Millisecond)
}

func TestSession_ChangeLanguageWaitsForClosureAndCollapses(t *testing.T) {
	t.Parallel()
	hold := make(chan struct{})
	h := newHeldHarness(t, hold)
	first := h.listen(t)

	ctx := context.Background()
	if err := h.sess.ChangeLanguage(ctx, "th-TH"); err != nil {
		t.Fatalf("ChangeLanguage th-TH: %v", err)
	}
	if err := h.sess.ChangeLanguage(ctx, "id-ID"); err != nil {
		t.Fatalf("ChangeLanguage id-ID: %v", err)
	}

	snap := h.snapshot(t)
	if snap.State != session.StateConnecting || !snap.Switching || snap.Connection != nil {
		t.Errorf("during switch: state=%s switching=%v conn=%+v", snap.State, snap.Switching, snap.Connection)
	}
	// The old connection has not confirmed closure, so nothing new is dialled.
	h.svc.expectNoConn(t, 50*time.Millisecond)

	close(hold)
	waitDone(t, first)

	second := h.svc.next(t)
	if second.lang != "id-ID" {
		t.Errorf("replacement lang = %q, want id-ID", second.lang)
	}
	h.waitState(t, session.StateListening)
	h.svc.expectNoConn(t, 50*time.Millisecond)
}

func TestSession_ChangeLanguageWhileIdleConnects(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.sess.ChangeLanguage(ctx, "xx-XX"); !errors.Is(err, session.ErrUnsupportedLanguage) {
		t.Fatalf("err = %v, want ErrUnsupportedLanguage", err)
	}
	if err := h.sess.ChangeLanguage(ctx, "id-ID"); err != nil {
		t.Fatalf("ChangeLanguage: %v", err)
	}
	sc := h.svc.next(t)
	if sc.lang != "id-ID" {
		t.Errorf("lang = %q, want id-ID", sc.lang)
	}
	snap := h.waitFor(t, "id-ID connection open", func(s session.Snapshot) bool {
		return s.Connection != nil && s.Connection.State == "open"
	})
	if snap.State != session.StateIdle || snap.Language != "id-ID" {
		t.Errorf("state=%s language=%s", snap.State, snap.Language)
	}
	if got := h.source.CallCountOpen(); got != 0 {
		t.Errorf("device opened %d times before Start, want 0", got)
	}

	// Start only adds the microphone; the open connection is reused.
	if err := h.sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, session.StateListening)
	h.svc.expectNoConn(t, 50*time.Millisecond)
}

func TestSession_ChangeLanguageWhileIdleReplacesConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := h.svc.next(t)
	if first.lang != "en-US" {
		t.Errorf("lang = %q, want en-US", first.lang)
	}
	h.waitFor(t, "connection open", func(s session.Snapshot) bool {
		return s.Connection != nil && s.Connection.State == "open"
	})
	// A second Connect keeps the existing connection.
	if err := h.sess.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	h.svc.expectNoConn(t, 30*time.Millisecond)

	if err := h.sess.ChangeLanguage(ctx, "th-TH"); err != nil {
		t.Fatalf("ChangeLanguage: %v", err)
	}
	waitDone(t, first)
	second := h.svc.next(t)
	if second.lang != "th-TH" {
		t.Errorf("replacement lang = %q, want th-TH", second.lang)
	}
	snap := h.waitFor(t, "th-TH connection open", func(s session.Snapshot) bool {
		return s.Connection != nil && s.Connection.Language == "th-TH" && s.Connection.State == "open"
	})
	if snap.State != session.StateIdle {
		t.Errorf("state = %s, want idle", snap.State)
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sc := h.listen(t)

	ctx := context.Background()
	for i := range 2 {
		if err := h.sess.Stop(ctx); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}

	waitDone(t, sc)
	if sc.closeErr.Code != websocket.StatusNormalClosure || sc.closeErr.Reason != "User requested session stop." {
		t.Errorf("closed with %d %q", sc.closeErr.Code, sc.closeErr.Reason)
	}
	snap := h.snapshot(t)
	if snap.State != session.StateStopped || snap.Connection != nil {
		t.Errorf("state=%s conn=%+v", snap.State, snap.Connection)
	}
	if got := h.stream.CallCountClose(); got != 1 {
		t.Errorf("device closed %d times, want 1", got)
	}
}

func TestSession_PauseHoldsResources(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.listen(t)

	ctx := context.Background()
	if err := h.sess.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	before := h.snapshot(t)
	if before.State != session.StatePaused {
		t.Fatalf("state = %s, want paused", before.State)
	}
	time.Sleep(30 * time.Millisecond)
	after := h.snapshot(t)
	if after.FramesSent != before.FramesSent {
		t.Errorf("frames sent while paused: %d -> %d", before.FramesSent, after.FramesSent)
	}
	if h.stream.CallCountClose() != 0 || after.Connection == nil {
		t.Error("pause released the device or the connection")
	}

	if err := h.sess.Start(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if snap := h.snapshot(t); snap.State != session.StateListening {
		t.Errorf("state after resume = %s", snap.State)
	}
	h.svc.expectNoConn(t, 30*time.Millisecond)
}

func TestSession_InboundAudioAndBargeIn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sc := h.listen(t)

	chunk := []byte{0x00, 0x40, 0x00, 0xC0}
	sc.send(t, websocket.MessageBinary, chunk)
	sc.send(t, websocket.MessageBinary, chunk)

	h.waitFor(t, "one playing, one queued", func(s session.Snapshot) bool {
		return s.Playing && s.Queued == 1
	})
	if got := h.sink.PlayCalls[0]; got.SampleRate != 24000 || got.Gain != 0.8 {
		t.Errorf("play rate=%d gain=%v", got.SampleRate, got.Gain)
	}
	active := h.sink.Last()

	h.stream.Push(loud())
	snap := h.waitFor(t, "barge-in", func(s session.Snapshot) bool { return s.BargeIns == 1 })
	if snap.Playing || snap.Queued != 0 {
		t.Errorf("after barge-in playing=%v queued=%d", snap.Playing, snap.Queued)
	}
	if !active.Stopped() {
		t.Error("active playback was not stopped")
	}
	if got := h.sink.CallCountPlay(); got != 1 {
		t.Errorf("Play calls = %d, want 1", got)
	}
}

func TestSession_QuietAudioDoesNotBargeIn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sc := h.listen(t)

	sc.send(t, websocket.MessageBinary, []byte{0x00, 0x40})
	h.waitFor(t, "playing", func(s session.Snapshot) bool { return s.Playing })

	quiet := make([]float32, frameSize)
	quiet[0] = 0.04
	h.stream.Push(quiet)
	h.waitFor(t, "frame sent", func(s session.Snapshot) bool { return s.FramesSent > 0 })
	time.Sleep(20 * time.Millisecond)

	if snap := h.snapshot(t); snap.BargeIns != 0 || !snap.Playing {
		t.Errorf("barge-ins=%d playing=%v", snap.BargeIns, snap.Playing)
	}
}

func TestSession_InvalidChunkIsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sc := h.listen(t)

	sc.send(t, websocket.MessageBinary, []byte{0x01, 0x02, 0x03})
	h.waitFor(t, "chunk received", func(s session.Snapshot) bool { return s.Chunks == 1 })
	if snap := h.snapshot(t); snap.Playing || snap.Queued != 0 {
		t.Errorf("invalid chunk reached playback: playing=%v queued=%d", snap.Playing, snap.Queued)
	}
	if snap := h.snapshot(t); snap.State != session.StateListening {
		t.Errorf("state = %s, want listening", snap.State)
	}
}

func TestSession_TranscriptAndServerErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sc := h.listen(t)

	for _, msg := range []string{
		`{"type":"user_transcription_update","id":"u1","sender":"user","text":"hel","is_final":false}`,
		`{"type":"user_transcription_update","id":"u1","sender":"user","text":"hello","is_final":true}`,
		`not json`,
		`{"type":"model_response","text":"hi there"}`,
		`{"type":"error","message":"quota exceeded"}`,
	} {
		sc.send(t, websocket.MessageText, []byte(msg))
	}

	snap := h.waitFor(t, "server error notice", func(s session.Snapshot) bool {
		for _, n := range s.Notices {
			if n.Kind == session.NoticeServerError {
				return true
			}
		}
		return false
	})
	if len(snap.Transcript) != 2 {
		t.Fatalf("transcript = %+v, want 2 entries", snap.Transcript)
	}
	if e := snap.Transcript[0]; e.ID != "u1" || e.Text != "hello" || !e.Final {
		t.Errorf("entry 0 = %+v", e)
	}
	if e := snap.Transcript[1]; e.Sender != transcript.SenderModel || e.Text != "hi there" {
		t.Errorf("entry 1 = %+v", e)
	}
	var found bool
	for _, n := range snap.Notices {
		if n.Kind == session.NoticeServerError && n.Message == "Server Error: quota exceeded" {
			found = true
		}
	}
	if !found {
		t.Errorf("notices = %+v", snap.Notices)
	}
	if snap.State != session.StateListening {
		t.Errorf("state = %s, want listening", snap.State)
	}
	var malformed bool
	for _, n := range snap.Notices {
		if n.Kind == session.NoticeProtocol && strings.HasPrefix(n.Message, "Failed to parse message: ") {
			malformed = true
		}
	}
	if !malformed {
		t.Errorf("no protocol notice for malformed JSON; notices = %+v", snap.Notices)
	}
}

func TestSession_SendText(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.sess.SendText(ctx, "hello"); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("before connect: err = %v, want ErrNotConnected", err)
	}

	sc := h.listen(t)
	if _, err := h.sess.SendText(ctx, "   "); !errors.Is(err, session.ErrEmptyMessage) {
		t.Errorf("blank: err = %v, want ErrEmptyMessage", err)
	}
	id, err := h.sess.SendText(ctx, " hello there ")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}

	var got map[string]string
	select {
	case data := <-sc.text:
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("text message never arrived")
	}
	if got["type"] != "text_message" || got["text"] != "hello there" || got["language"] != "en-US" || got["id"] != id {
		t.Errorf("message = %v", got)
	}

	snap := h.snapshot(t)
	if len(snap.Transcript) != 1 {
		t.Fatalf("transcript = %+v", snap.Transcript)
	}
	if e := snap.Transcript[0]; e.ID != id || e.Sender != transcript.SenderUser || !e.Final {
		t.Errorf("entry = %+v", e)
	}
}

func TestSession_UnexpectedCloseGoesIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sc := h.listen(t)

	if err := sc.ws.Close(websocket.StatusInternalError, "boom"); err != nil {
		t.Logf("server close: %v", err)
	}

	snap := h.waitState(t, session.StateIdle)
	if snap.LastError == "" {
		t.Error("LastError is empty")
	}
	if snap.Connection != nil {
		t.Errorf("connection = %+v, want nil", snap.Connection)
	}
	if got := h.stream.CallCountClose(); got != 1 {
		t.Errorf("device closed %d times, want 1", got)
	}
	// No automatic reconnect.
	h.svc.expectNoConn(t, 100*time.Millisecond)
}

func TestSession_CaptureOpenFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.source.OpenError = errors.New("permission denied")

	err := h.sess.Start(context.Background())
	var cerr *capture.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *capture.Error", err)
	}
	snap := h.snapshot(t)
	if snap.State != session.StateStopped || !strings.Contains(snap.LastError, "permission denied") {
		t.Errorf("state=%s lastError=%q", snap.State, snap.LastError)
	}
	// Start does not dial when the microphone cannot be opened.
	h.svc.expectNoConn(t, 30*time.Millisecond)
}

func TestSession_CaptureFailureMidStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sc := h.listen(t)

	h.stream.SetReadError(errors.New("device unplugged"))

	snap := h.waitState(t, session.StateStopped)
	if !strings.Contains(snap.LastError, "device unplugged") {
		t.Errorf("LastError = %q", snap.LastError)
	}
	if snap.Connection == nil || snap.Connection.State != "open" {
		t.Errorf("connection = %+v, want it kept open", snap.Connection)
	}
	select {
	case <-sc.done:
		t.Fatal("connection closed after a microphone failure")
	case <-time.After(30 * time.Millisecond):
	}

	// Replies still play without a microphone.
	sc.send(t, websocket.MessageBinary, []byte{0x00, 0x40})
	h.waitFor(t, "playing", func(s session.Snapshot) bool { return s.Playing })
}

func TestSession_SendTextWithoutMicrophone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.source.OpenError = errors.New("no input device")
	ctx := context.Background()

	if err := h.sess.ChangeLanguage(ctx, "th-TH"); err != nil {
		t.Fatalf("ChangeLanguage: %v", err)
	}
	sc := h.svc.next(t)
	if sc.lang != "th-TH" {
		t.Errorf("lang = %q, want th-TH", sc.lang)
	}
	h.waitFor(t, "connection open", func(s session.Snapshot) bool {
		return s.Connection != nil && s.Connection.State == "open"
	})

	var cerr *capture.Error
	if err := h.sess.Start(ctx); !errors.As(err, &cerr) {
		t.Fatalf("Start: err = %v, want *capture.Error", err)
	}
	if snap := h.snapshot(t); snap.State != session.StateStopped || snap.Connection == nil {
		t.Errorf("after failed Start: state=%s conn=%+v", snap.State, snap.Connection)
	}

	id, err := h.sess.SendText(ctx, "hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	var got map[string]string
	select {
	case data := <-sc.text:
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("text message never arrived")
	}
	if got["text"] != "hello" || got["language"] != "th-TH" || got["id"] != id {
		t.Errorf("message = %v", got)
	}
}

func TestSession_ShutdownClosesGracefully(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sc := h.listen(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sess.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	waitDone(t, sc)
	if sc.closeErr.Reason != "client shutting down" {
		t.Errorf("close reason = %q", sc.closeErr.Reason)
	}
	if err := h.sess.Start(ctx); !errors.Is(err, loop.ErrClosed) {
		t.Errorf("Start after shutdown: err = %v, want loop.ErrClosed", err)
	}
}

func TestSession_ConcurrentCallers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.listen(t)

	ctx := context.Background()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				if _, err := h.sess.Snapshot(ctx); err != nil {
					t.Errorf("Snapshot: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
