package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/logfeed"
	"github.com/MrWong99/voxlink/internal/loop"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/internal/transcript"
	"github.com/MrWong99/voxlink/pkg/audio/capture"
)

// fakeSession is a hand-written Controller that records calls.
type fakeSession struct {
	mu       sync.Mutex
	calls    []string
	snap     session.Snapshot
	err      error
	snapErr  error
	sentText string
}

func (f *fakeSession) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeSession) Start(context.Context) error { return f.record("start") }
func (f *fakeSession) Pause(context.Context) error { return f.record("pause") }
func (f *fakeSession) Stop(context.Context) error  { return f.record("stop") }

func (f *fakeSession) ChangeLanguage(_ context.Context, code string) error {
	if err := f.record("language:" + code); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Language = code
	return nil
}

func (f *fakeSession) SendText(_ context.Context, text string) (string, error) {
	if err := f.record("text"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentText = text
	return "msg-1", nil
}

func (f *fakeSession) Snapshot(context.Context) (session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.snapErr
}

func (f *fakeSession) Languages() []session.Language { return session.DefaultLanguages }

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeLogs struct{ entries []logfeed.Entry }

func (f fakeLogs) Entries() []logfeed.Entry { return f.entries }
func (f fakeLogs) Status() logfeed.Status {
	return logfeed.Status{Entries: len(f.entries), Circuit: "closed"}
}

func newTestServer(t *testing.T, sess *fakeSession, logs LogSource, checks ...Check) *Server {
	t.Helper()
	srv, err := New(Config{
		Session:        sess,
		Logs:           logs,
		Checks:         checks,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, "# metrics\n") }),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestNew_RequiresSession(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without session")
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{snap: session.Snapshot{ID: "s1", State: session.StateListening, Language: "en-US"}}
	srv := newTestServer(t, sess, nil)

	rec := do(t, srv, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	got := decode[map[string]any](t, rec)
	if got["state"] != "listening" || got["language"] != "en-US" || got["id"] != "s1" {
		t.Errorf("body = %v", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestLifecycleActions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		call string
	}{
		{"/api/start", "start"},
		{"/api/pause", "pause"},
		{"/api/stop", "stop"},
	}
	for _, tt := range tests {
		t.Run(tt.call, func(t *testing.T) {
			t.Parallel()
			sess := &fakeSession{}
			srv := newTestServer(t, sess, nil)

			rec := do(t, srv, http.MethodPost, tt.path, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
			}
			if calls := sess.Calls(); len(calls) != 1 || calls[0] != tt.call {
				t.Errorf("calls = %v, want [%s]", calls, tt.call)
			}
		})
	}
}

func TestLifecycleActions_WrongMethod(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{}
	srv := newTestServer(t, sess, nil)

	rec := do(t, srv, http.MethodGet, "/api/start", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if len(sess.Calls()) != 0 {
		t.Errorf("session called: %v", sess.Calls())
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"capture", &capture.Error{Op: "open", Err: errors.New("busy")}, http.StatusServiceUnavailable},
		{"unsupported", fmt.Errorf("%w: %q", session.ErrUnsupportedLanguage, "xx"), http.StatusBadRequest},
		{"not connected", session.ErrNotConnected, http.StatusConflict},
		{"loop closed", loop.ErrClosed, http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, &fakeSession{err: tt.err}, nil)

			rec := do(t, srv, http.MethodPost, "/api/start", "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if body := decode[errorBody](t, rec); body.Error != tt.err.Error() {
				t.Errorf("error = %q, want %q", body.Error, tt.err.Error())
			}
		})
	}
}

func TestChangeLanguage(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{}
	srv := newTestServer(t, sess, nil)

	rec := do(t, srv, http.MethodPost, "/api/language", `{"code":"th-TH"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := decode[map[string]any](t, rec); got["language"] != "th-TH" {
		t.Errorf("language = %v", got["language"])
	}

	for _, body := range []string{`not json`, `{"code":"th-TH","extra":1}`} {
		if rec := do(t, srv, http.MethodPost, "/api/language", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{}
	srv := newTestServer(t, sess, nil)

	rec := do(t, srv, http.MethodPost, "/api/messages", `{"text":"hello"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := decode[map[string]string](t, rec); got["id"] != "msg-1" {
		t.Errorf("id = %q", got["id"])
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.sentText != "hello" {
		t.Errorf("sent %q", sess.sentText)
	}
}

func TestTranscriptAndLanguages(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{snap: session.Snapshot{
		Language: "id-ID",
		Transcript: []transcript.Entry{
			{ID: "u1", Sender: transcript.SenderUser, Text: "halo", Final: true},
		},
	}}
	srv := newTestServer(t, sess, nil)

	rec := do(t, srv, http.MethodGet, "/api/transcript", "")
	tr := decode[struct {
		Entries []transcript.Entry `json:"entries"`
	}](t, rec)
	if len(tr.Entries) != 1 || tr.Entries[0].Text != "halo" {
		t.Errorf("entries = %+v", tr.Entries)
	}

	rec = do(t, srv, http.MethodGet, "/api/languages", "")
	langs := decode[struct {
		Languages []session.Language `json:"languages"`
		Selected  string             `json:"selected"`
	}](t, rec)
	if len(langs.Languages) != 3 || langs.Selected != "id-ID" {
		t.Errorf("languages = %+v", langs)
	}
}

func TestLogs(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeSession{}, nil)
	if rec := do(t, srv, http.MethodGet, "/api/logs", ""); rec.Code != http.StatusNotFound {
		t.Errorf("without feed: status = %d, want 404", rec.Code)
	}

	logs := fakeLogs{entries: []logfeed.Entry{{Message: "boot", At: time.Unix(0, 0).UTC()}}}
	srv = newTestServer(t, &fakeSession{}, logs)
	rec := do(t, srv, http.MethodGet, "/api/logs", "")
	got := decode[struct {
		Status  logfeed.Status  `json:"status"`
		Entries []logfeed.Entry `json:"entries"`
	}](t, rec)
	if len(got.Entries) != 1 || got.Entries[0].Message != "boot" || got.Status.Circuit != "closed" {
		t.Errorf("body = %+v", got)
	}
}

func TestHealthProbes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeSession{}, nil)
	if rec := do(t, srv, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	rec := do(t, srv, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("readyz = %d, body = %s", rec.Code, rec.Body)
	}
	if got := decode[probeResult](t, rec); got.Checks["session"] != "ok" {
		t.Errorf("checks = %v", got.Checks)
	}
}

func TestReadyz_Failures(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{snapErr: loop.ErrClosed}
	srv := newTestServer(t, sess, nil, Check{
		Name:  "logfeed",
		Probe: func(context.Context) error { return nil },
	})

	rec := do(t, srv, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d, want 503", rec.Code)
	}
	got := decode[probeResult](t, rec)
	if got.Status != "fail" || !strings.HasPrefix(got.Checks["session"], "fail:") || got.Checks["logfeed"] != "ok" {
		t.Errorf("result = %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakeSession{}, nil)

	rec := do(t, srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "# metrics") {
		t.Errorf("metrics = %d %q", rec.Code, rec.Body)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakeSession{}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
