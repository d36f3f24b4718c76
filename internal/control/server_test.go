package control

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/a1tools/agent/internal/metrics"
	"github.com/a1tools/agent/internal/models"
	"github.com/a1tools/agent/internal/presence"
	"github.com/a1tools/agent/internal/session"
)

type fakeReporter struct {
	mu      sync.Mutex
	machine *presence.Machine
	started []string
	stopped int
	running bool
}

func (f *fakeReporter) Start(username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, username)
	f.running = true
}

func (f *fakeReporter) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.running = false
}

func (f *fakeReporter) SetStatus(s presence.Status) error { return f.machine.Set(s) }
func (f *fakeReporter) CurrentStatus() presence.Status    { return f.machine.Current() }
func (f *fakeReporter) Failures() int                     { return 0 }

func (f *fakeReporter) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fixture struct {
	srv      *Server
	http     *httptest.Server
	machine  *presence.Machine
	reporter *fakeReporter
	session  *session.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := presence.NewMachine()
	rep := &fakeReporter{machine: m}
	sess := session.New("")
	srv := New(Deps{Machine: m, Reporter: rep, Session: sess, Metrics: metrics.New()}, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, http: ts, machine: m, reporter: rep, session: sess}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	header := http.Header{}
	if body != "" {
		header.Set("Content-Type", "application/json")
	}
	return f.doWith(t, method, path, body, header)
}

func (f *fixture) doWith(t *testing.T, method, path, body string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header = header
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestLoginLogout(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/session", `{"username":"alice"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d: %s", resp.StatusCode, body)
	}
	var st statusResponse
	json.Unmarshal(body, &st)
	if st.Username != "alice" || !st.Running || st.Status != presence.Online {
		t.Errorf("status after login = %+v", st)
	}
	f.reporter.mu.Lock()
	started := append([]string(nil), f.reporter.started...)
	f.reporter.mu.Unlock()
	if len(started) != 1 || started[0] != "alice" {
		t.Errorf("reporter started with %v", started)
	}

	resp, _ = f.do(t, http.MethodDelete, "/v1/session", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("logout status = %d", resp.StatusCode)
	}
	f.reporter.mu.Lock()
	stopped := f.reporter.stopped
	f.reporter.mu.Unlock()
	if f.session.LoggedIn() || stopped != 1 {
		t.Error("logout should clear the session and stop the reporter")
	}
}

func TestLoginRequiresUsername(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/session", `{"username":"  "}`)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "username") {
		t.Errorf("status = %d, body = %s", resp.StatusCode, body)
	}
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/lifecycle", `{"state":"paused","screen":"reports"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if f.machine.Current() != presence.Away || f.machine.Screen() != "reports" || f.machine.Focused() {
		t.Errorf("machine = %s / %q / focused %v", f.machine.Current(), f.machine.Screen(), f.machine.Focused())
	}

	resp, _ = f.do(t, http.MethodPost, "/v1/lifecycle", `{"state":"minimized"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown lifecycle status = %d, want 400", resp.StatusCode)
	}
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPut, "/v1/status", `{"status":"offline"}`)
	if resp.StatusCode != http.StatusOK || f.machine.Current() != presence.Offline {
		t.Errorf("status = %d, machine = %s", resp.StatusCode, f.machine.Current())
	}
	resp, _ = f.do(t, http.MethodPut, "/v1/status", `{"status":"busy"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid status accepted: %d", resp.StatusCode)
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/v1/snapshot", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("before first snapshot = %d, want 404", resp.StatusCode)
	}

	f.srv.PublishSnapshot(models.MetricsSnapshot{ComputerName: "pc-1", CPUPercent: 7})
	resp, body := f.do(t, http.MethodGet, "/v1/snapshot", "")
	var snap models.MetricsSnapshot
	json.Unmarshal(body, &snap)
	if resp.StatusCode != http.StatusOK || snap.ComputerName != "pc-1" {
		t.Errorf("snapshot = %d %+v", resp.StatusCode, snap)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.machine.Signal(presence.Hidden)

	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `agent_presence_status{status="away"} 1`) {
		t.Errorf("presence gauge missing:\n%s", body)
	}
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.srv.Hub().Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.machine.Signal(presence.Detached)
	f.srv.PublishAuthError()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var types []string
	for len(types) < 2 {
		var ev struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatal(err)
		}
		types = append(types, ev.Type)
		if ev.Type == EventStatus && !strings.Contains(string(ev.Data), `"offline"`) {
			t.Errorf("status event = %s", ev.Data)
		}
	}
	if types[0] != EventStatus || types[1] != EventAuthError {
		t.Errorf("event types = %v", types)
	}
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:7420", true},
		{"http://[::1]:8080", true},
		{"app://host", true},
		{"https://evil.example.com", false},
		{"http://localhost.evil.example", false},
		{"http://127.0.0.1.nip.io.evil.example", false},
		{"http://evil.example/localhost", false},
		{"null", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := localOrigin(r); got != tt.want {
			t.Errorf("localOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestMutationsRejectForeignRequests(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		path        string
		body        string
		origin      string
		contentType string
		want        int
	}{
		{"cross-site form login", http.MethodPost, "/v1/session", `{"username":"mallory"}`, "https://evil.example.com", "text/plain", http.StatusForbidden},
		{"lookalike origin", http.MethodPost, "/v1/session", `{"username":"mallory"}`, "http://localhost.evil.example", "application/json", http.StatusForbidden},
		{"local origin plain text", http.MethodPost, "/v1/session", `{"username":"mallory"}`, "http://localhost:5173", "text/plain", http.StatusUnsupportedMediaType},
		{"missing content type", http.MethodPut, "/v1/status", `{"status":"offline"}`, "", "", http.StatusUnsupportedMediaType},
		{"cross-site lifecycle", http.MethodPost, "/v1/lifecycle", `{"state":"detached"}`, "https://evil.example.com", "application/json", http.StatusForbidden},
		{"cross-site logout", http.MethodDelete, "/v1/session", "", "https://evil.example.com", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.session.Login("alice")

			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			if tt.contentType != "" {
				header.Set("Content-Type", tt.contentType)
			}
			resp, body := f.doWith(t, tt.method, tt.path, tt.body, header)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.want, body)
			}
			f.reporter.mu.Lock()
			started, stopped := len(f.reporter.started), f.reporter.stopped
			f.reporter.mu.Unlock()
			if started != 0 || stopped != 0 {
				t.Errorf("reporter touched: started %d, stopped %d", started, stopped)
			}
			if f.session.Username() != "alice" || f.machine.Current() != presence.Online {
				t.Errorf("state changed: session %q, status %s", f.session.Username(), f.machine.Current())
			}
		})
	}
}

func TestMutationAcceptsJSONWithCharset(t *testing.T) {
	f := newFixture(t)
	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=utf-8")
	header.Set("Origin", "http://127.0.0.1:5173")
	resp, body := f.doWith(t, http.MethodPut, "/v1/status", `{"status":"away"}`, header)
	if resp.StatusCode != http.StatusOK || f.machine.Current() != presence.Away {
		t.Errorf("status = %d, machine = %s: %s", resp.StatusCode, f.machine.Current(), body)
	}
}
