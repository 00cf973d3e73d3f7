package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pabot/internal/domain"
)

type fakeRenderer struct {
	started atomic.Int32
	stopped atomic.Int32
	err     error
}

func (f *fakeRenderer) Start(ctx context.Context, p domain.RenderParams) error {
	f.started.Add(1)
	return f.err
}

func (f *fakeRenderer) Stop() { f.stopped.Add(1) }

// agentServer fakes the remote voice API.
type agentServer struct {
	*httptest.Server
	joins  atomic.Int32
	speaks atomic.Int32
	leaves atomic.Int32

	joinBody  map[string]any
	lastSpeak speakRequest
}

func newAgentServer(t *testing.T, join joinResponse) *agentServer {
	t.Helper()
	s := &agentServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/app1/join", func(w http.ResponseWriter, r *http.Request) {
		s.joins.Add(1)
		if got := r.Header.Get("Authorization"); got != "Basic cred1" {
			t.Errorf("join auth header = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&s.joinBody)
		json.NewEncoder(w).Encode(join)
	})
	mux.HandleFunc("/projects/app1/agents/a1/speak", func(w http.ResponseWriter, r *http.Request) {
		s.speaks.Add(1)
		json.NewDecoder(r.Body).Decode(&s.lastSpeak)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/projects/app1/agents/a1/leave", func(w http.ResponseWriter, r *http.Request) {
		s.leaves.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func testConfig(srv *agentServer, renderer domain.AudioRenderer) Config {
	return Config{
		AppID:         "app1",
		Channel:       "pa_channel",
		Token:         "tok",
		ModelKey:      "mk",
		Authorization: "cred1",
		AgentUID:      "1001",
		UserUID:       "1002",
		APIBase:       srv.URL,
		SettleDelay:   10 * time.Millisecond,
		Renderer:      renderer,
	}
}

func drain(t *testing.T, events <-chan domain.SessionEvent) []domain.SessionEvent {
	t.Helper()
	var out []domain.SessionEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("event stream did not close; got %v", out)
		}
	}
}

func TestInitializeSuccess(t *testing.T) {
	srv := newAgentServer(t, joinResponse{Status: "RUNNING", AgentID: "a1"})
	renderer := &fakeRenderer{}
	m := NewManager(testConfig(srv, renderer))

	events := drain(t, m.Initialize(context.Background()))

	last := events[len(events)-1]
	if last.Kind != domain.EventSuccess || last.SessionID != "a1" {
		t.Fatalf("terminal event = %+v, want success with session a1", last)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Kind != domain.EventProgress {
			t.Errorf("non-progress event before terminal: %+v", ev)
		}
	}
	if m.State() != domain.SessionReady {
		t.Errorf("state = %s, want ready", m.State())
	}
	if renderer.started.Load() != 1 {
		t.Errorf("renderer started %d times, want 1", renderer.started.Load())
	}

	props, _ := srv.joinBody["properties"].(map[string]any)
	if props["channel"] != "pa_channel" {
		t.Errorf("join channel = %v", props["channel"])
	}
	if props["idle_timeout"] != float64(120) {
		t.Errorf("idle_timeout = %v", props["idle_timeout"])
	}
	name, _ := srv.joinBody["name"].(string)
	if !strings.HasPrefix(name, "agent_") || len(name) <= len("agent_") {
		t.Errorf("agent name = %q, want unique agent_ prefix", name)
	}
}

func TestInitializeRemoteRejection(t *testing.T) {
	srv := newAgentServer(t, joinResponse{Code: 1, Message: "invalid token", Reason: "expired"})
	renderer := &fakeRenderer{}
	m := NewManager(testConfig(srv, renderer))

	events := drain(t, m.Initialize(context.Background()))

	last := events[len(events)-1]
	if last.Kind != domain.EventFailure {
		t.Fatalf("terminal event = %+v, want failure", last)
	}
	if !strings.Contains(last.Message, "invalid token") || !strings.Contains(last.Message, "expired") {
		t.Errorf("failure message %q missing remote message/reason", last.Message)
	}
	if m.State() != domain.SessionFailed {
		t.Errorf("state = %s, want failed", m.State())
	}
	if renderer.started.Load() != 0 {
		t.Error("renderer attached after rejected join")
	}
}

func TestInitializeUnexpectedStatus(t *testing.T) {
	srv := newAgentServer(t, joinResponse{Status: "STOPPED", AgentID: "a1"})
	m := NewManager(testConfig(srv, &fakeRenderer{}))

	events := drain(t, m.Initialize(context.Background()))
	last := events[len(events)-1]
	if last.Kind != domain.EventFailure || !strings.Contains(last.Message, "STOPPED") {
		t.Fatalf("terminal event = %+v", last)
	}
}

func TestInitializeMissingFieldsSkipsNetwork(t *testing.T) {
	srv := newAgentServer(t, joinResponse{Status: "RUNNING", AgentID: "a1"})
	cfg := testConfig(srv, &fakeRenderer{})
	cfg.Token = ""
	cfg.ModelKey = " "
	m := NewManager(cfg)

	events := drain(t, m.Initialize(context.Background()))

	last := events[len(events)-1]
	if last.Kind != domain.EventFailure {
		t.Fatalf("terminal event = %+v, want failure", last)
	}
	if !strings.Contains(last.Message, "token") || !strings.Contains(last.Message, "modelKey") {
		t.Errorf("failure message %q does not enumerate missing fields", last.Message)
	}
	if srv.joins.Load() != 0 {
		t.Error("join was attempted despite missing settings")
	}
}

func TestInitializeMissingAgentID(t *testing.T) {
	srv := newAgentServer(t, joinResponse{Status: "RUNNING"})
	m := NewManager(testConfig(srv, &fakeRenderer{}))

	events := drain(t, m.Initialize(context.Background()))
	last := events[len(events)-1]
	if last.Kind != domain.EventFailure || !strings.Contains(last.Message, "agent id") {
		t.Fatalf("terminal event = %+v", last)
	}
}

func TestRendererFailureFailsSession(t *testing.T) {
	srv := newAgentServer(t, joinResponse{Status: "RUNNING", AgentID: "a1"})
	renderer := &fakeRenderer{err: errors.New("chrome not found")}
	m := NewManager(testConfig(srv, renderer))

	events := drain(t, m.Initialize(context.Background()))
	last := events[len(events)-1]
	if last.Kind != domain.EventFailure || !strings.Contains(last.Message, "chrome not found") {
		t.Fatalf("terminal event = %+v", last)
	}
	if m.State() != domain.SessionFailed {
		t.Errorf("state = %s, want failed", m.State())
	}
	if srv.leaves.Load() != 1 {
		t.Errorf("leave called %d times, want 1", srv.leaves.Load())
	}
}

func TestCleanupDuringSettleWins(t *testing.T) {
	srv := newAgentServer(t, joinResponse{Status: "RUNNING", AgentID: "a1"})
	renderer := &fakeRenderer{}
	cfg := testConfig(srv, renderer)
	cfg.SettleDelay = 200 * time.Millisecond
	m := NewManager(cfg)

	events := m.Initialize(context.Background())
	time.Sleep(50 * time.Millisecond) // inside the settle window
	m.Cleanup()

	all := drain(t, events)
	last := all[len(all)-1]
	if last.Kind != domain.EventFailure {
		t.Fatalf("terminal event = %+v, want failure after concurrent cleanup", last)
	}
	if m.State() != domain.SessionClosed {
		t.Errorf("state = %s, want closed", m.State())
	}
	if renderer.started.Load() != 0 {
		t.Error("renderer attached to a closed session")
	}
}

func TestSpeakRequiresReady(t *testing.T) {
	srv := newAgentServer(t, joinResponse{Status: "RUNNING", AgentID: "a1"})
	m := NewManager(testConfig(srv, &fakeRenderer{}))

	err := m.Speak(context.Background(), "hello")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if srv.speaks.Load() != 0 {
		t.Error("remote speak attempted while idle")
	}
}

func TestSpeakTruncatesAndSendsInterrupt(t *testing.T) {
	srv := newAgentServer(t, joinResponse{Status: "RUNNING", AgentID: "a1"})
	m := NewManager(testConfig(srv, &fakeRenderer{}))
	drain(t, m.Initialize(context.Background()))

	long := strings.TrimSpace(strings.Repeat("word ", 80))
	if err := m.Speak(context.Background(), long); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	if got := len(strings.Fields(srv.lastSpeak.Text)); got != 60 {
		t.Errorf("spoken word count = %d, want 60", got)
	}
	if srv.lastSpeak.Priority != "INTERRUPT" {
		t.Errorf("priority = %q", srv.lastSpeak.Priority)
	}
	if srv.lastSpeak.Interruptable {
		t.Error("speak request marked interruptable")
	}

	short := "all clear"
	if err := m.Speak(context.Background(), short); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if srv.lastSpeak.Text != short {
		t.Errorf("short text altered: %q", srv.lastSpeak.Text)
	}
}

func TestSpeakFailureLeavesStateUntouched(t *testing.T) {
	var joined atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/app1/join", func(w http.ResponseWriter, r *http.Request) {
		joined.Store(true)
		json.NewEncoder(w).Encode(joinResponse{Status: "RUNNING", AgentID: "a1"})
	})
	mux.HandleFunc("/projects/app1/agents/a1/speak", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"overloaded"}`, http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/projects/app1/agents/a1/leave", func(w http.ResponseWriter, r *http.Request) {})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := Config{
		AppID: "app1", Channel: "c", Token: "t", ModelKey: "k", Authorization: "cred1",
		AgentUID: "1", UserUID: "2", APIBase: srv.URL, SettleDelay: time.Millisecond,
	}
	m := NewManager(cfg)
	drain(t, m.Initialize(context.Background()))

	if err := m.Speak(context.Background(), "hi"); err == nil {
		t.Fatal("want error from failing speak endpoint")
	}
	if m.State() != domain.SessionReady {
		t.Errorf("state = %s after speak failure, want still ready", m.State())
	}
	if err := m.Speak(context.Background(), "again"); errors.Is(err, ErrNotReady) {
		t.Error("session became unusable after one speak failure")
	}
}

func TestCleanupIdempotent(t *testing.T) {
	srv := newAgentServer(t, joinResponse{Status: "RUNNING", AgentID: "a1"})
	renderer := &fakeRenderer{}
	m := NewManager(testConfig(srv, renderer))
	drain(t, m.Initialize(context.Background()))

	m.Cleanup()
	m.Cleanup()

	if m.State() != domain.SessionClosed {
		t.Errorf("state = %s, want closed", m.State())
	}
	if srv.leaves.Load() != 1 {
		t.Errorf("leave called %d times, want 1", srv.leaves.Load())
	}
	if renderer.stopped.Load() == 0 {
		t.Error("renderer never stopped")
	}

	if err := m.Speak(context.Background(), "late"); !errors.Is(err, ErrNotReady) {
		t.Errorf("speak after cleanup: err = %v, want ErrNotReady", err)
	}
}

var _ domain.Speaker = (*Manager)(nil)
