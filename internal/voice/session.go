package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"pabot/internal/domain"
)

// ErrNotReady means Speak was called while the session is not live.
var ErrNotReady = errors.New("voice session not ready")

// Config carries the credentials and collaborators for one session.
type Config struct {
	AppID         string
	Channel       string
	Token         string
	ModelKey      string
	Authorization string
	AgentUID      string
	UserUID       string
	APIBase       string

	// SettleDelay is how long to wait after a successful join before the
	// remote agent is considered able to hear the channel.
	SettleDelay time.Duration

	Renderer domain.AudioRenderer
	Logger   *slog.Logger
}

// MissingFields enumerates the required settings that are empty, in a fixed
// order so messages are stable.
func (c Config) MissingFields() []string {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"appId", c.AppID},
		{"channel", c.Channel},
		{"token", c.Token},
		{"modelKey", c.ModelKey},
		{"authorization", c.Authorization},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Manager owns the session lifecycle: Idle -> Initializing -> Ready or
// Failed, Ready -> Closed. Failed and Closed are terminal; nothing ever
// leaves them, so a Cleanup racing the settle delay wins and the initializer
// never resurrects the session.
type Manager struct {
	cfg    Config
	client *agoraClient
	logger *slog.Logger

	mu      sync.Mutex
	state   domain.SessionState
	agentID string
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 5 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		client: newAgoraClient(cfg.APIBase, cfg.AppID, cfg.Authorization, cfg.Logger),
		logger: cfg.Logger,
		state:  domain.SessionIdle,
	}
}

func (m *Manager) State() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to the target state unless the current state is terminal.
// Reports whether the move happened.
func (m *Manager) transition(to domain.SessionState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == domain.SessionFailed || m.state == domain.SessionClosed {
		return false
	}
	m.state = to
	return true
}

// Initialize starts the session asynchronously and returns the ordered event
// stream: zero or more Progress events followed by exactly one Success or
// Failure, after which the channel is closed.
func (m *Manager) Initialize(ctx context.Context) <-chan domain.SessionEvent {
	events := make(chan domain.SessionEvent, 8)

	m.mu.Lock()
	if m.state != domain.SessionIdle {
		state := m.state
		m.mu.Unlock()
		events <- domain.SessionEvent{
			Kind:    domain.EventFailure,
			Message: fmt.Sprintf("session already %s", state),
		}
		close(events)
		return events
	}
	m.state = domain.SessionInitializing
	m.mu.Unlock()

	go func() {
		defer close(events)
		m.initialize(ctx, events)
	}()
	return events
}

func (m *Manager) initialize(ctx context.Context, events chan<- domain.SessionEvent) {
	fail := func(msg string) {
		m.transition(domain.SessionFailed)
		m.logger.Error("voice session initialization failed", "reason", msg)
		events <- domain.SessionEvent{Kind: domain.EventFailure, Message: msg}
	}

	events <- domain.SessionEvent{Kind: domain.EventProgress, Message: "Connecting to voice service..."}

	if missing := m.cfg.MissingFields(); len(missing) > 0 {
		fail("missing required settings: " + strings.Join(missing, ", "))
		return
	}

	resp, err := m.client.Join(ctx, JoinParams{
		Channel:  m.cfg.Channel,
		Token:    m.cfg.Token,
		AgentUID: m.cfg.AgentUID,
		UserUID:  m.cfg.UserUID,
		ModelKey: m.cfg.ModelKey,
	})
	if err != nil {
		fail("join request failed: " + err.Error())
		return
	}

	if resp.Code != 0 {
		msg := fmt.Sprintf("voice service rejected join (code %d): %s", resp.Code, resp.Message)
		if resp.Reason != "" {
			msg += " (" + resp.Reason + ")"
		}
		fail(msg)
		return
	}
	if resp.Status != "STARTING" && resp.Status != "RUNNING" {
		fail(fmt.Sprintf("unexpected agent status %q", resp.Status))
		return
	}
	if resp.AgentID == "" {
		fail("voice service returned no agent id")
		return
	}

	m.mu.Lock()
	m.agentID = resp.AgentID
	m.mu.Unlock()

	events <- domain.SessionEvent{
		Kind:    domain.EventProgress,
		Message: fmt.Sprintf("Agent started (ID: %s), waiting for it to settle...", resp.AgentID),
	}

	select {
	case <-time.After(m.cfg.SettleDelay):
	case <-ctx.Done():
		m.leaveQuietly(resp.AgentID)
		fail("initialization canceled: " + ctx.Err().Error())
		return
	}

	// Cleanup may have run during the settle wait. Terminal states win.
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != domain.SessionInitializing {
		m.leaveQuietly(resp.AgentID)
		events <- domain.SessionEvent{Kind: domain.EventFailure, Message: "session closed during initialization"}
		return
	}

	if m.cfg.Renderer != nil {
		err := m.cfg.Renderer.Start(ctx, domain.RenderParams{
			AppID:    m.cfg.AppID,
			Channel:  m.cfg.Channel,
			Token:    m.cfg.Token,
			UID:      m.cfg.UserUID,
			AgentUID: m.cfg.AgentUID,
		})
		if err != nil {
			m.leaveQuietly(resp.AgentID)
			fail("audio client failed to start: " + err.Error())
			return
		}
	}

	if !m.transition(domain.SessionReady) {
		m.leaveQuietly(resp.AgentID)
		events <- domain.SessionEvent{Kind: domain.EventFailure, Message: "session closed during initialization"}
		return
	}

	m.logger.Info("voice session ready", "agentId", resp.AgentID)
	events <- domain.SessionEvent{
		Kind:      domain.EventSuccess,
		Message:   "Voice session ready",
		SessionID: resp.AgentID,
	}
}

// Speak sends text to the live agent. Text is capped at 60 words so the
// read-out stays short. A send failure leaves the session state untouched.
func (m *Manager) Speak(ctx context.Context, text string) error {
	m.mu.Lock()
	state := m.state
	agentID := m.agentID
	m.mu.Unlock()

	if state != domain.SessionReady {
		return fmt.Errorf("%w (state %s)", ErrNotReady, state)
	}

	if err := m.client.Speak(ctx, agentID, truncateWords(text, 60)); err != nil {
		return fmt.Errorf("speak: %w", err)
	}
	return nil
}

// Cleanup tears the session down: best-effort leave, renderer stop, Closed
// state. Safe to call multiple times and from any state; never errors.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	agentID := m.agentID
	m.agentID = ""
	alreadyClosed := m.state == domain.SessionClosed
	if m.state != domain.SessionFailed {
		m.state = domain.SessionClosed
	}
	m.mu.Unlock()

	if alreadyClosed {
		return
	}
	if agentID != "" {
		m.leaveQuietly(agentID)
	}
	if m.cfg.Renderer != nil {
		m.cfg.Renderer.Stop()
	}
	m.logger.Info("voice session cleaned up")
}

func (m *Manager) leaveQuietly(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.client.Leave(ctx, agentID); err != nil {
		m.logger.Warn("leave request failed", "agentId", agentID, "err", err)
	}
}

func truncateWords(text string, limit int) string {
	words := strings.Fields(text)
	if len(words) <= limit {
		return text
	}
	return strings.Join(words[:limit], " ")
}
