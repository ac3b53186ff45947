package agent

import (
	"sync"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/events"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/voicelive"
)

// Manager tracks the one agent allowed per call and routes audio and
// lifecycle signals to it
type Manager struct {
	logger      *logrus.Logger
	defaults    Config
	pool        SessionProvider
	dialer      voicelive.Dialer
	audio       AudioSink
	transcripts TranscriptSink
	broadcaster *events.Broadcaster

	mu     sync.Mutex
	agents map[string]*Agent
}

// NewManager creates the agent manager. The pool may be nil, in which case
// every call dials a fresh session.
func NewManager(logger *logrus.Logger, defaults Config, pool *voicelive.ConnectionPool, dialer voicelive.Dialer, audio AudioSink, transcripts TranscriptSink, broadcaster *events.Broadcaster) *Manager {
	m := &Manager{
		logger:      logger,
		defaults:    defaults,
		dialer:      dialer,
		audio:       audio,
		transcripts: transcripts,
		broadcaster: broadcaster,
		agents:      make(map[string]*Agent),
	}
	if pool != nil {
		m.pool = pool
	}
	return m
}

// SetAudioSink installs the audio output after construction. The media
// bridge consumes agent audio and the manager routes caller audio, so the
// two are wired to each other once both exist.
func (m *Manager) SetAudioSink(audio AudioSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio = audio
}

// StartAgent launches an agent for the call using the given instructions,
// falling back to the configured defaults when empty. Starting a second
// agent for the same call is a no-op.
func (m *Manager) StartAgent(callID, instructions string) {
	cfg := m.defaults
	if instructions != "" {
		cfg.Instructions = instructions
	}

	m.mu.Lock()
	if _, exists := m.agents[callID]; exists {
		m.mu.Unlock()
		m.logger.WithField("call_uuid", callID).Warn("Agent already running for call; ignoring start")
		return
	}
	a := New(m.logger, callID, cfg, m.pool, m.dialer, m.audio, m.transcripts, m.broadcaster)
	m.agents[callID] = a
	m.mu.Unlock()

	a.Start()
	m.logger.WithField("call_uuid", callID).Info("Agent started")
}

// StopAgent stops and forgets the call's agent, if any
func (m *Manager) StopAgent(callID string) {
	m.mu.Lock()
	a, ok := m.agents[callID]
	if ok {
		delete(m.agents, callID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	a.Stop()
	m.logger.WithField("call_uuid", callID).Info("Agent stopped")
}

// FinalizeCall releases the call's agent during registry cleanup
func (m *Manager) FinalizeCall(callID string) {
	m.StopAgent(callID)
}

// HasAgent reports whether an agent exists for the call
func (m *Manager) HasAgent(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.agents[callID]
	return ok
}

// ForwardAudio relays a caller audio frame to the call's agent. Frames for
// calls without an agent are dropped.
func (m *Manager) ForwardAudio(callID string, pcm []byte) {
	m.mu.Lock()
	a, ok := m.agents[callID]
	m.mu.Unlock()

	if !ok {
		metrics.MediaFramesDropped.WithLabelValues("no_agent").Inc()
		return
	}
	a.SendAudio(pcm)
}

// NotifyOutputReady tells the call's agent its media transport is bound
func (m *Manager) NotifyOutputReady(callID string) {
	m.mu.Lock()
	a, ok := m.agents[callID]
	m.mu.Unlock()

	if ok {
		a.NotifyOutputReady()
	}
}

// StopAll stops every running agent; used during shutdown
func (m *Manager) StopAll() {
	m.mu.Lock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.agents = make(map[string]*Agent)
	m.mu.Unlock()

	for _, a := range agents {
		a.Stop()
	}
}
