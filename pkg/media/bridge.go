package media

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/call"
	"voicebridge-server/pkg/metrics"
)

// AgentSource routes caller audio and readiness signals to call agents
type AgentSource interface {
	HasAgent(callID string) bool
	ForwardAudio(callID string, pcm []byte)
	NotifyOutputReady(callID string)
}

// CallSource provides call snapshots for transport matching
type CallSource interface {
	ActiveCalls() []call.Call
}

// Config holds media bridge timing knobs
type Config struct {
	// AgentWaitTimeout bounds how long incoming audio waits for the call's
	// agent to appear before frames are discarded for good
	AgentWaitTimeout time.Duration

	// AgentWaitPoll is the polling interval while waiting for the agent
	AgentWaitPoll time.Duration
}

// DefaultConfig returns the default media bridge configuration
func DefaultConfig() Config {
	return Config{
		AgentWaitTimeout: 5 * time.Second,
		AgentWaitPoll:    250 * time.Millisecond,
	}
}

// mediaFrame is the wire shape of messages on the media websocket
type mediaFrame struct {
	Kind          string         `json:"kind"`
	AudioMetadata *audioMetadata `json:"audioMetadata,omitempty"`
	AudioData     *audioData     `json:"audioData,omitempty"`
	StopAudio     *struct{}      `json:"stopAudio,omitempty"`
}

type audioMetadata struct {
	SubscriptionID string `json:"subscriptionId"`
	Encoding       string `json:"encoding,omitempty"`
	SampleRate     int    `json:"sampleRate,omitempty"`
	Channels       int    `json:"channels,omitempty"`
}

type audioData struct {
	Data             string `json:"data"`
	Timestamp        string `json:"timestamp,omitempty"`
	ParticipantRawID string `json:"participantRawID,omitempty"`
	Silent           bool   `json:"silent,omitempty"`
}

// outboundStopFrame tells the transport to discard buffered agent audio
type outboundStopFrame struct {
	Kind      string      `json:"kind"`
	AudioData interface{} `json:"audioData"`
	StopAudio struct{}    `json:"stopAudio"`
}

// transport is one live media websocket, bound to at most one call
type transport struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (t *transport) writeJSON(v interface{}) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.ws.WriteJSON(v)
}

// Bridge relays audio between media transports and call agents. The
// transport protocol carries no call identifier, so each new transport is
// matched to a call heuristically.
type Bridge struct {
	logger *logrus.Logger
	config Config
	agents AgentSource
	calls  CallSource

	upgrader websocket.Upgrader

	mu       sync.Mutex
	bindings map[string]*transport
}

// NewBridge creates the media bridge
func NewBridge(logger *logrus.Logger, config Config, agents AgentSource, calls CallSource) *Bridge {
	if config.AgentWaitTimeout == 0 {
		config = DefaultConfig()
	}
	return &Bridge{
		logger: logger,
		config: config,
		agents: agents,
		calls:  calls,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		bindings: make(map[string]*transport),
	}
}

// HandleMedia upgrades an incoming media websocket and runs its read loop
// until the transport disconnects
func (b *Bridge) HandleMedia(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.WithError(err).Warn("Failed to upgrade media websocket")
		return
	}

	t := &transport{ws: ws}
	b.logger.WithField("remote", r.RemoteAddr).Info("Media transport connected")

	boundCall := b.readLoop(t)

	ws.Close()
	if boundCall != "" {
		b.unbind(boundCall, t)
	}
	b.logger.WithFields(logrus.Fields{
		"remote":    r.RemoteAddr,
		"call_uuid": boundCall,
	}).Info("Media transport disconnected")
}

// readLoop consumes frames from one transport. Returns the call the
// transport was bound to, if any.
func (b *Bridge) readLoop(t *transport) string {
	var boundCall string
	agentSeen := false
	agentWarned := false
	agentDeadline := time.Time{}

	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			return boundCall
		}

		var frame mediaFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			b.logger.WithError(err).Debug("Dropping malformed media frame")
			metrics.MediaFramesDropped.WithLabelValues("malformed").Inc()
			continue
		}

		switch frame.Kind {
		case "AudioMetadata":
			if boundCall != "" {
				continue
			}
			boundCall = b.bindTransport(t, frame.AudioMetadata)
			if boundCall != "" {
				agentDeadline = time.Now().Add(b.config.AgentWaitTimeout)
			}

		case "AudioData":
			if frame.AudioData == nil || frame.AudioData.Silent {
				continue
			}
			if boundCall == "" {
				metrics.MediaFramesDropped.WithLabelValues("unbound").Inc()
				continue
			}

			if !agentSeen {
				agentSeen = b.waitForAgent(boundCall, agentDeadline)
				if !agentSeen {
					// One warning per transport; subsequent frames drop
					// silently into the counter
					if !agentWarned {
						agentWarned = true
						b.logger.WithField("call_uuid", boundCall).Warn("Agent never appeared for bound transport; discarding audio")
					}
					metrics.MediaFramesDropped.WithLabelValues("no_agent").Inc()
					continue
				}
				// First frame with a live agent: audio-out is usable now
				b.agents.NotifyOutputReady(boundCall)
			}

			pcm, err := base64.StdEncoding.DecodeString(frame.AudioData.Data)
			if err != nil {
				metrics.MediaFramesDropped.WithLabelValues("malformed").Inc()
				continue
			}
			metrics.MediaFramesTotal.WithLabelValues("inbound").Inc()
			b.agents.ForwardAudio(boundCall, pcm)
		}
	}
}

// bindTransport selects a call for a fresh transport and registers the
// binding. Selection and insertion share one critical section so two
// transports connecting at once cannot claim the same call. Returns the
// chosen call id, or empty when no candidate exists.
func (b *Bridge) bindTransport(t *transport, meta *audioMetadata) string {
	// ActiveCalls is already newest-first
	calls := b.calls.ActiveCalls()

	b.mu.Lock()
	callID := b.selectCallLocked(calls)
	if callID == "" {
		b.mu.Unlock()
		b.logger.Warn("No candidate call for media transport; leaving unbound")
		return ""
	}
	b.bindings[callID] = t
	size := len(b.bindings)
	b.mu.Unlock()

	metrics.MediaBindings.Set(float64(size))

	fields := logrus.Fields{"call_uuid": callID}
	if meta != nil {
		fields["subscription_id"] = meta.SubscriptionID
	}
	b.logger.WithFields(fields).Info("Media transport bound to call")
	return callID
}

// selectCallLocked picks the call a new transport most likely belongs to.
// The transport does not identify its call, so candidates are ranked:
// connected calls without a transport, then connecting ones, then any
// unbound call, newest first within each tier. Caller holds b.mu.
func (b *Bridge) selectCallLocked(calls []call.Call) string {
	for _, status := range []call.Status{call.StatusConnected, call.StatusConnecting} {
		for _, c := range calls {
			if c.Status == status {
				if _, taken := b.bindings[c.ID]; !taken {
					return c.ID
				}
			}
		}
	}
	for _, c := range calls {
		if _, taken := b.bindings[c.ID]; !taken {
			return c.ID
		}
	}
	return ""
}

// selectCall snapshots active calls and ranks them under the lock
func (b *Bridge) selectCall() string {
	calls := b.calls.ActiveCalls()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selectCallLocked(calls)
}

// waitForAgent polls until the call's agent exists or the deadline passes
func (b *Bridge) waitForAgent(callID string, deadline time.Time) bool {
	if b.agents.HasAgent(callID) {
		return true
	}
	for time.Now().Before(deadline) {
		time.Sleep(b.config.AgentWaitPoll)
		if b.agents.HasAgent(callID) {
			return true
		}
	}
	return false
}

// WriteAudio pushes an agent audio frame to the call's transport
func (b *Bridge) WriteAudio(callID string, pcm []byte) error {
	b.mu.Lock()
	t, ok := b.bindings[callID]
	b.mu.Unlock()

	if !ok {
		metrics.MediaFramesDropped.WithLabelValues("no_transport").Inc()
		return nil
	}

	frame := mediaFrame{
		Kind: "AudioData",
		AudioData: &audioData{
			Data: base64.StdEncoding.EncodeToString(pcm),
		},
	}
	if err := t.writeJSON(frame); err != nil {
		return err
	}
	metrics.MediaFramesTotal.WithLabelValues("outbound").Inc()
	return nil
}

// FlushAudio tells the call's transport to drop buffered agent audio
func (b *Bridge) FlushAudio(callID string) {
	b.mu.Lock()
	t, ok := b.bindings[callID]
	b.mu.Unlock()

	if !ok {
		return
	}

	if err := t.writeJSON(outboundStopFrame{Kind: "StopAudio"}); err != nil {
		b.logger.WithError(err).WithField("call_uuid", callID).Debug("Failed to send stop-audio frame")
	}
}

// FinalizeCall closes and removes the call's transport during cleanup
func (b *Bridge) FinalizeCall(callID string) {
	b.mu.Lock()
	t, ok := b.bindings[callID]
	if ok {
		delete(b.bindings, callID)
	}
	size := len(b.bindings)
	b.mu.Unlock()

	if !ok {
		return
	}
	t.ws.Close()
	metrics.MediaBindings.Set(float64(size))
	b.logger.WithField("call_uuid", callID).Info("Media transport released")
}

// unbind removes a binding on transport disconnect. The call itself is left
// alone: lifecycle is driven by call-control events and the transport may
// reconnect.
func (b *Bridge) unbind(callID string, t *transport) {
	b.mu.Lock()
	if current, ok := b.bindings[callID]; ok && current == t {
		delete(b.bindings, callID)
	}
	size := len(b.bindings)
	b.mu.Unlock()

	metrics.MediaBindings.Set(float64(size))
}

// BoundCalls lists calls with an attached transport, for diagnostics
func (b *Bridge) BoundCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.bindings))
	for id := range b.bindings {
		out = append(out, id)
	}
	return out
}
