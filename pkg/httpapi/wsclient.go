package httpapi

import (
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/agent"
)

var clientUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientMessage is the JSON frame exchanged with a direct browser client
type clientMessage struct {
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
	Role   string `json:"role,omitempty"`
	Text   string `json:"text,omitempty"`
	Agenda string `json:"agenda,omitempty"`
	CallID string `json:"call_id,omitempty"`
}

// clientSink bridges one browser websocket to an agent: synthesized audio
// and transcripts go out as JSON frames
type clientSink struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *clientSink) send(msg clientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(msg)
}

func (c *clientSink) WriteAudio(_ string, pcm []byte) error {
	return c.send(clientMessage{
		Type: "audio",
		Data: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (c *clientSink) FlushAudio(string) {
	c.send(clientMessage{Type: "stop_audio"})
}

func (c *clientSink) OnTranscript(_ string, role, text string) {
	c.send(clientMessage{Type: "transcript", Role: role, Text: text})
}

func (c *clientSink) OnSessionError(_ string, message string) {
	c.send(clientMessage{Type: "error", Text: message})
}

// handleClientSocket serves a browser client talking to the agent directly,
// with no telephony leg. The client opens with a start_call frame carrying
// its agenda; each connection gets its own agent and session.
func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to upgrade client websocket")
		return
	}
	defer ws.Close()

	clientID := "ws-" + uuid.New().String()
	sink := &clientSink{ws: ws}

	var start clientMessage
	if err := ws.ReadJSON(&start); err != nil || start.Type != "start_call" {
		sink.send(clientMessage{Type: "error", Text: "expected start_call"})
		return
	}

	agenda := start.Agenda
	if agenda == "" {
		agenda = s.service.GetInboundAgenda()
	}

	cfg := agent.Config{
		Instructions:           agenda,
		Voice:                  s.cfg.VoiceLive.Voice,
		GreetingWait:           s.cfg.Agent.GreetingWait,
		VADThreshold:           s.cfg.Agent.VADThreshold,
		PrefixPaddingMs:        s.cfg.Agent.PrefixPaddingMs,
		SilenceDurationMs:      s.cfg.Agent.SilenceDurationMs,
		EnableEchoCancellation: s.cfg.Agent.EnableEchoCancellation,
		EnableNoiseReduction:   s.cfg.Agent.EnableNoiseReduction,
		TranscriptionModel:     s.cfg.Agent.TranscriptionModel,
	}

	var pool agent.SessionProvider
	if s.pool != nil {
		pool = s.pool
	}
	a := agent.New(s.logger, clientID, cfg, pool, s.dialer, sink, sink, s.broadcaster)
	a.Start()
	defer a.Stop()

	// The websocket is the audio channel and it is already up
	a.NotifyOutputReady()
	sink.send(clientMessage{Type: "call_started", CallID: clientID})

	s.logger.WithFields(logrus.Fields{
		"call_uuid": clientID,
		"remote":    r.RemoteAddr,
	}).Info("Direct client connected")

	for {
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type != "audio" {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			continue
		}
		a.SendAudio(pcm)
	}

	s.logger.WithField("call_uuid", clientID).Info("Direct client disconnected")
}
