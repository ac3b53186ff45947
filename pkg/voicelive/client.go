package voicelive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrSessionClosed is returned when writing to a closed session
var ErrSessionClosed = errors.New("speech session closed")

// Session is a duplex connection to the speech-agent service. Implementations
// carry configuration updates and audio toward the service and surface its
// event stream through Events.
type Session interface {
	// UpdateSession sends session configuration to the service
	UpdateSession(ctx context.Context, cfg SessionConfig) error

	// AppendAudio forwards a raw PCM audio frame to the service
	AppendAudio(ctx context.Context, pcm []byte) error

	// CreateResponse asks the agent to start speaking
	CreateResponse(ctx context.Context) error

	// CancelResponse cancels the in-progress response, if any
	CancelResponse(ctx context.Context) error

	// Events returns the server event stream. The channel is closed when
	// the session ends.
	Events() <-chan ServerEvent

	// Close tears down the session
	Close() error
}

// Dialer establishes speech sessions. The connection pool and call agents
// depend on this rather than on a concrete transport.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// SessionConfig is the configuration pushed to a speech session before use
type SessionConfig struct {
	Instructions           string
	Voice                  string
	InputAudioFormat       string
	OutputAudioFormat      string
	VADThreshold           float64
	PrefixPaddingMs        int
	SilenceDurationMs      int
	EnableEchoCancellation bool
	EnableNoiseReduction   bool
	TranscriptionModel     string
}

// ClientConfig configures the websocket dialer
type ClientConfig struct {
	Endpoint         string
	APIKey           string
	Model            string
	HandshakeTimeout time.Duration
}

// WebsocketDialer implements Dialer over gorilla/websocket
type WebsocketDialer struct {
	logger *logrus.Logger
	config ClientConfig
}

// NewWebsocketDialer creates a dialer for the configured speech endpoint
func NewWebsocketDialer(logger *logrus.Logger, config ClientConfig) *WebsocketDialer {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	return &WebsocketDialer{
		logger: logger,
		config: config,
	}
}

// Dial opens a new speech session
func (d *WebsocketDialer) Dial(ctx context.Context) (Session, error) {
	endpoint, err := sessionURL(d.config.Endpoint, d.config.Model)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.config.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: d.config.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("speech session dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("speech session dial failed: %w", err)
	}

	conn := &Conn{
		logger: d.logger,
		ws:     ws,
		events: make(chan ServerEvent, 64),
		done:   make(chan struct{}),
	}
	go conn.readLoop()

	return conn, nil
}

// sessionURL builds the websocket URL for a new session
func sessionURL(endpoint, model string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid speech endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	if !strings.HasSuffix(u.Path, "/realtime") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime"
	}

	q := u.Query()
	if model != "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Conn is a live websocket speech session
type Conn struct {
	logger *logrus.Logger
	ws     *websocket.Conn

	writeMu   sync.Mutex
	events    chan ServerEvent
	done      chan struct{}
	closeOnce sync.Once
}

// clientMessage is the JSON shape of messages sent to the service
type clientMessage struct {
	Type    string          `json:"type"`
	Session *sessionPayload `json:"session,omitempty"`
	Audio   string          `json:"audio,omitempty"`
}

type sessionPayload struct {
	Modalities              []string               `json:"modalities"`
	Instructions            string                 `json:"instructions"`
	Voice                   interface{}            `json:"voice"`
	InputAudioFormat        string                 `json:"input_audio_format"`
	OutputAudioFormat       string                 `json:"output_audio_format"`
	TurnDetection           *turnDetectionPayload  `json:"turn_detection,omitempty"`
	InputAudioEchoCancel    map[string]interface{} `json:"input_audio_echo_cancellation,omitempty"`
	InputAudioNoiseReduce   map[string]interface{} `json:"input_audio_noise_reduction,omitempty"`
	InputAudioTranscription map[string]interface{} `json:"input_audio_transcription,omitempty"`
}

type turnDetectionPayload struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// azureVoicePayload selects an Azure TTS voice by name
type azureVoicePayload struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// UpdateSession sends session configuration to the service
func (c *Conn) UpdateSession(ctx context.Context, cfg SessionConfig) error {
	payload := &sessionPayload{
		Modalities:        []string{"text", "audio"},
		Instructions:      cfg.Instructions,
		Voice:             voiceConfig(cfg.Voice),
		InputAudioFormat:  cfg.InputAudioFormat,
		OutputAudioFormat: cfg.OutputAudioFormat,
		TurnDetection: &turnDetectionPayload{
			Type:              "server_vad",
			Threshold:         cfg.VADThreshold,
			PrefixPaddingMs:   cfg.PrefixPaddingMs,
			SilenceDurationMs: cfg.SilenceDurationMs,
		},
	}

	if payload.InputAudioFormat == "" {
		payload.InputAudioFormat = "pcm16"
	}
	if payload.OutputAudioFormat == "" {
		payload.OutputAudioFormat = "pcm16"
	}
	if cfg.EnableEchoCancellation {
		payload.InputAudioEchoCancel = map[string]interface{}{}
	}
	if cfg.EnableNoiseReduction {
		payload.InputAudioNoiseReduce = map[string]interface{}{"type": "azure_deep_noise_suppression"}
	}
	if cfg.TranscriptionModel != "" {
		payload.InputAudioTranscription = map[string]interface{}{"model": cfg.TranscriptionModel}
	}

	return c.writeJSON(ctx, clientMessage{Type: "session.update", Session: payload})
}

// voiceConfig maps a configured voice name to its wire representation.
// Locale-prefixed names select platform TTS voices; bare names pass through
// as model-native voices.
func voiceConfig(voice string) interface{} {
	prefixes := []string{"en-US-", "en-CA-", "en-GB-", "es-", "fr-", "de-", "ja-", "zh-"}
	for _, prefix := range prefixes {
		if strings.HasPrefix(voice, prefix) {
			return azureVoicePayload{Type: "azure-standard", Name: voice}
		}
	}
	return voice
}

// AppendAudio forwards a raw PCM audio frame to the service
func (c *Conn) AppendAudio(ctx context.Context, pcm []byte) error {
	encoded := base64.StdEncoding.EncodeToString(pcm)
	return c.writeJSON(ctx, clientMessage{Type: "input_audio_buffer.append", Audio: encoded})
}

// CreateResponse asks the agent to start speaking
func (c *Conn) CreateResponse(ctx context.Context) error {
	return c.writeJSON(ctx, clientMessage{Type: "response.create"})
}

// CancelResponse cancels the in-progress response, if any
func (c *Conn) CancelResponse(ctx context.Context) error {
	return c.writeJSON(ctx, clientMessage{Type: "response.cancel"})
}

// Events returns the server event stream
func (c *Conn) Events() <-chan ServerEvent {
	return c.events
}

// Close tears down the session
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) writeJSON(ctx context.Context, msg clientMessage) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode client message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetWriteDeadline(deadline)
	} else {
		c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("speech session write failed: %w", err)
	}
	return nil
}

// readLoop pumps server events from the websocket into the events channel
// in arrival order
func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.WithError(err).Debug("Speech session read ended")
				}
			}
			return
		}

		ev, err := parseServerEvent(data)
		if err != nil {
			c.logger.WithError(err).Warn("Dropping malformed server event")
			continue
		}

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}
