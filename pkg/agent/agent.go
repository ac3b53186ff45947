package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/events"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/voicelive"
)

// AudioSink receives the agent's synthesized audio for one call
type AudioSink interface {
	// WriteAudio pushes a PCM frame toward the caller
	WriteAudio(callID string, pcm []byte) error

	// FlushAudio tells the transport to discard audio it has buffered but
	// not yet played. Sent on barge-in.
	FlushAudio(callID string)
}

// TranscriptSink receives finalized utterances
type TranscriptSink interface {
	OnTranscript(callID, role, text string)
}

// ErrorSink optionally receives speech session errors. An audio sink that
// also implements it (the direct client websocket) gets error frames instead
// of the error only being logged.
type ErrorSink interface {
	OnSessionError(callID, message string)
}

// SessionProvider yields pre-warmed sessions; satisfied by the connection pool
type SessionProvider interface {
	Acquire() (voicelive.Session, bool)
}

// Config controls one agent's speech session
type Config struct {
	Instructions           string
	Voice                  string
	GreetingWait           time.Duration
	VADThreshold           float64
	PrefixPaddingMs        int
	SilenceDurationMs      int
	EnableEchoCancellation bool
	EnableNoiseReduction   bool
	TranscriptionModel     string
}

// Agent owns one call's speech session: it configures the session, consumes
// its event stream, pushes synthesized audio to the media transport and cuts
// the agent off when the caller barges in.
type Agent struct {
	logger      *logrus.Logger
	callID      string
	config      Config
	pool        SessionProvider
	dialer      voicelive.Dialer
	audio       AudioSink
	transcripts TranscriptSink
	broadcaster *events.Broadcaster

	mu             sync.Mutex
	session        voicelive.Session
	sessionReady   bool
	activeResponse bool
	responseDone   bool
	userSpeaking   bool
	greeted        bool

	outputReady     chan struct{}
	outputReadyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an agent for one call. Start launches its run loop.
func New(logger *logrus.Logger, callID string, config Config, pool SessionProvider, dialer voicelive.Dialer, audio AudioSink, transcripts TranscriptSink, broadcaster *events.Broadcaster) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		logger:      logger,
		callID:      callID,
		config:      config,
		pool:        pool,
		dialer:      dialer,
		audio:       audio,
		transcripts: transcripts,
		broadcaster: broadcaster,
		outputReady: make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Start launches the agent's run loop in the background
func (a *Agent) Start() {
	go a.run()
}

// Stop ends the run loop and closes the session. Safe to call more than
// once; returns once the loop has exited.
func (a *Agent) Stop() {
	a.cancel()

	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session != nil {
		session.Close()
	}

	select {
	case <-a.done:
	case <-time.After(5 * time.Second):
		a.logger.WithField("call_uuid", a.callID).Warn("Agent loop did not exit promptly")
	}
}

// SendAudio forwards caller audio into the speech session. Frames arriving
// before the session is ready are dropped; the session's event stream, not
// the transport, decides when the conversation starts.
func (a *Agent) SendAudio(pcm []byte) {
	a.mu.Lock()
	session := a.session
	ready := a.sessionReady
	a.mu.Unlock()

	if session == nil || !ready {
		metrics.MediaFramesDropped.WithLabelValues("session_not_ready").Inc()
		return
	}

	if err := session.AppendAudio(a.ctx, pcm); err != nil {
		if a.ctx.Err() == nil {
			a.logger.WithError(err).WithField("call_uuid", a.callID).Debug("Failed to forward caller audio")
		}
	}
}

// NotifyOutputReady signals that a media transport is bound and the greeting
// may play. Idempotent.
func (a *Agent) NotifyOutputReady() {
	a.outputReadyOnce.Do(func() {
		close(a.outputReady)
	})
}

// run is the agent's event loop: obtain a session, configure it, then
// process server events until stopped or the session ends
func (a *Agent) run() {
	defer close(a.done)

	session, fromPool := a.obtainSession()
	if session == nil {
		return
	}
	defer session.Close()

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"call_uuid": a.callID,
		"from_pool": fromPool,
	}).Info("Agent session attached")

	if err := session.UpdateSession(a.ctx, voicelive.SessionConfig{
		Instructions:           a.config.Instructions,
		Voice:                  a.config.Voice,
		VADThreshold:           a.config.VADThreshold,
		PrefixPaddingMs:        a.config.PrefixPaddingMs,
		SilenceDurationMs:      a.config.SilenceDurationMs,
		EnableEchoCancellation: a.config.EnableEchoCancellation,
		EnableNoiseReduction:   a.config.EnableNoiseReduction,
		TranscriptionModel:     a.config.TranscriptionModel,
	}); err != nil {
		if a.ctx.Err() == nil {
			a.logger.WithError(err).WithField("call_uuid", a.callID).Error("Failed to configure speech session")
		}
		return
	}

	for {
		select {
		case <-a.ctx.Done():
			return
		case ev, ok := <-session.Events():
			if !ok {
				a.logger.WithField("call_uuid", a.callID).Info("Speech session ended")
				return
			}
			a.handleEvent(session, ev)
		}
	}
}

// obtainSession prefers a pool-warmed session and falls back to dialing
func (a *Agent) obtainSession() (voicelive.Session, bool) {
	if a.pool != nil {
		if session, ok := a.pool.Acquire(); ok {
			return session, true
		}
	}

	dialCtx, cancel := context.WithTimeout(a.ctx, 15*time.Second)
	defer cancel()
	session, err := a.dialer.Dial(dialCtx)
	if err != nil {
		if a.ctx.Err() == nil {
			a.logger.WithError(err).WithField("call_uuid", a.callID).Error("Failed to establish speech session")
		}
		return nil, false
	}
	return session, false
}

func (a *Agent) handleEvent(session voicelive.Session, ev voicelive.ServerEvent) {
	switch ev.Type {
	case voicelive.EventSessionUpdated:
		a.mu.Lock()
		ready := a.sessionReady
		a.sessionReady = true
		greeted := a.greeted
		a.greeted = true
		a.mu.Unlock()

		if !ready {
			a.logger.WithFields(logrus.Fields{
				"call_uuid":  a.callID,
				"session_id": ev.SessionID,
			}).Info("Speech session ready")
		}
		if !greeted {
			go a.greet(session)
		}

	case voicelive.EventSpeechStarted:
		a.onBargeIn(session)

	case voicelive.EventSpeechStopped:
		a.mu.Lock()
		a.userSpeaking = false
		a.mu.Unlock()

	case voicelive.EventResponseCreated:
		a.mu.Lock()
		a.activeResponse = true
		a.responseDone = false
		a.mu.Unlock()

		a.broadcaster.Publish(events.Event{
			Type:   events.TypeAgentSpeaking,
			CallID: a.callID,
			Payload: map[string]interface{}{
				"speaking": true,
			},
		})

	case voicelive.EventResponseAudioDelta:
		a.mu.Lock()
		suppressed := a.userSpeaking
		a.mu.Unlock()

		// While the caller is talking, stale agent audio is discarded
		// instead of played over them
		if suppressed {
			metrics.MediaFramesDropped.WithLabelValues("barge_in").Inc()
			return
		}
		if err := a.audio.WriteAudio(a.callID, ev.Audio); err != nil {
			a.logger.WithError(err).WithField("call_uuid", a.callID).Debug("Failed to push agent audio")
		}

	case voicelive.EventResponseDone:
		a.mu.Lock()
		a.activeResponse = false
		a.responseDone = true
		a.mu.Unlock()

		a.broadcaster.Publish(events.Event{
			Type:   events.TypeAgentSpeaking,
			CallID: a.callID,
			Payload: map[string]interface{}{
				"speaking": false,
			},
		})

	case voicelive.EventResponseTranscriptDone:
		if ev.Transcript != "" {
			a.transcripts.OnTranscript(a.callID, "assistant", ev.Transcript)
		}

	case voicelive.EventInputTranscriptDone:
		if ev.Transcript != "" {
			a.transcripts.OnTranscript(a.callID, "user", ev.Transcript)
		}

	case voicelive.EventError:
		// Cancelling after the response finished on its own produces a
		// harmless complaint from the service
		if isBenignCancelError(ev.ErrorMessage) {
			a.logger.WithField("call_uuid", a.callID).Debug("Ignoring benign cancel race")
			return
		}
		a.logger.WithFields(logrus.Fields{
			"call_uuid": a.callID,
			"error":     ev.ErrorMessage,
		}).Error("Speech session error")

		if sink, ok := a.audio.(ErrorSink); ok {
			sink.OnSessionError(a.callID, ev.ErrorMessage)
		}
	}
}

// onBargeIn handles the caller starting to speak: suppress agent audio,
// flush what the transport has buffered, and cancel the in-flight response
func (a *Agent) onBargeIn(session voicelive.Session) {
	a.mu.Lock()
	a.userSpeaking = true
	interrupting := a.activeResponse && !a.responseDone
	a.mu.Unlock()

	// The transport can still hold agent audio after the response finished;
	// discard it whenever the caller starts talking
	a.audio.FlushAudio(a.callID)

	if !interrupting {
		return
	}

	metrics.BargeInsTotal.Inc()
	a.logger.WithField("call_uuid", a.callID).Info("Caller barge-in; cancelling agent response")

	if err := session.CancelResponse(a.ctx); err != nil && a.ctx.Err() == nil {
		if isBenignCancelError(err.Error()) {
			a.logger.WithField("call_uuid", a.callID).Debug("Response already finished before cancel")
		} else {
			a.logger.WithError(err).WithField("call_uuid", a.callID).Warn("Failed to cancel agent response")
		}
	}

	a.broadcaster.Publish(events.Event{
		Type:   events.TypeBargeIn,
		CallID: a.callID,
	})
}

// greet triggers the opening response once a transport is bound, or after
// the bounded wait if media never shows up
func (a *Agent) greet(session voicelive.Session) {
	wait := a.config.GreetingWait
	if wait == 0 {
		wait = 5 * time.Second
	}

	select {
	case <-a.outputReady:
	case <-time.After(wait):
		a.logger.WithField("call_uuid", a.callID).Warn("No media transport bound yet; starting greeting anyway")
	case <-a.ctx.Done():
		return
	}

	if err := session.CreateResponse(a.ctx); err != nil && a.ctx.Err() == nil {
		a.logger.WithError(err).WithField("call_uuid", a.callID).Error("Failed to start greeting")
	}
}

func isBenignCancelError(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "no active response")
}
