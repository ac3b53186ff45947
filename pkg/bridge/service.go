package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/agent"
	"voicebridge-server/pkg/call"
	"voicebridge-server/pkg/callcontrol"
	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/events"
	"voicebridge-server/pkg/messaging"
)

// Lifecycle webhook event types from the call-control service
const (
	eventIncomingCall           = "Microsoft.Communication.IncomingCall"
	eventSubscriptionValidation = "Microsoft.EventGrid.SubscriptionValidationEvent"
	eventCallConnected          = "Microsoft.Communication.CallConnected"
	eventCallDisconnected       = "Microsoft.Communication.CallDisconnected"
	eventPlayCompleted          = "Microsoft.Communication.PlayCompleted"
	eventPlayFailed             = "Microsoft.Communication.PlayFailed"
)

// TranscriptPublisher delivers finalized utterances to an external broker
type TranscriptPublisher interface {
	PublishTranscript(callID, role, text string) error
}

// Service coordinates the call registry, per-call agents, the media bridge
// and the call-control service. It is the single entry point the HTTP layer
// talks to.
type Service struct {
	logger      *logrus.Logger
	cfg         *config.Config
	registry    *call.Registry
	agents      *agent.Manager
	broadcaster *events.Broadcaster
	callControl callcontrol.Client
	publisher   TranscriptPublisher

	inboundMu     sync.RWMutex
	inboundAgenda string
}

// NewService wires the orchestrator. The publisher may be nil when AMQP
// delivery is not configured.
func NewService(logger *logrus.Logger, cfg *config.Config, registry *call.Registry, agents *agent.Manager, broadcaster *events.Broadcaster, cc callcontrol.Client, publisher TranscriptPublisher) *Service {
	s := &Service{
		logger:        logger,
		cfg:           cfg,
		registry:      registry,
		agents:        agents,
		broadcaster:   broadcaster,
		callControl:   cc,
		publisher:     publisher,
		inboundAgenda: cfg.VoiceLive.Instructions,
	}
	registry.SetHangupFunc(func(ctx context.Context, callID string) error {
		return cc.Hangup(ctx, callID)
	})
	return s
}

// CreateOutboundCall places a call to the target number. The agenda, when
// set, becomes the agent's instructions for this call.
func (s *Service) CreateOutboundCall(ctx context.Context, target, source, agenda string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("target number is required")
	}
	if source == "" {
		source = s.cfg.CallControl.SourceNumber
	}

	callID, err := s.callControl.CreateCall(ctx, callcontrol.CreateCallRequest{
		TargetNumber: target,
		SourceNumber: source,
		CallbackURI:  s.cfg.CallControl.EventsCallbackURL(),
		MediaURL:     s.cfg.CallControl.MediaStreamingURL(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to place outbound call: %w", err)
	}

	s.registry.Create(callID, call.DirectionOutbound, target, agenda)
	return callID, nil
}

// inbound webhook wire shapes

type gridEvent struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

type validationData struct {
	ValidationCode string `json:"validationCode"`
}

type incomingCallData struct {
	IncomingCallContext string `json:"incomingCallContext"`
	From                struct {
		RawID       string `json:"rawId"`
		PhoneNumber *struct {
			Value string `json:"value"`
		} `json:"phoneNumber"`
	} `json:"from"`
}

// InboundResult reports what an inbound webhook delivery contained
type InboundResult struct {
	// ValidationCode is non-empty for a subscription validation handshake
	// and must be echoed back to the sender
	ValidationCode string

	// AnsweredCalls lists call ids created from incoming-call events
	AnsweredCalls []string
}

// HandleInboundNotification processes an incoming-call webhook: it answers
// subscription validation handshakes and accepts incoming calls
func (s *Service) HandleInboundNotification(ctx context.Context, body []byte) (InboundResult, error) {
	var evs []gridEvent
	if err := json.Unmarshal(body, &evs); err != nil {
		return InboundResult{}, fmt.Errorf("malformed inbound notification: %w", err)
	}

	var result InboundResult
	for _, ev := range evs {
		switch ev.EventType {
		case eventSubscriptionValidation:
			var data validationData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				return InboundResult{}, fmt.Errorf("malformed validation event: %w", err)
			}
			result.ValidationCode = data.ValidationCode

		case eventIncomingCall:
			var data incomingCallData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				s.logger.WithError(err).Warn("Malformed incoming-call event; skipping")
				continue
			}

			callID, err := s.callControl.AnswerCall(ctx, callcontrol.AnswerCallRequest{
				IncomingCallContext: data.IncomingCallContext,
				CallbackURI:         s.cfg.CallControl.EventsCallbackURL(),
				MediaURL:            s.cfg.CallControl.MediaStreamingURL(),
			})
			if err != nil {
				s.logger.WithError(err).Error("Failed to answer incoming call")
				continue
			}

			phone := data.From.RawID
			if data.From.PhoneNumber != nil {
				phone = data.From.PhoneNumber.Value
			}
			s.registry.Create(callID, call.DirectionInbound, phone, "")
			result.AnsweredCalls = append(result.AnsweredCalls, callID)

		default:
			s.logger.WithField("event_type", ev.EventType).Debug("Ignoring inbound event")
		}
	}
	return result, nil
}

// lifecycle webhook wire shape

type lifecycleEvent struct {
	Type string `json:"type"`
	Data struct {
		CallConnectionID string `json:"callConnectionId"`
		ResultInfo       *struct {
			Message string `json:"message"`
		} `json:"resultInformation"`
	} `json:"data"`
}

// HandleLifecycleEvents processes call-control lifecycle callbacks for
// active calls. Duplicate and stale events are no-ops.
func (s *Service) HandleLifecycleEvents(ctx context.Context, body []byte) error {
	var evs []lifecycleEvent
	if err := json.Unmarshal(body, &evs); err != nil {
		return fmt.Errorf("malformed lifecycle notification: %w", err)
	}

	for _, ev := range evs {
		callID := ev.Data.CallConnectionID
		logger := s.logger.WithFields(logrus.Fields{
			"call_uuid":  callID,
			"event_type": ev.Type,
		})

		switch ev.Type {
		case eventCallConnected:
			if !s.registry.Transition(callID, call.StatusConnected) {
				logger.Debug("Stale call-connected event ignored")
				continue
			}

			if err := s.callControl.StartMediaStreaming(ctx, callID); err != nil {
				logger.WithError(err).Warn("Failed to start media streaming")
			}

			s.agents.StartAgent(callID, s.agendaFor(callID))

		case eventCallDisconnected:
			if s.registry.Transition(callID, call.StatusEnded) {
				logger.Info("Call disconnected")
			}
			s.registry.ScheduleCleanup(callID, s.registry.GraceDelay(), "disconnect")

		case eventPlayCompleted:
			logger.Debug("Media play completed")

		case eventPlayFailed:
			msg := ""
			if ev.Data.ResultInfo != nil {
				msg = ev.Data.ResultInfo.Message
			}
			logger.WithField("detail", msg).Warn("Media play failed")

		default:
			logger.Debug("Ignoring lifecycle event")
		}
	}
	return nil
}

// agendaFor resolves the instructions for a call: outbound calls carry their
// own agenda, inbound calls use the configured inbound agenda
func (s *Service) agendaFor(callID string) string {
	c, ok := s.registry.Get(callID)
	if !ok {
		return ""
	}
	if c.Direction == call.DirectionOutbound && strings.TrimSpace(c.Agenda) != "" {
		return c.Agenda
	}
	return s.GetInboundAgenda()
}

// Hangup terminates a call on request and schedules its cleanup
func (s *Service) Hangup(ctx context.Context, callID string) error {
	if _, ok := s.registry.Get(callID); !ok {
		return fmt.Errorf("unknown call %s", callID)
	}

	if err := s.callControl.Hangup(ctx, callID); err != nil {
		s.logger.WithError(err).WithField("call_uuid", callID).Warn("Call-control hangup failed")
	}

	s.registry.Transition(callID, call.StatusEnded)
	s.registry.ScheduleCleanup(callID, s.registry.GraceDelay(), "hangup request")
	return nil
}

// ActiveCalls lists tracked calls, newest first
func (s *Service) ActiveCalls() []call.Call {
	return s.registry.ActiveCalls()
}

// HasCall reports whether the registry still tracks the call
func (s *Service) HasCall(callID string) bool {
	_, ok := s.registry.Get(callID)
	return ok
}

// Transcripts returns a call's accumulated transcript history
func (s *Service) Transcripts(callID string) []call.TranscriptEntry {
	return s.registry.Transcripts(callID)
}

// SetInboundAgenda replaces the instructions used for inbound calls
func (s *Service) SetInboundAgenda(text string) {
	s.inboundMu.Lock()
	defer s.inboundMu.Unlock()
	if strings.TrimSpace(text) == "" {
		text = s.cfg.VoiceLive.Instructions
	}
	s.inboundAgenda = text
	s.logger.Info("Inbound agenda updated")
}

// GetInboundAgenda returns the current inbound-call instructions
func (s *Service) GetInboundAgenda() string {
	s.inboundMu.RLock()
	defer s.inboundMu.RUnlock()
	return s.inboundAgenda
}

// OnTranscript records a finalized utterance: registry history, observer
// fan-out, and best-effort broker delivery
func (s *Service) OnTranscript(callID, role, text string) {
	s.registry.AppendTranscript(callID, role, text)

	s.broadcaster.Publish(events.Event{
		Type:   events.TypeTranscript,
		CallID: callID,
		Payload: map[string]interface{}{
			"role": role,
			"text": text,
		},
	})

	if s.publisher != nil {
		if err := s.publisher.PublishTranscript(callID, role, text); err != nil {
			s.logger.WithError(err).WithField("call_uuid", callID).Debug("Transcript broker delivery failed")
		}
	}
}

// DrainCalls hangs up every active call; used during shutdown
func (s *Service) DrainCalls(ctx context.Context) {
	for _, c := range s.registry.ActiveCalls() {
		if c.Status != call.StatusEnded {
			if err := s.callControl.Hangup(ctx, c.ID); err != nil {
				s.logger.WithError(err).WithField("call_uuid", c.ID).Debug("Hangup during drain failed")
			}
		}
	}
}

var _ agent.TranscriptSink = (*Service)(nil)
var _ TranscriptPublisher = (*messaging.AMQPClient)(nil)
