package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicebridge-server/pkg/agent"
	"voicebridge-server/pkg/call"
	"voicebridge-server/pkg/callcontrol"
	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/events"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/voicelive"
)

func init() {
	metrics.Init(logrus.New())
}

// fakeCallControl records call-control requests
type fakeCallControl struct {
	mu             sync.Mutex
	nextCallID     string
	createErr      error
	created        []callcontrol.CreateCallRequest
	answered       []callcontrol.AnswerCallRequest
	streamingCalls []string
	hangups        []string
}

func (f *fakeCallControl) CreateCall(_ context.Context, req callcontrol.CreateCallRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, req)
	return f.nextCallID, nil
}

func (f *fakeCallControl) AnswerCall(_ context.Context, req callcontrol.AnswerCallRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, req)
	return f.nextCallID, nil
}

func (f *fakeCallControl) StartMediaStreaming(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamingCalls = append(f.streamingCalls, callID)
	return nil
}

func (f *fakeCallControl) Hangup(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID)
	return nil
}

func (f *fakeCallControl) hungUp() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.hangups))
	copy(out, f.hangups)
	return out
}

// failDialer keeps agents from reaching a real speech service in tests
type failDialer struct{}

func (failDialer) Dial(context.Context) (voicelive.Session, error) {
	return nil, errors.New("no speech service in tests")
}

type recordPublisher struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordPublisher) PublishTranscript(callID, role, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, callID+"/"+role+": "+text)
	return nil
}

type harness struct {
	service     *Service
	registry    *call.Registry
	broadcaster *events.Broadcaster
	cc          *fakeCallControl
	publisher   *recordPublisher
	agents      *agent.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	cfg := &config.Config{
		CallControl: config.CallControlConfig{
			SourceNumber: "+15550000000",
			CallbackURI:  "http://localhost:8080",
		},
		VoiceLive: config.VoiceLiveConfig{
			Instructions: "You are a helpful assistant.",
		},
	}

	broadcaster := events.NewBroadcaster(logger, 16)
	registry := call.NewRegistry(logger, broadcaster, call.Config{
		GraceDelay:        20 * time.Millisecond,
		SweepInterval:     time.Hour,
		ConnectingTimeout: time.Hour,
	})
	registry.Start()
	t.Cleanup(registry.Stop)

	cc := &fakeCallControl{nextCallID: "call-1"}
	publisher := &recordPublisher{}
	agents := agent.NewManager(logger, agent.Config{GreetingWait: time.Second}, nil, failDialer{}, noopSink{}, noopTranscripts{}, broadcaster)
	t.Cleanup(agents.StopAll)

	svc := NewService(logger, cfg, registry, agents, broadcaster, cc, publisher)
	registry.RegisterFinalizer(agents)

	return &harness{
		service:     svc,
		registry:    registry,
		broadcaster: broadcaster,
		cc:          cc,
		publisher:   publisher,
		agents:      agents,
	}
}

type noopSink struct{}

func (noopSink) WriteAudio(string, []byte) error { return nil }
func (noopSink) FlushAudio(string)               {}

type noopTranscripts struct{}

func (noopTranscripts) OnTranscript(string, string, string) {}

func TestCreateOutboundCall(t *testing.T) {
	h := newHarness(t)

	callID, err := h.service.CreateOutboundCall(context.Background(), "+15551234567", "", "collect the survey answers")
	require.NoError(t, err)
	assert.Equal(t, "call-1", callID)

	c, ok := h.registry.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, call.DirectionOutbound, c.Direction)
	assert.Equal(t, call.StatusConnecting, c.Status)
	assert.Equal(t, "+15551234567", c.PhoneNumber)
	assert.Equal(t, "collect the survey answers", c.Agenda)

	h.cc.mu.Lock()
	req := h.cc.created[0]
	h.cc.mu.Unlock()
	assert.Equal(t, "+15550000000", req.SourceNumber, "configured source number used by default")
	assert.Contains(t, req.MediaURL, "ws://")
	assert.Contains(t, req.CallbackURI, "/api/calls/events")
}

func TestCreateOutboundCallRequiresTarget(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.CreateOutboundCall(context.Background(), "", "", "")
	assert.Error(t, err)
}

func TestCreateOutboundCallControlFailure(t *testing.T) {
	h := newHarness(t)
	h.cc.createErr = errors.New("service unavailable")

	_, err := h.service.CreateOutboundCall(context.Background(), "+15551234567", "", "")
	assert.Error(t, err)
	assert.Empty(t, h.registry.ActiveCalls())
}

func TestSubscriptionValidationHandshake(t *testing.T) {
	h := newHarness(t)

	body := []byte(`[{"eventType":"Microsoft.EventGrid.SubscriptionValidationEvent","data":{"validationCode":"abc-123"}}]`)
	result, err := h.service.HandleInboundNotification(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", result.ValidationCode)
	assert.Empty(t, result.AnsweredCalls)
}

func TestIncomingCallAnswered(t *testing.T) {
	h := newHarness(t)

	body := []byte(`[{"eventType":"Microsoft.Communication.IncomingCall","data":{
		"incomingCallContext":"ctx-token",
		"from":{"rawId":"4:15557654321","phoneNumber":{"value":"+15557654321"}}}}]`)
	result, err := h.service.HandleInboundNotification(context.Background(), body)
	require.NoError(t, err)
	require.Equal(t, []string{"call-1"}, result.AnsweredCalls)

	c, ok := h.registry.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, call.DirectionInbound, c.Direction)
	assert.Equal(t, "+15557654321", c.PhoneNumber)

	h.cc.mu.Lock()
	assert.Equal(t, "ctx-token", h.cc.answered[0].IncomingCallContext)
	h.cc.mu.Unlock()
}

func TestMalformedInboundNotification(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.HandleInboundNotification(context.Background(), []byte(`{not json`))
	assert.Error(t, err)
}

func TestCallConnectedStartsAgentAndStreaming(t *testing.T) {
	h := newHarness(t)
	h.service.CreateOutboundCall(context.Background(), "+15551234567", "", "agenda text")

	body := []byte(`[{"type":"Microsoft.Communication.CallConnected","data":{"callConnectionId":"call-1"}}]`)
	require.NoError(t, h.service.HandleLifecycleEvents(context.Background(), body))

	c, _ := h.registry.Get("call-1")
	assert.Equal(t, call.StatusConnected, c.Status)
	assert.True(t, h.agents.HasAgent("call-1"))

	h.cc.mu.Lock()
	assert.Equal(t, []string{"call-1"}, h.cc.streamingCalls)
	h.cc.mu.Unlock()
}

func TestStaleCallConnectedIgnored(t *testing.T) {
	h := newHarness(t)

	body := []byte(`[{"type":"Microsoft.Communication.CallConnected","data":{"callConnectionId":"ghost"}}]`)
	require.NoError(t, h.service.HandleLifecycleEvents(context.Background(), body))
	assert.False(t, h.agents.HasAgent("ghost"))
}

func TestDuplicateCallConnectedDoesNotRestartAgent(t *testing.T) {
	h := newHarness(t)
	h.service.CreateOutboundCall(context.Background(), "+15551234567", "", "")

	body := []byte(`[{"type":"Microsoft.Communication.CallConnected","data":{"callConnectionId":"call-1"}},
		{"type":"Microsoft.Communication.CallConnected","data":{"callConnectionId":"call-1"}}]`)
	require.NoError(t, h.service.HandleLifecycleEvents(context.Background(), body))

	h.cc.mu.Lock()
	assert.Len(t, h.cc.streamingCalls, 1, "stale duplicate must not restart streaming")
	h.cc.mu.Unlock()
}

func TestCallDisconnectedSchedulesCleanup(t *testing.T) {
	h := newHarness(t)
	h.service.CreateOutboundCall(context.Background(), "+15551234567", "", "")

	body := []byte(`[{"type":"Microsoft.Communication.CallDisconnected","data":{"callConnectionId":"call-1"}}]`)
	require.NoError(t, h.service.HandleLifecycleEvents(context.Background(), body))

	c, ok := h.registry.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, call.StatusEnded, c.Status)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.registry.Get("call-1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("call never cleaned up after disconnect")
}

func TestHangup(t *testing.T) {
	h := newHarness(t)
	h.service.CreateOutboundCall(context.Background(), "+15551234567", "", "")

	require.NoError(t, h.service.Hangup(context.Background(), "call-1"))
	assert.Equal(t, []string{"call-1"}, h.cc.hungUp())

	c, ok := h.registry.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, call.StatusEnded, c.Status)
}

func TestHangupUnknownCall(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.service.Hangup(context.Background(), "ghost"))
}

func TestInboundAgenda(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "You are a helpful assistant.", h.service.GetInboundAgenda())

	h.service.SetInboundAgenda("Greet callers in French.")
	assert.Equal(t, "Greet callers in French.", h.service.GetInboundAgenda())

	// Blank resets to the configured default
	h.service.SetInboundAgenda("   ")
	assert.Equal(t, "You are a helpful assistant.", h.service.GetInboundAgenda())
}

func TestAgendaSelection(t *testing.T) {
	h := newHarness(t)

	h.cc.nextCallID = "call-out"
	h.service.CreateOutboundCall(context.Background(), "+15551234567", "", "sell the thing")
	assert.Equal(t, "sell the thing", h.service.agendaFor("call-out"))

	h.registry.Create("call-in", call.DirectionInbound, "+15557654321", "")
	h.service.SetInboundAgenda("Answer support questions.")
	assert.Equal(t, "Answer support questions.", h.service.agendaFor("call-in"))

	// Outbound call without an agenda falls back to the inbound default
	h.registry.Create("call-out2", call.DirectionOutbound, "+15551112222", "")
	assert.Equal(t, "Answer support questions.", h.service.agendaFor("call-out2"))
}

func TestOnTranscriptFansOut(t *testing.T) {
	h := newHarness(t)
	h.service.CreateOutboundCall(context.Background(), "+15551234567", "", "")

	ch, cancel := h.broadcaster.Subscribe("call-1")
	defer cancel()

	h.service.OnTranscript("call-1", "user", "hello there")

	entries := h.registry.Transcripts("call-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "hello there", entries[0].Text)

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeTranscript, ev.Type)
		assert.Equal(t, "hello there", ev.Payload["text"])
	case <-time.After(time.Second):
		t.Fatal("transcript event never broadcast")
	}

	h.publisher.mu.Lock()
	assert.Equal(t, []string{"call-1/user: hello there"}, h.publisher.messages)
	h.publisher.mu.Unlock()
}

func TestDrainCallsHangsUpActive(t *testing.T) {
	h := newHarness(t)
	h.cc.nextCallID = "call-a"
	h.service.CreateOutboundCall(context.Background(), "+15551111111", "", "")
	h.cc.nextCallID = "call-b"
	h.service.CreateOutboundCall(context.Background(), "+15552222222", "", "")

	h.service.DrainCalls(context.Background())
	assert.ElementsMatch(t, []string{"call-a", "call-b"}, h.cc.hungUp())
}
