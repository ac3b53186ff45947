package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicebridge-server/pkg/agent"
	"voicebridge-server/pkg/bridge"
	"voicebridge-server/pkg/call"
	"voicebridge-server/pkg/callcontrol"
	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/events"
	"voicebridge-server/pkg/media"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/voicelive"
)

func init() {
	metrics.Init(logrus.New())
}

type fakeCallControl struct {
	mu         sync.Mutex
	nextCallID string
	hangups    []string
}

func (f *fakeCallControl) CreateCall(context.Context, callcontrol.CreateCallRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextCallID, nil
}

func (f *fakeCallControl) AnswerCall(context.Context, callcontrol.AnswerCallRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextCallID, nil
}

func (f *fakeCallControl) StartMediaStreaming(context.Context, string) error { return nil }

func (f *fakeCallControl) Hangup(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID)
	return nil
}

type failDialer struct{}

func (failDialer) Dial(context.Context) (voicelive.Session, error) {
	return nil, errors.New("no speech service in tests")
}

type apiHarness struct {
	server      *httptest.Server
	registry    *call.Registry
	broadcaster *events.Broadcaster
	service     *bridge.Service
	cc          *fakeCallControl
}

func newAPIHarness(t *testing.T) *apiHarness {
	return newAPIHarnessWithDialer(t, failDialer{})
}

func newAPIHarnessWithDialer(t *testing.T, dialer voicelive.Dialer) *apiHarness {
	t.Helper()
	logger := logrus.New()
	cfg := &config.Config{
		HTTP: config.HTTPConfig{Port: 0, EnableMetrics: true},
		CallControl: config.CallControlConfig{
			Endpoint:     "https://cc.example.com",
			AccessKey:    "super-secret-access-key",
			SourceNumber: "+15550000000",
			CallbackURI:  "http://localhost:8080",
		},
		VoiceLive: config.VoiceLiveConfig{
			Endpoint:     "https://speech.example.com",
			APIKey:       "super-secret-api-key",
			Instructions: "You are a helpful assistant.",
			Voice:        "en-US-Ava:DragonHDLatestNeural",
		},
		Agent:  config.AgentConfig{GreetingWait: time.Second},
		Events: config.EventsConfig{KeepaliveInterval: 40 * time.Millisecond, SubscriberBuffer: 16},
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
	agents := agent.NewManager(logger, agent.Config{GreetingWait: time.Second}, nil, dialer, noopSink{}, noopTranscripts{}, broadcaster)
	t.Cleanup(agents.StopAll)
	svc := bridge.NewService(logger, cfg, registry, agents, broadcaster, cc, nil)
	registry.RegisterFinalizer(agents)

	mediaBridge := media.NewBridge(logger, media.DefaultConfig(), agents, registry)
	registry.RegisterFinalizer(mediaBridge)

	server := NewServer(logger, cfg, svc, mediaBridge, broadcaster, nil, dialer)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &apiHarness{server: ts, registry: registry, broadcaster: broadcaster, service: svc, cc: cc}
}

type noopSink struct{}

func (noopSink) WriteAudio(string, []byte) error { return nil }
func (noopSink) FlushAudio(string)               {}

type noopTranscripts struct{}

func (noopTranscripts) OnTranscript(string, string, string) {}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body string, out interface{}) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	var resp map[string]interface{}
	status := getJSON(t, h.server.URL+"/health", &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", resp["status"])
}

func TestProbeEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	var live map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, h.server.URL+"/health/live", &live))
	assert.Equal(t, "alive", live["status"])

	// No pool configured means readiness does not gate on warm sessions
	var ready map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, h.server.URL+"/health/ready", &ready))
	assert.Equal(t, "ready", ready["status"])

	var status map[string]interface{}
	assert.Equal(t, http.StatusOK, getJSON(t, h.server.URL+"/status", &status))
	assert.Equal(t, float64(0), status["active_calls"])
}

func TestConfigEndpointRedactsSecrets(t *testing.T) {
	h := newAPIHarness(t)

	resp, err := http.Get(h.server.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	body := buf.String()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, body, "super-secret-access-key")
	assert.NotContains(t, body, "super-secret-api-key")
	assert.Contains(t, body, "speech.example.com")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp, err := http.Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOutboundCallEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	var resp map[string]string
	status := postJSON(t, h.server.URL+"/api/calls/outbound",
		`{"target_number":"+15551234567","agenda":"confirm the appointment"}`, &resp)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "call-1", resp["call_id"])

	c, ok := h.registry.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, "confirm the appointment", c.Agenda)
}

func TestOutboundCallRequiresTarget(t *testing.T) {
	h := newAPIHarness(t)
	status := postJSON(t, h.server.URL+"/api/calls/outbound", `{"agenda":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestInboundWebhookValidationHandshake(t *testing.T) {
	h := newAPIHarness(t)

	var resp map[string]string
	status := postJSON(t, h.server.URL+"/api/calls/inbound",
		`[{"eventType":"Microsoft.EventGrid.SubscriptionValidationEvent","data":{"validationCode":"vc-1"}}]`, &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "vc-1", resp["validationResponse"])
}

func TestLifecycleWebhook(t *testing.T) {
	h := newAPIHarness(t)
	postJSON(t, h.server.URL+"/api/calls/outbound", `{"target_number":"+15551234567"}`, nil)

	status := postJSON(t, h.server.URL+"/api/calls/events",
		`[{"type":"Microsoft.Communication.CallConnected","data":{"callConnectionId":"call-1"}}]`, nil)
	assert.Equal(t, http.StatusOK, status)

	c, ok := h.registry.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, call.StatusConnected, c.Status)
}

func TestHangupEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	postJSON(t, h.server.URL+"/api/calls/outbound", `{"target_number":"+15551234567"}`, nil)

	status := postJSON(t, h.server.URL+"/api/calls/call-1/hangup", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status = postJSON(t, h.server.URL+"/api/calls/ghost/hangup", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestActiveCallsAndTranscriptsEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	postJSON(t, h.server.URL+"/api/calls/outbound", `{"target_number":"+15551234567"}`, nil)
	h.registry.AppendTranscript("call-1", "user", "hello")

	var calls struct {
		Calls []call.Call `json:"calls"`
	}
	status := getJSON(t, h.server.URL+"/api/calls", &calls)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, calls.Calls, 1)
	assert.Equal(t, "call-1", calls.Calls[0].ID)

	var transcripts struct {
		Transcripts []call.TranscriptEntry `json:"transcripts"`
	}
	status = getJSON(t, h.server.URL+"/api/calls/call-1/transcripts", &transcripts)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, transcripts.Transcripts, 1)
	assert.Equal(t, "hello", transcripts.Transcripts[0].Text)
}

func TestInboundAgendaEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	status := postJSON(t, h.server.URL+"/api/inbound-agent", `{"agenda":"Only discuss billing."}`, nil)
	assert.Equal(t, http.StatusOK, status)

	var resp map[string]string
	getJSON(t, h.server.URL+"/api/inbound-agent", &resp)
	assert.Equal(t, "Only discuss billing.", resp["agenda"])
}

// readSSELine reads lines until one matching the prefix arrives
func readSSELine(t *testing.T, scanner *bufio.Scanner, prefix string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
	t.Fatalf("no SSE line with prefix %q", prefix)
	return ""
}

func TestEventStreamDeliversEventsAndKeepalives(t *testing.T) {
	h := newAPIHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/api/events/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	scanner := bufio.NewScanner(resp.Body)

	// Keepalive arrives even with no events
	readSSELine(t, scanner, ": keepalive")

	h.broadcaster.Publish(events.Event{Type: events.TypeCallStarted, CallID: "call-9"})
	line := readSSELine(t, scanner, "data: ")

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, events.TypeCallStarted, ev.Type)
	assert.Equal(t, "call-9", ev.CallID)
}

func TestTranscriptStreamReplaysHistoryAndTerminates(t *testing.T) {
	h := newAPIHarness(t)
	postJSON(t, h.server.URL+"/api/calls/outbound", `{"target_number":"+15551234567"}`, nil)
	h.registry.AppendTranscript("call-1", "user", "first utterance")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/api/calls/call-1/transcripts/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)

	// History replays first
	line := readSSELine(t, scanner, "data: ")
	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, events.TypeTranscript, ev.Type)
	assert.Equal(t, "first utterance", ev.Payload["text"])

	// Live events follow
	h.service.OnTranscript("call-1", "assistant", "a reply")
	line = readSSELine(t, scanner, "data: ")
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, "a reply", ev.Payload["text"])

	// Removing the call ends the stream with a terminator event
	h.registry.Transition("call-1", call.StatusEnded)
	h.registry.ScheduleCleanup("call-1", time.Millisecond, "test")

	for {
		line = readSSELine(t, scanner, "data: ")
		ev = events.Event{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		if ev.Type == events.TypeCallEnded && ev.CallID == "" {
			break
		}
	}
}

func TestTranscriptStreamForUnknownCallTerminates(t *testing.T) {
	h := newAPIHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/api/calls/ghost-call/transcripts/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// A stream for a call the registry never knew (or already removed) must
	// end at the first keepalive check instead of idling forever
	scanner := bufio.NewScanner(resp.Body)
	line := readSSELine(t, scanner, "data: ")

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, events.TypeCallEnded, ev.Type)

	// Only the frame's trailing blank line may follow the terminator
	for scanner.Scan() {
		assert.False(t, strings.HasPrefix(scanner.Text(), "data: "), "stream kept going after the terminator")
	}
}
