package call

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/events"
	"voicebridge-server/pkg/metrics"
)

// Status is a call's lifecycle state
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
)

// statusRank orders statuses so transitions only move forward
var statusRank = map[Status]int{
	StatusConnecting: 0,
	StatusConnected:  1,
	StatusEnded:      2,
}

// Direction indicates who initiated the call
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Call is the registry's record of one active call
type Call struct {
	ID          string     `json:"call_id"`
	Direction   Direction  `json:"direction"`
	Status      Status     `json:"status"`
	PhoneNumber string     `json:"phone_number"`
	Agenda      string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// TranscriptEntry is one finalized utterance in a call's history
type TranscriptEntry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Finalizer releases per-call resources during cleanup. Implementations must
// tolerate being called for calls they never saw.
type Finalizer interface {
	FinalizeCall(callID string)
}

// HangupFunc asks the call-control service to terminate a call
type HangupFunc func(ctx context.Context, callID string) error

// Config holds lifecycle timing knobs
type Config struct {
	GraceDelay        time.Duration
	SweepInterval     time.Duration
	ConnectingTimeout time.Duration
}

// DefaultConfig returns the default lifecycle configuration
func DefaultConfig() Config {
	return Config{
		GraceDelay:        2 * time.Second,
		SweepInterval:     15 * time.Second,
		ConnectingTimeout: 60 * time.Second,
	}
}

// Registry owns the call table, transcript history, cleanup scheduling and
// the stuck-call sweep. It is the only component allowed to mutate Call
// records.
type Registry struct {
	logger      *logrus.Logger
	config      Config
	broadcaster *events.Broadcaster

	mu          sync.Mutex
	calls       map[string]*Call
	transcripts map[string][]TranscriptEntry
	cleanups    map[string]*time.Timer
	finalizers  []Finalizer
	hangup      HangupFunc

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRegistry creates a call registry publishing lifecycle events on the
// given broadcaster
func NewRegistry(logger *logrus.Logger, broadcaster *events.Broadcaster, config Config) *Registry {
	if config.SweepInterval == 0 {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		logger:      logger,
		config:      config,
		broadcaster: broadcaster,
		calls:       make(map[string]*Call),
		transcripts: make(map[string][]TranscriptEntry),
		cleanups:    make(map[string]*time.Timer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RegisterFinalizer adds a component to run during call cleanup. Must be
// called during wiring, before calls exist.
func (r *Registry) RegisterFinalizer(f Finalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalizers = append(r.finalizers, f)
}

// SetHangupFunc installs the call-control terminator used by the sweep
func (r *Registry) SetHangupFunc(fn HangupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hangup = fn
}

// Start launches the periodic stuck-call sweep
func (r *Registry) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.sweepLoop()

	r.logger.WithFields(logrus.Fields{
		"sweep_interval":     r.config.SweepInterval,
		"connecting_timeout": r.config.ConnectingTimeout,
		"grace_delay":        r.config.GraceDelay,
	}).Info("Call registry started")
}

// Stop halts the sweep and cancels pending cleanup timers
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	for id, timer := range r.cleanups {
		timer.Stop()
		delete(r.cleanups, id)
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.logger.Info("Call registry stopped")
}

// Create registers a new call in connecting state. Returns false when a
// record already exists for the identifier.
func (r *Registry) Create(callID string, direction Direction, phone, agenda string) (Call, bool) {
	r.mu.Lock()
	if existing, ok := r.calls[callID]; ok {
		snapshot := *existing
		r.mu.Unlock()
		r.logger.WithField("call_uuid", callID).Warn("Call already registered; ignoring duplicate create")
		return snapshot, false
	}

	c := &Call{
		ID:          callID,
		Direction:   direction,
		Status:      StatusConnecting,
		PhoneNumber: phone,
		Agenda:      agenda,
		CreatedAt:   time.Now().UTC(),
	}
	r.calls[callID] = c
	size := len(r.calls)
	snapshot := *c
	r.mu.Unlock()

	metrics.ActiveCalls.Set(float64(size))
	metrics.CallsTotal.WithLabelValues(string(direction)).Inc()

	r.logger.WithFields(logrus.Fields{
		"call_uuid": callID,
		"direction": direction,
		"phone":     phone,
	}).Info("Call registered")

	r.broadcaster.Publish(events.Event{
		Type:   events.TypeCallStarted,
		CallID: callID,
		Payload: map[string]interface{}{
			"direction": string(direction),
			"phone":     phone,
		},
	})

	return snapshot, true
}

// Transition moves a call forward along connecting -> connected -> ended.
// Stale or repeated transitions are idempotent no-ops; the return value
// reports whether the status actually changed.
func (r *Registry) Transition(callID string, next Status) bool {
	r.mu.Lock()
	c, ok := r.calls[callID]
	if !ok {
		r.mu.Unlock()
		r.logger.WithFields(logrus.Fields{
			"call_uuid": callID,
			"status":    next,
		}).Debug("Transition for unknown call ignored")
		return false
	}

	if statusRank[next] <= statusRank[c.Status] {
		r.mu.Unlock()
		return false
	}

	prev := c.Status
	c.Status = next
	now := time.Now().UTC()
	var setupDuration time.Duration
	switch next {
	case StatusConnected:
		c.ConnectedAt = &now
		setupDuration = now.Sub(c.CreatedAt)
	case StatusEnded:
		c.EndedAt = &now
	}
	r.mu.Unlock()

	if next == StatusConnected {
		metrics.CallSetupDuration.Observe(setupDuration.Seconds())
	}

	r.logger.WithFields(logrus.Fields{
		"call_uuid": callID,
		"from":      prev,
		"to":        next,
	}).Info("Call status changed")

	eventType := events.TypeCallConnected
	if next == StatusEnded {
		eventType = events.TypeCallEnded
	}
	r.broadcaster.Publish(events.Event{
		Type:   eventType,
		CallID: callID,
		Payload: map[string]interface{}{
			"status": string(next),
		},
	})

	return true
}

// Get returns a snapshot of one call
func (r *Registry) Get(callID string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return Call{}, false
	}
	return *c, true
}

// ActiveCalls returns snapshots of every tracked call, newest first
func (r *Registry) ActiveCalls() []Call {
	r.mu.Lock()
	out := make([]Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, *c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// AppendTranscript records a finalized utterance for the call. Unknown calls
// are ignored so late transcript events cannot resurrect removed history.
func (r *Registry) AppendTranscript(callID, role, text string) {
	r.mu.Lock()
	if _, ok := r.calls[callID]; !ok {
		r.mu.Unlock()
		r.logger.WithField("call_uuid", callID).Debug("Transcript for unknown call dropped")
		return
	}
	r.transcripts[callID] = append(r.transcripts[callID], TranscriptEntry{
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
	r.mu.Unlock()

	metrics.TranscriptsTotal.WithLabelValues(role).Inc()
}

// Transcripts returns the accumulated transcript history for a call. History
// survives the ended state and disappears with the Call record.
func (r *Registry) Transcripts(callID string) []TranscriptEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.transcripts[callID]
	out := make([]TranscriptEntry, len(entries))
	copy(out, entries)
	return out
}

// ScheduleCleanup arranges removal of the call after the delay. A second
// schedule for the same call replaces the first; the most recent intent
// wins.
func (r *Registry) ScheduleCleanup(callID string, delay time.Duration, reason string) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	if prev, ok := r.cleanups[callID]; ok {
		prev.Stop()
		r.logger.WithField("call_uuid", callID).Debug("Replacing pending cleanup")
	}
	r.cleanups[callID] = time.AfterFunc(delay, func() {
		r.cleanup(callID, reason)
	})
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"call_uuid": callID,
		"delay":     delay,
		"reason":    reason,
	}).Info("Cleanup scheduled")
}

// GraceDelay exposes the configured cleanup grace period
func (r *Registry) GraceDelay() time.Duration {
	return r.config.GraceDelay
}

// cleanup finalizes a call: release per-call resources, drop the record and
// its transcripts, announce removal, close the call's event topic. Running
// it for an already-removed call is a no-op.
func (r *Registry) cleanup(callID, reason string) {
	r.mu.Lock()
	delete(r.cleanups, callID)
	_, ok := r.calls[callID]
	if !ok {
		r.mu.Unlock()
		return
	}
	finalizers := make([]Finalizer, len(r.finalizers))
	copy(finalizers, r.finalizers)
	r.mu.Unlock()

	// Release agent, media binding and other per-call state first so nothing
	// writes to a call the registry no longer knows about
	for _, f := range finalizers {
		f.FinalizeCall(callID)
	}

	r.mu.Lock()
	delete(r.calls, callID)
	delete(r.transcripts, callID)
	size := len(r.calls)
	r.mu.Unlock()

	metrics.ActiveCalls.Set(float64(size))

	r.logger.WithFields(logrus.Fields{
		"call_uuid": callID,
		"reason":    reason,
	}).Info("Call removed")

	r.broadcaster.Publish(events.Event{
		Type:   events.TypeCallRemoved,
		CallID: callID,
		Payload: map[string]interface{}{
			"reason": reason,
		},
	})
	r.broadcaster.CloseTopic(callID)
}

// sweepLoop periodically ends calls stuck in connecting
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweepStuck()
		}
	}
}

// sweepStuck ends calls that stayed in connecting beyond the timeout. This
// covers calls whose far end never answers and never produces a disconnect
// event.
func (r *Registry) sweepStuck() {
	cutoff := time.Now().UTC().Add(-r.config.ConnectingTimeout)

	r.mu.Lock()
	var stuck []string
	for id, c := range r.calls {
		if c.Status == StatusConnecting && c.CreatedAt.Before(cutoff) {
			stuck = append(stuck, id)
		}
	}
	hangup := r.hangup
	r.mu.Unlock()

	for _, id := range stuck {
		r.logger.WithFields(logrus.Fields{
			"call_uuid": id,
			"timeout":   r.config.ConnectingTimeout,
		}).Warn("Call stuck in connecting; terminating")

		if hangup != nil {
			ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
			if err := hangup(ctx, id); err != nil {
				r.logger.WithError(err).WithField("call_uuid", id).Warn("Hangup for stuck call failed")
			}
			cancel()
		}

		metrics.CallsSweptTotal.Inc()
		r.Transition(id, StatusEnded)
		r.ScheduleCleanup(id, r.config.GraceDelay, "connect timeout")
	}
}
