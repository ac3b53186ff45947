package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/metrics"
)

// Event types published on the broadcaster
const (
	TypeCallStarted   = "call_started"
	TypeCallConnected = "call_connected"
	TypeCallEnded     = "call_ended"
	TypeCallRemoved   = "call_removed"
	TypeTranscript    = "transcript"
	TypeBargeIn       = "barge_in"
	TypeAgentSpeaking = "agent_speaking"
)

// Event is a call-scoped notification fanned out to subscribers
type Event struct {
	Type      string                 `json:"type"`
	CallID    string                 `json:"call_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// subscriber is one consumer of a topic's event stream
type subscriber struct {
	id     uint64
	ch     chan Event
	closed bool
}

// topic groups the subscribers listening for one call (or the global feed)
type topic struct {
	subs map[uint64]*subscriber
}

// Broadcaster fans events out to per-call topics and a global topic. Slow
// subscribers are disconnected rather than allowed to block publishers.
type Broadcaster struct {
	logger *logrus.Logger
	buffer int

	mu     sync.Mutex
	topics map[string]*topic
	nextID uint64
}

// GlobalTopic receives a copy of every published event
const GlobalTopic = "*"

// NewBroadcaster creates a broadcaster whose subscriber channels hold up to
// buffer events
func NewBroadcaster(logger *logrus.Logger, buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		logger: logger,
		buffer: buffer,
		topics: make(map[string]*topic),
	}
}

// Subscribe registers a consumer on the given topic and returns its event
// channel plus a cancel function. Use GlobalTopic to observe all calls. The
// channel is closed when the topic is closed or the cancel function runs.
func (b *Broadcaster) Subscribe(topicName string) (<-chan Event, func()) {
	b.mu.Lock()
	t, ok := b.topics[topicName]
	if !ok {
		t = &topic{subs: make(map[uint64]*subscriber)}
		b.topics[topicName] = t
	}

	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Event, b.buffer)}
	t.subs[sub.id] = sub
	b.mu.Unlock()

	metrics.EventSubscribers.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if t, ok := b.topics[topicName]; ok {
				if s, ok := t.subs[sub.id]; ok {
					delete(t.subs, sub.id)
					closeSubscriber(s)
				}
				if len(t.subs) == 0 && topicName != GlobalTopic {
					delete(b.topics, topicName)
				}
			} else {
				// Topic already closed; the subscriber channel went with it
				closeSubscriber(sub)
			}
		})
	}

	return sub.ch, cancel
}

// closeSubscriber closes a subscriber channel exactly once; callers hold b.mu
func closeSubscriber(s *subscriber) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	metrics.EventSubscribers.Dec()
}

// Publish delivers the event to its call topic and the global topic. The
// call never blocks: a subscriber whose queue is full is dropped and its
// channel closed.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.CallID != "" {
		b.deliverLocked(ev.CallID, ev)
	}
	b.deliverLocked(GlobalTopic, ev)
}

// deliverLocked sends to every subscriber of one topic; must hold b.mu
func (b *Broadcaster) deliverLocked(topicName string, ev Event) {
	t, ok := b.topics[topicName]
	if !ok {
		return
	}

	for id, sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			// Queue full; cut the subscriber loose instead of stalling
			delete(t.subs, id)
			closeSubscriber(sub)
			metrics.EventsDropped.Inc()
			b.logger.WithFields(logrus.Fields{
				"topic":      topicName,
				"event_type": ev.Type,
			}).Warn("Dropped slow event subscriber")
		}
	}
}

// CloseTopic ends a call topic, closing all of its subscriber channels.
// Closing an unknown topic is a no-op.
func (b *Broadcaster) CloseTopic(topicName string) {
	if topicName == GlobalTopic {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicName]
	if !ok {
		return
	}
	delete(b.topics, topicName)

	for _, sub := range t.subs {
		closeSubscriber(sub)
	}
}

// SubscriberCount reports subscribers on a topic, for diagnostics
func (b *Broadcaster) SubscriberCount(topicName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topicName]; ok {
		return len(t.subs)
	}
	return 0
}
