package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// Call lifecycle metrics
	ActiveCalls       prometheus.Gauge
	CallsTotal        *prometheus.CounterVec
	CallSetupDuration prometheus.Histogram
	CallsSweptTotal   prometheus.Counter

	// Connection pool metrics
	PoolWarmConnections prometheus.Gauge
	PoolAcquiresTotal   *prometheus.CounterVec
	PoolExpiredTotal    prometheus.Counter
	PoolDialErrors      prometheus.Counter

	// Media bridge metrics
	MediaFramesTotal   *prometheus.CounterVec
	MediaFramesDropped *prometheus.CounterVec
	MediaBindings      prometheus.Gauge

	// Agent metrics
	BargeInsTotal    prometheus.Counter
	TranscriptsTotal *prometheus.CounterVec

	// Observer metrics
	EventSubscribers prometheus.Gauge
	EventsDropped    prometheus.Counter

	// AMQP metrics
	AMQPPublishedMessages prometheus.Counter
	AMQPPublishErrors     prometheus.Counter
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_active_calls",
			Help: "Number of calls currently tracked by the registry",
		})

		CallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_calls_total",
			Help: "Total number of calls by direction",
		}, []string{"direction"})

		CallSetupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_call_setup_duration_seconds",
			Help:    "Time from call creation to connected state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		})

		CallsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_calls_swept_total",
			Help: "Calls terminated by the stuck-connecting sweep",
		})

		PoolWarmConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_pool_warm_connections",
			Help: "Number of warm speech sessions currently pooled",
		})

		PoolAcquiresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_pool_acquires_total",
			Help: "Pool acquisition attempts by result",
		}, []string{"result"})

		PoolExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_pool_expired_total",
			Help: "Warm sessions discarded because they exceeded the max age",
		})

		PoolDialErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_pool_dial_errors_total",
			Help: "Failed attempts to establish a warm speech session",
		})

		MediaFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_media_frames_total",
			Help: "Audio frames relayed by the media bridge by direction",
		}, []string{"direction"})

		MediaFramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_media_frames_dropped_total",
			Help: "Audio frames dropped by the media bridge by reason",
		}, []string{"reason"})

		MediaBindings = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_media_bindings",
			Help: "Number of calls with a bound media transport",
		})

		BargeInsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_barge_ins_total",
			Help: "Times a caller interrupted the speaking agent",
		})

		TranscriptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_transcripts_total",
			Help: "Finalized transcript entries by role",
		}, []string{"role"})

		EventSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_event_subscribers",
			Help: "Number of connected event stream subscribers",
		})

		EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_events_dropped_total",
			Help: "Events dropped because a subscriber queue was full",
		})

		AMQPPublishedMessages = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_amqp_published_messages_total",
			Help: "Transcript messages published to AMQP",
		})

		AMQPPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_amqp_publish_errors_total",
			Help: "Failed AMQP transcript publishes",
		})

		registry.MustRegister(
			ActiveCalls,
			CallsTotal,
			CallSetupDuration,
			CallsSweptTotal,
			PoolWarmConnections,
			PoolAcquiresTotal,
			PoolExpiredTotal,
			PoolDialErrors,
			MediaFramesTotal,
			MediaFramesDropped,
			MediaBindings,
			BargeInsTotal,
			TranscriptsTotal,
			EventSubscribers,
			EventsDropped,
			AMQPPublishedMessages,
			AMQPPublishErrors,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the Prometheus registry, or nil when Init has not run
func GetRegistry() *prometheus.Registry {
	return registry
}
