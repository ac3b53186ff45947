package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	HTTP        HTTPConfig        `json:"http"`
	CallControl CallControlConfig `json:"call_control"`
	VoiceLive   VoiceLiveConfig   `json:"voicelive"`
	Pool        PoolConfig        `json:"pool"`
	Lifecycle   LifecycleConfig   `json:"lifecycle"`
	Agent       AgentConfig       `json:"agent"`
	Media       MediaConfig       `json:"media"`
	Events      EventsConfig      `json:"events"`
	Messaging   MessagingConfig   `json:"messaging"`
	Logging     LoggingConfig     `json:"logging"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port          int           `json:"port"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	EnableMetrics bool          `json:"enable_metrics"`
}

// CallControlConfig holds configuration for the telephony call-control service
type CallControlConfig struct {
	// Base URL of the call automation REST API
	Endpoint string `json:"endpoint"`

	// Access key used as bearer token for call-control requests
	AccessKey string `json:"-"`

	// Default source phone number for outbound calls
	SourceNumber string `json:"source_number"`

	// Publicly reachable base URI of this server; used to derive the
	// lifecycle webhook URL and the media streaming websocket URL
	CallbackURI string `json:"callback_uri"`
}

// VoiceLiveConfig holds configuration for the real-time speech-agent service
type VoiceLiveConfig struct {
	Endpoint         string        `json:"endpoint"`
	APIKey           string        `json:"-"`
	Model            string        `json:"model"`
	Voice            string        `json:"voice"`
	Instructions     string        `json:"instructions"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
}

// PoolConfig holds configuration for the warm connection pool
type PoolConfig struct {
	TargetSize          int           `json:"target_size"`
	MaxAge              time.Duration `json:"max_age"`
	MaintenanceInterval time.Duration `json:"maintenance_interval"`
	RefillJitterMax     time.Duration `json:"refill_jitter_max"`
}

// LifecycleConfig holds configuration for call lifecycle management
type LifecycleConfig struct {
	// Delay between a call ending and its resources being removed
	GraceDelay time.Duration `json:"grace_delay"`

	// Interval of the sweep that catches calls stuck in connecting
	SweepInterval time.Duration `json:"sweep_interval"`

	// Maximum time a call may remain in connecting before the sweep ends it
	ConnectingTimeout time.Duration `json:"connecting_timeout"`
}

// AgentConfig holds configuration for per-call speech agents
type AgentConfig struct {
	// Maximum time to wait for an audio output channel before greeting
	GreetingWait time.Duration `json:"greeting_wait"`

	VADThreshold           float64 `json:"vad_threshold"`
	PrefixPaddingMs        int     `json:"prefix_padding_ms"`
	SilenceDurationMs      int     `json:"silence_duration_ms"`
	EnableEchoCancellation bool    `json:"enable_echo_cancellation"`
	EnableNoiseReduction   bool    `json:"enable_noise_reduction"`
	TranscriptionModel     string  `json:"transcription_model"`
}

// MediaConfig holds configuration for the media bridge
type MediaConfig struct {
	// Maximum time an inbound transport waits for the call's agent to exist
	AgentWaitTimeout time.Duration `json:"agent_wait_timeout"`

	// Poll interval while waiting for the agent
	AgentWaitPoll time.Duration `json:"agent_wait_poll"`
}

// EventsConfig holds configuration for event streaming to observers
type EventsConfig struct {
	KeepaliveInterval time.Duration `json:"keepalive_interval"`
	SubscriberBuffer  int           `json:"subscriber_buffer"`
}

// MessagingConfig holds optional AMQP transcript delivery configuration
type MessagingConfig struct {
	AMQPUrl      string `json:"-"`
	ExchangeName string `json:"exchange_name"`
	QueueName    string `json:"queue_name"`
	RoutingKey   string `json:"routing_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	OutputFile string `json:"output_file"`
}

// Load reads configuration from .env files and environment variables
func Load(logger *logrus.Logger) (*Config, error) {
	loadDotEnv(logger)

	config := &Config{
		HTTP: HTTPConfig{
			Port:          getEnvInt("HTTP_PORT", 8080),
			ReadTimeout:   getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:  getEnvDuration("HTTP_WRITE_TIMEOUT", 0),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
		},
		CallControl: CallControlConfig{
			Endpoint:     getEnv("CALLCONTROL_ENDPOINT", ""),
			AccessKey:    getEnv("CALLCONTROL_ACCESS_KEY", ""),
			SourceNumber: getEnv("CALLCONTROL_SOURCE_NUMBER", ""),
			CallbackURI:  getEnv("CALLBACK_URI", "http://localhost:8080"),
		},
		VoiceLive: VoiceLiveConfig{
			Endpoint:         getEnv("VOICELIVE_ENDPOINT", ""),
			APIKey:           getEnv("VOICELIVE_API_KEY", ""),
			Model:            getEnv("VOICELIVE_MODEL", "gpt-realtime"),
			Voice:            getEnv("VOICELIVE_VOICE", "en-US-Ava:DragonHDLatestNeural"),
			Instructions:     getEnv("VOICELIVE_INSTRUCTIONS", "You are Ava, an AI voice assistant. Be concise, friendly, and professional."),
			HandshakeTimeout: getEnvDuration("VOICELIVE_HANDSHAKE_TIMEOUT", 10*time.Second),
		},
		Pool: PoolConfig{
			TargetSize:          getEnvInt("POOL_TARGET_SIZE", 2),
			MaxAge:              getEnvDuration("POOL_MAX_AGE", 30*time.Second),
			MaintenanceInterval: getEnvDuration("POOL_MAINTENANCE_INTERVAL", 5*time.Second),
			RefillJitterMax:     getEnvDuration("POOL_REFILL_JITTER_MAX", 500*time.Millisecond),
		},
		Lifecycle: LifecycleConfig{
			GraceDelay:        getEnvDuration("CALL_CLEANUP_GRACE_DELAY", 2*time.Second),
			SweepInterval:     getEnvDuration("CALL_SWEEP_INTERVAL", 15*time.Second),
			ConnectingTimeout: getEnvDuration("CALL_CONNECTING_TIMEOUT", 60*time.Second),
		},
		Agent: AgentConfig{
			GreetingWait:           getEnvDuration("AGENT_GREETING_WAIT", 5*time.Second),
			VADThreshold:           getEnvFloat("AGENT_VAD_THRESHOLD", 0.5),
			PrefixPaddingMs:        getEnvInt("AGENT_VAD_PREFIX_PADDING_MS", 200),
			SilenceDurationMs:      getEnvInt("AGENT_VAD_SILENCE_DURATION_MS", 500),
			EnableEchoCancellation: getEnvBool("AGENT_ECHO_CANCELLATION", true),
			EnableNoiseReduction:   getEnvBool("AGENT_NOISE_REDUCTION", true),
			TranscriptionModel:     getEnv("AGENT_TRANSCRIPTION_MODEL", "whisper-1"),
		},
		Media: MediaConfig{
			AgentWaitTimeout: getEnvDuration("MEDIA_AGENT_WAIT_TIMEOUT", 5*time.Second),
			AgentWaitPoll:    getEnvDuration("MEDIA_AGENT_WAIT_POLL", 250*time.Millisecond),
		},
		Events: EventsConfig{
			KeepaliveInterval: getEnvDuration("EVENTS_KEEPALIVE_INTERVAL", 30*time.Second),
			SubscriberBuffer:  getEnvInt("EVENTS_SUBSCRIBER_BUFFER", 64),
		},
		Messaging: MessagingConfig{
			AMQPUrl:      getEnv("AMQP_URL", ""),
			ExchangeName: getEnv("AMQP_EXCHANGE_NAME", ""),
			QueueName:    getEnv("AMQP_QUEUE_NAME", "voicebridge_transcripts"),
			RoutingKey:   getEnv("AMQP_ROUTING_KEY", "transcript"),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "text"),
			OutputFile: getEnv("LOG_OUTPUT_FILE", ""),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks that required collaborator configuration is present.
// Missing collaborator endpoints are fatal at startup rather than failing
// silently per-request.
func (c *Config) Validate() error {
	if c.VoiceLive.Endpoint == "" {
		return fmt.Errorf("VOICELIVE_ENDPOINT is required")
	}
	if c.VoiceLive.APIKey == "" {
		return fmt.Errorf("VOICELIVE_API_KEY is required")
	}
	if c.CallControl.Endpoint == "" {
		return fmt.Errorf("CALLCONTROL_ENDPOINT is required")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTP.Port)
	}
	if c.Pool.TargetSize < 0 {
		return fmt.Errorf("POOL_TARGET_SIZE must not be negative: %d", c.Pool.TargetSize)
	}
	return nil
}

// ApplyLogging configures the logger according to the loaded configuration
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", c.Logging.OutputFile, err)
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// MediaStreamingURL returns the websocket URL the call-control service should
// connect its media transport to
func (c *CallControlConfig) MediaStreamingURL() string {
	base := c.CallbackURI
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws/media"
}

// EventsCallbackURL returns the lifecycle webhook URL handed to the
// call-control service
func (c *CallControlConfig) EventsCallbackURL() string {
	return c.CallbackURI + "/api/calls/events"
}

// loadDotEnv probes the usual locations for a .env file
func loadDotEnv(logger *logrus.Logger) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		if err := godotenv.Load(envFile); err == nil {
			absPath, _ := filepath.Abs(envFile)
			logger.WithFields(logrus.Fields{
				"working_dir": wd,
				"path":        absPath,
			}).Info("Loaded .env file")
			return
		}
	}

	logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvFloat retrieves an environment variable and converts it to float64
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatValue
}
