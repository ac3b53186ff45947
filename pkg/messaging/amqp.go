package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"voicebridge-server/pkg/metrics"
)

// TranscriptMessage is the payload published for each finalized utterance
type TranscriptMessage struct {
	MessageID string    `json:"message_id"`
	CallUUID  string    `json:"call_uuid"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	URL        string
	QueueName  string
	Exchange   string
	RoutingKey string
	Durable    bool
}

// AMQPClient publishes transcript messages to an AMQP broker. The client is
// optional: when no URL is configured every publish is a silent no-op.
type AMQPClient struct {
	logger *logrus.Logger
	config AMQPConfig

	connMutex sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
}

// NewAMQPClient creates an AMQP transcript publisher
func NewAMQPClient(logger *logrus.Logger, config AMQPConfig) *AMQPClient {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}
	config.Durable = true
	return &AMQPClient{
		logger: logger,
		config: config,
	}
}

// Enabled reports whether the client has broker configuration
func (c *AMQPClient) Enabled() bool {
	return c.config.URL != "" && c.config.QueueName != ""
}

// Connect establishes the broker connection and declares the queue
func (c *AMQPClient) Connect() error {
	if !c.Enabled() {
		c.logger.Info("AMQP not configured; transcript publishing disabled")
		return nil
	}

	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}

	conn, err := amqp.Dial(c.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if _, err := channel.QueueDeclare(c.config.QueueName, c.config.Durable, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare AMQP queue: %w", err)
	}

	c.conn = conn
	c.channel = channel
	c.connected = true

	c.logger.WithFields(logrus.Fields{
		"queue":    c.config.QueueName,
		"exchange": c.config.Exchange,
	}).Info("Connected to AMQP broker")
	return nil
}

// PublishTranscript sends one finalized utterance to the broker. Errors are
// returned for the caller to log; transcript delivery is best-effort and
// never blocks call handling.
func (c *AMQPClient) PublishTranscript(callID, role, text string) error {
	if !c.Enabled() {
		return nil
	}

	c.connMutex.RLock()
	connected := c.connected
	channel := c.channel
	c.connMutex.RUnlock()

	if !connected {
		return fmt.Errorf("AMQP not connected")
	}

	msg := TranscriptMessage{
		MessageID: uuid.New().String(),
		CallUUID:  callID,
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode transcript message: %w", err)
	}

	err = channel.Publish(c.config.Exchange, c.config.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		metrics.AMQPPublishErrors.Inc()
		return fmt.Errorf("failed to publish transcript: %w", err)
	}

	metrics.AMQPPublishedMessages.Inc()
	return nil
}

// Disconnect closes the broker connection
func (c *AMQPClient) Disconnect() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if !c.connected {
		return
	}
	c.connected = false

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.logger.Info("Disconnected from AMQP broker")
}
