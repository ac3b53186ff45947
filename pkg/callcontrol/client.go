package callcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// apiVersion pins the call-control service API revision
const apiVersion = "2024-09-15"

// Client talks to the telephony call-control service
type Client interface {
	// CreateCall places an outbound call and returns its call identifier
	CreateCall(ctx context.Context, req CreateCallRequest) (string, error)

	// AnswerCall accepts an incoming call and returns its call identifier
	AnswerCall(ctx context.Context, req AnswerCallRequest) (string, error)

	// StartMediaStreaming begins bidirectional audio streaming for the call
	StartMediaStreaming(ctx context.Context, callID string) error

	// Hangup terminates the call
	Hangup(ctx context.Context, callID string) error
}

// CreateCallRequest describes an outbound call
type CreateCallRequest struct {
	TargetNumber string
	SourceNumber string
	CallbackURI  string
	MediaURL     string
}

// AnswerCallRequest accepts an incoming call notification
type AnswerCallRequest struct {
	IncomingCallContext string
	CallbackURI         string
	MediaURL            string
}

// Config configures the REST client
type Config struct {
	Endpoint  string
	AccessKey string
	Timeout   time.Duration
}

// RESTClient implements Client against the call-control HTTP API
type RESTClient struct {
	logger *logrus.Logger
	config Config
	http   *http.Client
}

// NewRESTClient creates a call-control client
func NewRESTClient(logger *logrus.Logger, config Config) *RESTClient {
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	return &RESTClient{
		logger: logger,
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
}

// wire shapes

type phoneNumberIdentifier struct {
	Value string `json:"value"`
}

type mediaStreamingOptions struct {
	TransportURL    string `json:"transportUrl"`
	TransportType   string `json:"transportType"`
	ContentType     string `json:"contentType"`
	AudioChannel    string `json:"audioChannelType"`
	BidirectionalOn bool   `json:"enableBidirectional"`
	AudioFormat     string `json:"audioFormat"`
}

type createCallBody struct {
	Targets        []callTarget           `json:"targets"`
	SourceCallerID *phoneNumberIdentifier `json:"sourceCallerIdNumber,omitempty"`
	CallbackURI    string                 `json:"callbackUri"`
	MediaStreaming *mediaStreamingOptions `json:"mediaStreamingOptions,omitempty"`
}

type callTarget struct {
	PhoneNumber phoneNumberIdentifier `json:"phoneNumber"`
}

type answerCallBody struct {
	IncomingCallContext string                 `json:"incomingCallContext"`
	CallbackURI         string                 `json:"callbackUri"`
	MediaStreaming      *mediaStreamingOptions `json:"mediaStreamingOptions,omitempty"`
}

type callConnectionResponse struct {
	CallConnectionID string `json:"callConnectionId"`
}

func defaultStreamingOptions(mediaURL string) *mediaStreamingOptions {
	if mediaURL == "" {
		return nil
	}
	return &mediaStreamingOptions{
		TransportURL:    mediaURL,
		TransportType:   "websocket",
		ContentType:     "audio",
		AudioChannel:    "mixed",
		BidirectionalOn: true,
		AudioFormat:     "Pcm24KMono",
	}
}

// CreateCall places an outbound call
func (c *RESTClient) CreateCall(ctx context.Context, req CreateCallRequest) (string, error) {
	body := createCallBody{
		Targets:        []callTarget{{PhoneNumber: phoneNumberIdentifier{Value: req.TargetNumber}}},
		CallbackURI:    req.CallbackURI,
		MediaStreaming: defaultStreamingOptions(req.MediaURL),
	}
	if req.SourceNumber != "" {
		body.SourceCallerID = &phoneNumberIdentifier{Value: req.SourceNumber}
	}

	var resp callConnectionResponse
	if err := c.post(ctx, "/calling/callConnections", body, &resp); err != nil {
		return "", fmt.Errorf("create call failed: %w", err)
	}
	if resp.CallConnectionID == "" {
		return "", fmt.Errorf("create call returned no call id")
	}

	c.logger.WithFields(logrus.Fields{
		"call_uuid": resp.CallConnectionID,
		"target":    req.TargetNumber,
	}).Info("Outbound call created")
	return resp.CallConnectionID, nil
}

// AnswerCall accepts an incoming call
func (c *RESTClient) AnswerCall(ctx context.Context, req AnswerCallRequest) (string, error) {
	body := answerCallBody{
		IncomingCallContext: req.IncomingCallContext,
		CallbackURI:         req.CallbackURI,
		MediaStreaming:      defaultStreamingOptions(req.MediaURL),
	}

	var resp callConnectionResponse
	if err := c.post(ctx, "/calling/callConnections:answer", body, &resp); err != nil {
		return "", fmt.Errorf("answer call failed: %w", err)
	}
	if resp.CallConnectionID == "" {
		return "", fmt.Errorf("answer call returned no call id")
	}

	c.logger.WithField("call_uuid", resp.CallConnectionID).Info("Inbound call answered")
	return resp.CallConnectionID, nil
}

// StartMediaStreaming begins audio streaming on an answered call
func (c *RESTClient) StartMediaStreaming(ctx context.Context, callID string) error {
	path := fmt.Sprintf("/calling/callConnections/%s:startMediaStreaming", callID)
	if err := c.post(ctx, path, struct{}{}, nil); err != nil {
		return fmt.Errorf("start media streaming failed: %w", err)
	}
	return nil
}

// Hangup terminates the call. Terminating an unknown call is treated as
// success so teardown paths stay idempotent.
func (c *RESTClient) Hangup(ctx context.Context, callID string) error {
	path := fmt.Sprintf("/calling/callConnections/%s", callID)
	status, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return fmt.Errorf("hangup failed: %w", err)
	}
	if status == http.StatusNotFound {
		c.logger.WithField("call_uuid", callID).Debug("Hangup for unknown call; already gone")
		return nil
	}
	if status >= 300 {
		return fmt.Errorf("hangup failed: status %d", status)
	}
	return nil
}

func (c *RESTClient) post(ctx context.Context, path string, body, out interface{}) error {
	status, err := c.do(ctx, http.MethodPost, path, body, out)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("status %d", status)
	}
	return nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	endpoint := strings.TrimSuffix(c.config.Endpoint, "/")
	url := fmt.Sprintf("%s%s?api-version=%s", endpoint, path, apiVersion)

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.AccessKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
