package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/agent"
	"voicebridge-server/pkg/bridge"
	"voicebridge-server/pkg/call"
	"voicebridge-server/pkg/callcontrol"
	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/events"
	"voicebridge-server/pkg/httpapi"
	"voicebridge-server/pkg/media"
	"voicebridge-server/pkg/messaging"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/voicelive"
)

var logger = logrus.New()

func main() {
	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		logger.WithError(err).Fatal("Failed to configure logging")
	}

	metrics.Init(logger)

	broadcaster := events.NewBroadcaster(logger, cfg.Events.SubscriberBuffer)

	dialer := voicelive.NewWebsocketDialer(logger, voicelive.ClientConfig{
		Endpoint:         cfg.VoiceLive.Endpoint,
		APIKey:           cfg.VoiceLive.APIKey,
		Model:            cfg.VoiceLive.Model,
		HandshakeTimeout: cfg.VoiceLive.HandshakeTimeout,
	})

	pool := voicelive.NewConnectionPool(logger, dialer, voicelive.PoolConfig{
		TargetSize:          cfg.Pool.TargetSize,
		MaxAge:              cfg.Pool.MaxAge,
		MaintenanceInterval: cfg.Pool.MaintenanceInterval,
		RefillJitterMax:     cfg.Pool.RefillJitterMax,
	})
	pool.Start()

	registry := call.NewRegistry(logger, broadcaster, call.Config{
		GraceDelay:        cfg.Lifecycle.GraceDelay,
		SweepInterval:     cfg.Lifecycle.SweepInterval,
		ConnectingTimeout: cfg.Lifecycle.ConnectingTimeout,
	})
	registry.Start()

	ccClient := callcontrol.NewRESTClient(logger, callcontrol.Config{
		Endpoint:  cfg.CallControl.Endpoint,
		AccessKey: cfg.CallControl.AccessKey,
	})

	amqpClient := messaging.NewAMQPClient(logger, messaging.AMQPConfig{
		URL:        cfg.Messaging.AMQPUrl,
		QueueName:  cfg.Messaging.QueueName,
		Exchange:   cfg.Messaging.ExchangeName,
		RoutingKey: cfg.Messaging.RoutingKey,
	})
	if amqpClient.Enabled() {
		if err := amqpClient.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP connection failed; transcript publishing disabled")
		}
	}

	agentDefaults := agent.Config{
		Instructions:           cfg.VoiceLive.Instructions,
		Voice:                  cfg.VoiceLive.Voice,
		GreetingWait:           cfg.Agent.GreetingWait,
		VADThreshold:           cfg.Agent.VADThreshold,
		PrefixPaddingMs:        cfg.Agent.PrefixPaddingMs,
		SilenceDurationMs:      cfg.Agent.SilenceDurationMs,
		EnableEchoCancellation: cfg.Agent.EnableEchoCancellation,
		EnableNoiseReduction:   cfg.Agent.EnableNoiseReduction,
		TranscriptionModel:     cfg.Agent.TranscriptionModel,
	}

	// The agent manager and the orchestrator reference each other through
	// the transcript sink, so the manager is wired with placeholders first
	var service *bridge.Service
	transcriptSink := transcriptRelay{service: &service}

	mediaCfg := media.Config{
		AgentWaitTimeout: cfg.Media.AgentWaitTimeout,
		AgentWaitPoll:    cfg.Media.AgentWaitPoll,
	}

	agents := agent.NewManager(logger, agentDefaults, pool, dialer, nil, transcriptSink, broadcaster)
	mediaBridge := media.NewBridge(logger, mediaCfg, agents, registry)
	agents.SetAudioSink(mediaBridge)

	service = bridge.NewService(logger, cfg, registry, agents, broadcaster, ccClient, amqpClient)

	registry.RegisterFinalizer(agents)
	registry.RegisterFinalizer(mediaBridge)

	server := httpapi.NewServer(logger, cfg, service, mediaBridge, broadcaster, pool, dialer)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	service.DrainCalls(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	agents.StopAll()
	registry.Stop()
	pool.Stop()
	amqpClient.Disconnect()

	logger.Info("Shutdown complete")
}

// transcriptRelay forwards transcripts to the orchestrator once it exists.
// It breaks the construction cycle between the agent manager and the
// service.
type transcriptRelay struct {
	service **bridge.Service
}

func (r transcriptRelay) OnTranscript(callID, role, text string) {
	if s := *r.service; s != nil {
		s.OnTranscript(callID, role, text)
	}
}
