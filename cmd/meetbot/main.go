package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"meetbot-server/pkg/bbb"
	"meetbot-server/pkg/browser"
	"meetbot-server/pkg/config"
	http_server "meetbot-server/pkg/http"
	"meetbot-server/pkg/llm"
	"meetbot-server/pkg/meeting"
	"meetbot-server/pkg/messaging"
	"meetbot-server/pkg/metrics"
	"meetbot-server/pkg/stt"
	"meetbot-server/pkg/tts"
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	logger.SetLevel(cfg.LogLevel)

	metrics.Init(logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	store, err := meeting.NewStore(cfg.TranscriptDir, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create transcript store")
	}

	apiClient := bbb.NewClient(logger, cfg.MeetingAPIURL, cfg.MeetingAPISecret)

	llmClient := llm.NewClient(logger.WithField("component", "llm"), llm.Config{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
	})

	ttsClient := tts.NewClient(logger.WithField("component", "tts"), tts.Config{
		URL:        cfg.TTSURL,
		APIKey:     cfg.TTSAPIKey,
		Voice:      cfg.TTSVoice,
		SampleRate: cfg.TTSSampleRate,
	})

	sttConfig := stt.DefaultConfig(cfg.STTURL)
	sttConfig.SampleRate = cfg.STTSampleRate
	sttConfig.KeepAlive = cfg.STTKeepAlive
	sttConfig.ReconnectMax = cfg.STTReconnectMax
	sttConfig.ReconnectBackoff = cfg.STTReconnectBackoff

	factory := browser.NewFactory(logger, browser.FactoryConfig{
		Browser: browser.Config{
			Bin:      cfg.BrowserBin,
			Headless: cfg.BrowserHeadless,
		},
		STT:            sttConfig,
		BotName:        cfg.BotName,
		TriggerPhrases: cfg.TriggerPhrases,
		TTSSampleRate:  ttsClient.SampleRate(),
	}, llmClient, ttsClient)

	coordinator := meeting.NewCoordinator(logger, apiClient, factory, store, cfg.BotName, cfg.MaxSessions, cfg.AutoManage)
	factory.SetTranscripts(coordinator)

	hub := http_server.NewEventHub(logger)
	go hub.Run(rootCtx)

	publisher := messaging.NewPublisher(logger, messaging.Config{
		URL:          cfg.AMQPUrl,
		ExchangeName: cfg.AMQPExchange,
	})
	if publisher.Enabled() {
		if err := publisher.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP broker unreachable, transcript publishing degraded until reconnect")
		}
	}

	coordinator.OnMeetingsChanged(func() {
		hub.Broadcast(&http_server.Event{
			Type:      http_server.EventMeetingsChanged,
			Meetings:  coordinator.Snapshot(),
			Timestamp: time.Now(),
		})
	})
	coordinator.OnTranscript(func(entry meeting.TranscriptEntry) {
		hub.Broadcast(&http_server.Event{
			Type:      http_server.EventTranscript,
			Entry:     &entry,
			Timestamp: time.Now(),
		})
		publisher.PublishTranscript(entry)
	})

	monitor := bbb.NewMonitor(logger, apiClient, cfg.BotName, cfg.ScanInterval)
	monitor.OnScan = func(infos []bbb.MeetingInfo) {
		coordinator.HandleScan(rootCtx, infos)
	}
	go monitor.Run(rootCtx)

	server := http_server.NewServer(logger, coordinator, hub, cfg.HTTPPort)
	server.Start()
	logger.WithField("port", cfg.HTTPPort).Info("Meeting bot server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error shutting down HTTP server")
	}

	// Stop the monitor and hub before tearing sessions down so no new
	// joins race the shutdown.
	rootCancel()

	coordinator.LeaveAll(shutdownCtx)
	publisher.Close()

	logger.Info("Shutdown complete")
}
