package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// Scan metrics
	ScanCycles     prometheus.Counter
	ScanErrors     prometheus.Counter
	MeetingsSeen   prometheus.Gauge
	ActiveSessions prometheus.Gauge

	// Session lifecycle metrics
	JoinsTotal        *prometheus.CounterVec
	LeavesTotal       prometheus.Counter
	JoinRejections    prometheus.Counter
	SessionGeneration *prometheus.GaugeVec

	// Transcript metrics
	TranscriptEntries  *prometheus.CounterVec
	DuplicateSuppress  prometheus.Counter
	TranscriptsFlushed prometheus.Counter

	// Speak / substitution metrics
	SpeakOperations  *prometheus.CounterVec
	SpeakDuration    prometheus.Histogram
	RestoreFailures  prometheus.Counter
	TrackRediscovery prometheus.Counter

	// Transcription connection metrics
	STTReconnects prometheus.Counter
	STTFrames     prometheus.Counter

	// AMQP metrics
	AMQPPublished         prometheus.Counter
	AMQPConnectionErrors  prometheus.Counter
	AMQPReconnectAttempts prometheus.Counter
)

// Init initializes all metrics and registers them with the package registry.
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		ScanCycles = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_scan_cycles_total",
			Help: "Total number of meeting scan cycles executed",
		})
		ScanErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_scan_errors_total",
			Help: "Total number of scan cycles that failed upstream",
		})
		MeetingsSeen = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meetbot_meetings_tracked",
			Help: "Number of meetings currently tracked by the coordinator",
		})
		ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meetbot_active_sessions",
			Help: "Number of embedded participant sessions currently running",
		})

		JoinsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_joins_total",
			Help: "Total join attempts by outcome",
		}, []string{"outcome"})
		LeavesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_leaves_total",
			Help: "Total session teardowns",
		})
		JoinRejections = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_join_rejections_total",
			Help: "Joins refused because the session ceiling was reached",
		})
		SessionGeneration = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meetbot_session_generation",
			Help: "Current session generation per meeting",
		}, []string{"meeting_id"})

		TranscriptEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_transcript_entries_total",
			Help: "Finalized transcript entries appended, by speaker kind",
		}, []string{"kind"})
		DuplicateSuppress = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_transcript_duplicates_suppressed_total",
			Help: "Consecutive duplicate transcript entries dropped",
		})
		TranscriptsFlushed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_transcripts_flushed_total",
			Help: "Session transcript logs persisted to disk",
		})

		SpeakOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_speak_operations_total",
			Help: "Audio substitution operations by outcome",
		}, []string{"outcome"})
		SpeakDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetbot_speak_duration_seconds",
			Help:    "End-to-end duration of speak operations",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		})
		RestoreFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_mic_restore_failures_total",
			Help: "Failures to restore the original microphone track after playback",
		})
		TrackRediscovery = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_track_rediscoveries_total",
			Help: "Times the audio sender was rediscovered after a connection loss",
		})

		STTReconnects = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_stt_reconnects_total",
			Help: "Transcription websocket reconnect attempts",
		})
		STTFrames = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_stt_frames_total",
			Help: "Audio frames forwarded to the transcription service",
		})

		AMQPPublished = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_amqp_published_total",
			Help: "Transcript messages published to AMQP",
		})
		AMQPConnectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_amqp_connection_errors_total",
			Help: "AMQP connection errors",
		})
		AMQPReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_amqp_reconnect_attempts_total",
			Help: "AMQP reconnect attempts",
		})

		registry.MustRegister(
			ScanCycles, ScanErrors, MeetingsSeen, ActiveSessions,
			JoinsTotal, LeavesTotal, JoinRejections, SessionGeneration,
			TranscriptEntries, DuplicateSuppress, TranscriptsFlushed,
			SpeakOperations, SpeakDuration, RestoreFailures, TrackRediscovery,
			STTReconnects, STTFrames,
			AMQPPublished, AMQPConnectionErrors, AMQPReconnectAttempts,
		)

		logger.Info("Metrics registry initialized")
	})
}

// Handler returns the HTTP handler serving the metrics registry.
func Handler() http.Handler {
	if registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
