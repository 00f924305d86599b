package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the full application configuration, loaded from environment
// variables (optionally seeded from a .env file).
type Config struct {
	// Meeting-hosting service API
	MeetingAPIURL    string
	MeetingAPISecret string
	BotName          string
	ScanInterval     time.Duration

	// Session coordinator
	MaxSessions    int
	AutoManage     bool
	TranscriptDir  string
	TriggerPhrases []string

	// Embedded browser
	BrowserBin      string
	BrowserHeadless bool

	// Streaming transcription service
	STTURL              string
	STTSampleRate       int
	STTKeepAlive        time.Duration
	STTReconnectMax     int
	STTReconnectBackoff time.Duration

	// Language model service
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	// Text-to-speech service
	TTSURL        string
	TTSAPIKey     string
	TTSVoice      string
	TTSSampleRate int

	// HTTP control surface
	HTTPPort int

	// Optional AMQP transcript fan-out
	AMQPUrl      string
	AMQPExchange string

	// Logging
	LogLevel logrus.Level
}

// Load reads configuration from the environment. A missing .env file is not
// an error; explicit environment variables always win.
func Load(logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.WithError(err).Debug("No .env file loaded, using process environment")
	}

	cfg := &Config{}

	cfg.MeetingAPIURL = strings.TrimRight(os.Getenv("MEETING_API_URL"), "/") + "/"
	cfg.MeetingAPISecret = os.Getenv("MEETING_API_SECRET")

	cfg.BotName = os.Getenv("BOT_NAME")
	if cfg.BotName == "" {
		cfg.BotName = "Meeting Bot"
	}

	cfg.ScanInterval = envDuration(logger, "SCAN_INTERVAL", 10*time.Second)

	cfg.MaxSessions = envInt(logger, "MAX_SESSIONS", 5)
	cfg.AutoManage = os.Getenv("AUTO_MANAGE") != "false"

	cfg.TranscriptDir = os.Getenv("TRANSCRIPT_DIR")
	if cfg.TranscriptDir == "" {
		cfg.TranscriptDir = "./transcripts"
	}

	phrasesEnv := os.Getenv("TRIGGER_PHRASES")
	if phrasesEnv == "" {
		cfg.TriggerPhrases = []string{"hey bot", "okay bot", "hello bot"}
		logger.Info("No TRIGGER_PHRASES specified, defaulting to hey bot, okay bot, hello bot")
	} else {
		for _, p := range strings.Split(phrasesEnv, ",") {
			if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
				cfg.TriggerPhrases = append(cfg.TriggerPhrases, p)
			}
		}
	}

	cfg.BrowserBin = os.Getenv("BROWSER_BIN")
	cfg.BrowserHeadless = os.Getenv("BROWSER_HEADLESS") != "false"

	cfg.STTURL = os.Getenv("STT_WS_URL")
	cfg.STTSampleRate = envInt(logger, "STT_SAMPLE_RATE", 16000)
	cfg.STTKeepAlive = envDuration(logger, "STT_KEEPALIVE_INTERVAL", 5*time.Second)
	cfg.STTReconnectMax = envInt(logger, "STT_RECONNECT_MAX", 5)
	cfg.STTReconnectBackoff = envDuration(logger, "STT_RECONNECT_BACKOFF", 2*time.Second)

	cfg.LLMBaseURL = os.Getenv("LLM_BASE_URL")
	if cfg.LLMBaseURL == "" {
		cfg.LLMBaseURL = "https://api.openai.com/v1"
	}
	cfg.LLMBaseURL = strings.TrimRight(cfg.LLMBaseURL, "/")
	cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	cfg.LLMModel = os.Getenv("LLM_MODEL")
	if cfg.LLMModel == "" {
		cfg.LLMModel = "gpt-4o-mini"
	}

	cfg.TTSURL = os.Getenv("TTS_URL")
	cfg.TTSAPIKey = os.Getenv("TTS_API_KEY")
	cfg.TTSVoice = os.Getenv("TTS_VOICE")
	if cfg.TTSVoice == "" {
		cfg.TTSVoice = "alloy"
	}
	cfg.TTSSampleRate = envInt(logger, "TTS_SAMPLE_RATE", 24000)

	cfg.HTTPPort = envInt(logger, "HTTP_PORT", 8080)

	cfg.AMQPUrl = os.Getenv("AMQP_URL")
	cfg.AMQPExchange = os.Getenv("AMQP_EXCHANGE")
	if cfg.AMQPUrl != "" && cfg.AMQPExchange == "" {
		cfg.AMQPExchange = "meetbot.transcripts"
	}

	levelStr := os.Getenv("LOG_LEVEL")
	if levelStr == "" {
		cfg.LogLevel = logrus.InfoLevel
	} else {
		level, err := logrus.ParseLevel(levelStr)
		if err != nil {
			logger.WithField("log_level", levelStr).Warn("Invalid LOG_LEVEL, defaulting to info")
			level = logrus.InfoLevel
		}
		cfg.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.MeetingAPIURL == "/" || c.MeetingAPIURL == "" {
		return fmt.Errorf("MEETING_API_URL is required")
	}
	if c.MeetingAPISecret == "" {
		return fmt.Errorf("MEETING_API_SECRET is required")
	}
	if c.STTURL == "" {
		return fmt.Errorf("STT_WS_URL is required")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be positive, got %d", c.MaxSessions)
	}
	if c.ScanInterval < time.Second {
		return fmt.Errorf("SCAN_INTERVAL must be at least 1s, got %s", c.ScanInterval)
	}
	if c.STTSampleRate <= 0 || c.TTSSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	return nil
}

func envInt(logger *logrus.Logger, key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logger.WithFields(logrus.Fields{"key": key, "value": raw}).Warnf("Invalid integer, defaulting to %d", def)
		return def
	}
	return v
}

func envDuration(logger *logrus.Logger, key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	// Bare numbers are treated as seconds.
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		logger.WithFields(logrus.Fields{"key": key, "value": raw}).Warnf("Invalid duration, defaulting to %s", def)
		return def
	}
	return d
}
