package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnv(t *testing.T) {
	t.Setenv("MEETING_API_URL", "https://conf.example.com/bigbluebutton/api")
	t.Setenv("MEETING_API_SECRET", "s3cret")
	t.Setenv("STT_WS_URL", "wss://stt.example.com/stream")
}

func TestLoadDefaults(t *testing.T) {
	baseEnv(t)
	logger := logrus.New()

	cfg, err := Load(logger)
	require.NoError(t, err)

	assert.Equal(t, "Meeting Bot", cfg.BotName)
	assert.Equal(t, 10*time.Second, cfg.ScanInterval)
	assert.Equal(t, 5, cfg.MaxSessions)
	assert.True(t, cfg.AutoManage)
	assert.Equal(t, 16000, cfg.STTSampleRate)
	assert.Equal(t, 24000, cfg.TTSSampleRate)
	assert.Contains(t, cfg.TriggerPhrases, "hey bot")
	assert.Equal(t, "https://conf.example.com/bigbluebutton/api/", cfg.MeetingAPIURL)
}

func TestLoadMissingSecret(t *testing.T) {
	t.Setenv("MEETING_API_URL", "https://conf.example.com/bigbluebutton/api")
	t.Setenv("MEETING_API_SECRET", "")
	t.Setenv("STT_WS_URL", "wss://stt.example.com/stream")

	_, err := Load(logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEETING_API_SECRET")
}

func TestLoadOverrides(t *testing.T) {
	baseEnv(t)
	t.Setenv("SCAN_INTERVAL", "30")
	t.Setenv("MAX_SESSIONS", "2")
	t.Setenv("AUTO_MANAGE", "false")
	t.Setenv("TRIGGER_PHRASES", "Hey Assistant, OK Assistant")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(logrus.New())
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.ScanInterval)
	assert.Equal(t, 2, cfg.MaxSessions)
	assert.False(t, cfg.AutoManage)
	assert.Equal(t, []string{"hey assistant", "ok assistant"}, cfg.TriggerPhrases)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
}

func TestLoadRejectsBadScanInterval(t *testing.T) {
	baseEnv(t)
	t.Setenv("SCAN_INTERVAL", "500ms")

	_, err := Load(logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCAN_INTERVAL")
}
