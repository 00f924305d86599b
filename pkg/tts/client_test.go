package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbot-server/pkg/errors"
)

func testTTSLogger(t *testing.T) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger.WithField("test", t.Name())
}

func TestSynthesizeReturnsRawPCM(t *testing.T) {
	pcm := []byte{0x00, 0x40, 0x00, 0xC0} // +0.5, -0.5 in s16le

	var got synthesizeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write(pcm)
	}))
	defer server.Close()

	client := NewClient(testTTSLogger(t), Config{URL: server.URL, Voice: "nova", SampleRate: 24000})
	out, err := client.Synthesize(context.Background(), "hello meeting")
	require.NoError(t, err)

	assert.Equal(t, pcm, out)
	assert.Equal(t, "hello meeting", got.Text)
	assert.Equal(t, "nova", got.Voice)
	assert.Equal(t, 24000, got.SampleRate)
}

func TestSynthesizeUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "synth backend down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(testTTSLogger(t), Config{URL: server.URL})
	_, err := client.Synthesize(context.Background(), "hello")
	assert.ErrorIs(t, err, errors.ErrUpstreamUnavailable)
}

func TestSynthesizeEmptyText(t *testing.T) {
	client := NewClient(testTTSLogger(t), Config{URL: "http://unused"})
	_, err := client.Synthesize(context.Background(), "   ")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestSynthesizeTrimsOddTrailingByte(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x01, 0x02, 0x03})
	}))
	defer server.Close()

	client := NewClient(testTTSLogger(t), Config{URL: server.URL})
	out, err := client.Synthesize(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestDecodePCM(t *testing.T) {
	// 0x7FFF = max positive, 0x8000 = max negative, 0x0000 = silence.
	pcm := []byte{0xFF, 0x7F, 0x00, 0x80, 0x00, 0x00}
	samples := DecodePCM(pcm)
	require.Len(t, samples, 3)
	assert.InDelta(t, 1.0, samples[0], 0.001)
	assert.InDelta(t, -1.0, samples[1], 0.001)
	assert.Zero(t, samples[2])
}
