// Package tts synthesizes the bot's speech through an external service
// returning raw PCM.
package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"meetbot-server/pkg/errors"
)

// Config holds synthesis endpoint settings.
type Config struct {
	URL    string
	APIKey string
	Voice  string
	// SampleRate is the fixed rate of the returned PCM (s16le mono, no
	// container).
	SampleRate int
	Timeout    time.Duration
}

// Client requests speech synthesis. The service returns headerless s16le
// mono PCM at the configured rate.
type Client struct {
	logger     *logrus.Entry
	config     Config
	httpClient *http.Client
}

// NewClient creates a synthesis client.
func NewClient(logger *logrus.Entry, config Config) *Client {
	if config.SampleRate <= 0 {
		config.SampleRate = 24000
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		logger:     logger,
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// SampleRate returns the PCM rate the service produces.
func (c *Client) SampleRate() int {
	return c.config.SampleRate
}

type synthesizeRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Synthesize converts text to PCM bytes.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("nothing to synthesize: %w", errors.ErrInvalidInput)
	}

	payload := synthesizeRequest{
		Text:       text,
		Voice:      c.config.Voice,
		SampleRate: c.config.SampleRate,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w: %v", errors.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("synthesis endpoint returned %d: %w", resp.StatusCode, errors.ErrUpstreamUnavailable)
		}
		return nil, fmt.Errorf("synthesis endpoint rejected request with %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read synthesis response: %w", err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("synthesis returned no audio")
	}
	if len(pcm)%2 != 0 {
		// s16le payloads are always an even byte count.
		pcm = pcm[:len(pcm)-1]
	}

	c.logger.WithFields(logrus.Fields{
		"chars":    len(text),
		"bytes":    len(pcm),
		"duration": time.Since(started),
	}).Debug("Speech synthesized")
	return pcm, nil
}

// DecodePCM converts s16le bytes to normalized float64 samples in [-1, 1].
func DecodePCM(pcm []byte) []float64 {
	samples := make([]float64, 0, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(binary.LittleEndian.Uint16(pcm[i:]))
		samples = append(samples, float64(v)/32768.0)
	}
	return samples
}
