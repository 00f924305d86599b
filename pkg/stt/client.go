// Package stt streams meeting audio to the external transcription service
// over a websocket and delivers finalized utterances upward.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"meetbot-server/pkg/metrics"
)

// Word is one recognized word with absolute offsets in seconds and the
// diarization speaker index.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Speaker    int     `json:"speaker"`
	Confidence float64 `json:"confidence"`
}

// Result is one finalized utterance from the service.
type Result struct {
	Text       string
	Confidence float64
	Words      []Word
	// ActiveSpeaker is the service's side-channel speaker name. When set
	// it is authoritative over the diarization index.
	ActiveSpeaker string
	// SpeakerIdx is the dominant diarization index across the words.
	SpeakerIdx int
}

// Config controls one streaming connection.
type Config struct {
	URL        string
	SampleRate int
	Channels   int

	// KeepAlive is how often a keepalive text frame is sent when no
	// audio is flowing. Zero disables keepalives.
	KeepAlive time.Duration

	// ReconnectMax bounds reconnection attempts after an abnormal
	// closure. ReconnectBackoff is the base delay; attempt N waits at
	// least base*N before dialing.
	ReconnectMax     int
	ReconnectBackoff time.Duration

	// BufferSize is the audio channel depth; frames beyond it are
	// dropped rather than blocking the capture path.
	BufferSize int
}

// DefaultConfig returns the settings for 16kHz mono linear16 streaming.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		SampleRate:       16000,
		Channels:         1,
		KeepAlive:        5 * time.Second,
		ReconnectMax:     5,
		ReconnectBackoff: time.Second,
		BufferSize:       64,
	}
}

// startMessage opens a stream; the service answers with transcript events.
type startMessage struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Diarize    bool   `json:"diarize"`
	Interim    bool   `json:"interim_results"`
}

type keepAliveMessage struct {
	Type string `json:"type"`
}

type closeStreamMessage struct {
	Type string `json:"type"`
}

// wsResponse is the service's transcript event envelope.
type wsResponse struct {
	Type          string `json:"type"`
	IsFinal       bool   `json:"is_final"`
	ActiveSpeaker string `json:"active_speaker,omitempty"`
	Channel       struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []Word  `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Client is one bidirectional streaming connection: binary s16le frames
// out, JSON transcript events in. It reconnects with bounded backoff after
// abnormal closures and stays down after a normal one.
type Client struct {
	logger   *logrus.Entry
	config   Config
	onResult func(Result)

	// OnDown fires once when the connection is lost for good, either by
	// exhausting reconnect attempts or by a dial failure mid-recovery.
	OnDown func(err error)

	dialer *websocket.Dialer

	mutex     sync.Mutex
	conn      *websocket.Conn
	closed    bool
	audioChan chan []byte
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a client. onResult receives finalized utterances only;
// interim events are logged and dropped.
func NewClient(logger *logrus.Entry, config Config, onResult func(Result)) *Client {
	if config.BufferSize <= 0 {
		config.BufferSize = 64
	}
	return &Client{
		logger:    logger,
		config:    config,
		onResult:  onResult,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		audioChan: make(chan []byte, config.BufferSize),
		stopChan:  make(chan struct{}),
	}
}

// Start dials the service and launches the read and write loops. The first
// dial failing is returned to the caller; later drops go through the
// reconnect path.
func (c *Client) Start(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to transcription service: %w", err)
	}
	c.mutex.Lock()
	c.conn = conn
	c.mutex.Unlock()

	c.wg.Add(2)
	go c.readLoop(ctx)
	go c.writeLoop(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return nil, err
	}

	start := startMessage{
		Type:       "start",
		Encoding:   "linear16",
		SampleRate: c.config.SampleRate,
		Channels:   c.config.Channels,
		Diarize:    true,
		Interim:    true,
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send stream start: %w", err)
	}
	return conn, nil
}

// SendAudio queues one PCM frame. Frames are dropped when the stream is
// down or the buffer is full; capture must never block on transcription.
func (c *Client) SendAudio(pcm []byte) {
	c.mutex.Lock()
	closed := c.closed
	c.mutex.Unlock()
	if closed {
		return
	}

	select {
	case c.audioChan <- pcm:
	default:
		c.logger.Debug("Audio buffer full, dropping frame")
	}
}

// Close shuts the stream down cleanly. The service sees a close-stream
// message followed by a normal websocket closure, so no reconnect happens.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		c.mutex.Lock()
		c.closed = true
		conn := c.conn
		c.mutex.Unlock()

		if conn != nil {
			if err := conn.WriteJSON(closeStreamMessage{Type: "close_stream"}); err == nil {
				deadline := time.Now().Add(time.Second)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			}
		}
		close(c.stopChan)
		if conn != nil {
			conn.Close()
		}
	})
	c.wg.Wait()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.conn
}

// writeLoop drains the audio channel onto the connection and sends
// keepalives when no audio has flowed for a full interval.
func (c *Client) writeLoop(ctx context.Context) {
	defer c.wg.Done()

	interval := c.config.KeepAlive
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastAudio time.Time

	for {
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		case pcm := <-c.audioChan:
			conn := c.currentConn()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				c.logger.WithError(err).Debug("Failed to write audio frame")
				continue
			}
			lastAudio = time.Now()
		case <-ticker.C:
			if time.Since(lastAudio) < interval {
				continue
			}
			conn := c.currentConn()
			if conn == nil {
				continue
			}
			if err := conn.WriteJSON(keepAliveMessage{Type: "keep_alive"}); err != nil {
				c.logger.WithError(err).Debug("Failed to send keepalive")
			}
		}
	}
}

// readLoop consumes transcript events and drives reconnection when the
// connection drops abnormally.
func (c *Client) readLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}

		err := c.consume(conn)

		c.mutex.Lock()
		closed := c.closed
		c.mutex.Unlock()
		// Only a normal closure is intentional; anything else, going-away
		// included, gets the reconnect path.
		if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return
		}

		c.logger.WithError(err).Warn("Transcription stream lost, reconnecting")
		if !c.reconnect(ctx) {
			return
		}
	}
}

// consume reads events off one connection until it fails.
func (c *Client) consume(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var resp wsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.WithError(err).Debug("Unparseable transcript event")
			continue
		}
		c.handleResponse(&resp)
	}
}

func (c *Client) handleResponse(resp *wsResponse) {
	if resp.Type != "transcript" && resp.Type != "Results" {
		return
	}
	if len(resp.Channel.Alternatives) == 0 {
		return
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	if !resp.IsFinal {
		c.logger.WithField("text", alt.Transcript).Trace("Interim transcript")
		return
	}

	result := Result{
		Text:          alt.Transcript,
		Confidence:    alt.Confidence,
		Words:         alt.Words,
		ActiveSpeaker: resp.ActiveSpeaker,
		SpeakerIdx:    dominantSpeaker(alt.Words),
	}
	if c.onResult != nil {
		c.onResult(result)
	}
}

// dominantSpeaker picks the diarization index covering the most words.
func dominantSpeaker(words []Word) int {
	if len(words) == 0 {
		return 0
	}
	counts := make(map[int]int)
	best, bestCount := words[0].Speaker, 0
	for _, w := range words {
		counts[w.Speaker]++
		if counts[w.Speaker] > bestCount {
			best, bestCount = w.Speaker, counts[w.Speaker]
		}
	}
	return best
}

// reconnect redials with increasing delay. Attempt N waits base*N. It
// returns false when the client should stay down.
func (c *Client) reconnect(ctx context.Context) bool {
	var lastErr error

	for attempt := 1; attempt <= c.config.ReconnectMax; attempt++ {
		delay := time.Duration(attempt) * c.config.ReconnectBackoff
		select {
		case <-c.stopChan:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		metrics.STTReconnects.Inc()
		conn, err := c.dial(ctx)
		if err != nil {
			lastErr = err
			c.logger.WithError(err).WithField("attempt", attempt).Warn("Transcription reconnect failed")
			continue
		}

		c.mutex.Lock()
		if c.closed {
			c.mutex.Unlock()
			conn.Close()
			return false
		}
		c.conn = conn
		c.mutex.Unlock()
		c.logger.WithField("attempt", attempt).Info("Transcription stream re-established")
		return true
	}

	c.logger.WithError(lastErr).Error("Transcription reconnect attempts exhausted")
	if c.OnDown != nil {
		c.OnDown(fmt.Errorf("transcription stream down after %d attempts: %w", c.config.ReconnectMax, lastErr))
	}
	return false
}
