// Package messaging publishes finalized transcript entries to an AMQP
// exchange for downstream consumers. The publisher is optional; with no
// URL configured it stays disabled.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"meetbot-server/pkg/meeting"
	"meetbot-server/pkg/metrics"
)

// Config holds publisher settings.
type Config struct {
	URL          string
	ExchangeName string
	RoutingKey   string
}

// transcriptMessage is the published payload.
type transcriptMessage struct {
	MeetingID string    `json:"meeting_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Bot       bool      `json:"bot"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is a reconnecting AMQP publisher.
type Publisher struct {
	logger *logrus.Logger
	config Config

	mutex     sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewPublisher creates a publisher; Connect establishes the link.
func NewPublisher(logger *logrus.Logger, config Config) *Publisher {
	if config.RoutingKey == "" {
		config.RoutingKey = "transcripts"
	}
	if config.ExchangeName == "" {
		config.ExchangeName = "meetbot"
	}
	return &Publisher{
		logger:   logger,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Enabled reports whether a broker URL is configured.
func (p *Publisher) Enabled() bool {
	return p.config.URL != ""
}

// Connect dials the broker and declares the exchange. A connection watcher
// re-establishes the link when the broker drops it.
func (p *Publisher) Connect() error {
	if !p.Enabled() {
		p.logger.Info("AMQP publishing disabled, no broker URL configured")
		return nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.connected {
		return nil
	}

	conn, err := amqp.Dial(p.config.URL)
	if err != nil {
		metrics.AMQPConnectionErrors.Inc()
		return fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		metrics.AMQPConnectionErrors.Inc()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		p.config.ExchangeName,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", p.config.ExchangeName, err)
	}

	p.conn = conn
	p.channel = channel
	p.connected = true

	go p.watchConnection(conn)

	p.logger.WithField("exchange", p.config.ExchangeName).Info("Connected to AMQP broker")
	return nil
}

// watchConnection reconnects with increasing delay after a broker-side
// close.
func (p *Publisher) watchConnection(conn *amqp.Connection) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-p.stopChan:
		return
	case err := <-closeChan:
		if err == nil {
			return
		}
		p.logger.WithField("reason", err.Reason).Warn("AMQP connection lost")
		metrics.AMQPConnectionErrors.Inc()
	}

	p.mutex.Lock()
	p.connected = false
	p.mutex.Unlock()

	for attempt := 1; ; attempt++ {
		delay := time.Duration(attempt) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
		select {
		case <-p.stopChan:
			return
		case <-time.After(delay):
		}

		metrics.AMQPReconnectAttempts.Inc()
		if err := p.Connect(); err != nil {
			p.logger.WithError(err).WithField("attempt", attempt).Warn("AMQP reconnect failed")
			continue
		}
		return
	}
}

// PublishTranscript sends one finalized entry. Publishing while the broker
// is down is dropped with a log, never an error back to the caller.
func (p *Publisher) PublishTranscript(entry meeting.TranscriptEntry) {
	if !p.Enabled() {
		return
	}

	p.mutex.RLock()
	channel := p.channel
	connected := p.connected
	p.mutex.RUnlock()
	if !connected || channel == nil {
		p.logger.Debug("AMQP not connected, dropping transcript message")
		return
	}

	msg := transcriptMessage{
		MeetingID: entry.MeetingID,
		Speaker:   entry.Speaker,
		Text:      entry.Text,
		Bot:       entry.IsBot(),
		Timestamp: entry.Timestamp,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.WithError(err).Error("Failed to marshal transcript message")
		return
	}

	err = channel.Publish(
		p.config.ExchangeName,
		p.config.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to publish transcript message")
		return
	}
	metrics.AMQPPublished.Inc()
}

// Close shuts the publisher down.
func (p *Publisher) Close() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.connected = false
}
