package bbb

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meetbot-server/pkg/metrics"
)

// MeetingLister is the slice of the API client the monitor needs.
type MeetingLister interface {
	GetMeetings(ctx context.Context) ([]MeetingInfo, error)
	BuildJoinURL(meetingID, fullName string) string
}

// Monitor polls the meeting-hosting service on a fixed interval and reports
// the full snapshot every cycle. It never decides whether to join; that
// policy belongs to the coordinator's reconciliation.
type Monitor struct {
	logger  *logrus.Logger
	client  MeetingLister
	botName string

	interval time.Duration

	// OnScan fires every cycle with the full snapshot, join references
	// resolved.
	OnScan func([]MeetingInfo)

	mutex    sync.Mutex
	seen     map[string]bool
	scanning bool
}

// NewMonitor creates a monitor. OnScan must be set before Run.
func NewMonitor(logger *logrus.Logger, client MeetingLister, botName string, interval time.Duration) *Monitor {
	return &Monitor{
		logger:   logger,
		client:   client,
		botName:  botName,
		interval: interval,
		seen:     make(map[string]bool),
	}
}

// Run polls until the context is canceled. An immediate first scan runs
// before the ticker starts.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.WithField("interval", m.interval).Info("Meeting monitor started")

	m.scan(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Meeting monitor stopped")
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// scan runs one poll cycle. Cycles are serialized: if the previous cycle is
// still in flight when the ticker fires, this tick is skipped.
func (m *Monitor) scan(ctx context.Context) {
	m.mutex.Lock()
	if m.scanning {
		m.mutex.Unlock()
		m.logger.Debug("Previous scan still running, skipping tick")
		return
	}
	m.scanning = true
	m.mutex.Unlock()

	defer func() {
		m.mutex.Lock()
		m.scanning = false
		m.mutex.Unlock()
	}()

	metrics.ScanCycles.Inc()

	meetings, err := m.client.GetMeetings(ctx)
	if err != nil {
		// An upstream failure degrades to "no meetings this cycle".
		metrics.ScanErrors.Inc()
		m.logger.WithError(err).Warn("Meeting scan failed, waiting for next cycle")
		return
	}

	for i := range meetings {
		meetings[i].JoinURL = m.client.BuildJoinURL(meetings[i].ID, m.botName)
	}

	var fresh []MeetingInfo
	m.mutex.Lock()
	for _, info := range meetings {
		if !m.seen[info.ID] {
			m.seen[info.ID] = true
			fresh = append(fresh, info)
		}
	}
	m.mutex.Unlock()

	// First sighting of an identifier is logged once; join decisions are
	// entirely the snapshot consumer's.
	for _, info := range fresh {
		m.logger.WithFields(logrus.Fields{
			"meeting_id":   info.ID,
			"meeting_name": info.Name,
			"running":      info.Running,
		}).Info("Discovered new meeting")
	}

	if m.OnScan != nil {
		m.OnScan(meetings)
	}
}
