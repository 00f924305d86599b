package bbb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"meetbot-server/pkg/metrics"
)

type fakeLister struct {
	mutex    sync.Mutex
	meetings []MeetingInfo
	err      error
	calls    int
}

func (f *fakeLister) GetMeetings(ctx context.Context) ([]MeetingInfo, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]MeetingInfo, len(f.meetings))
	copy(out, f.meetings)
	return out, nil
}

func (f *fakeLister) BuildJoinURL(meetingID, fullName string) string {
	return "https://conf.example.com/join?meetingID=" + meetingID
}

func (f *fakeLister) set(meetings []MeetingInfo) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.meetings = meetings
}

func init() {
	metrics.Init(logrus.New())
}

func TestMonitorLogsDiscoveryOncePerMeeting(t *testing.T) {
	lister := &fakeLister{meetings: []MeetingInfo{{ID: "m1", Name: "One", Running: true}}}
	logger, hook := logrustest.NewNullLogger()
	monitor := NewMonitor(logger, lister, "Bot", time.Minute)

	ctx := context.Background()
	monitor.scan(ctx)
	monitor.scan(ctx)
	lister.set([]MeetingInfo{{ID: "m1", Running: true}, {ID: "m2", Running: true}})
	monitor.scan(ctx)

	var discovered []string
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Discovered new meeting" {
			discovered = append(discovered, entry.Data["meeting_id"].(string))
		}
	}
	assert.Equal(t, []string{"m1", "m2"}, discovered, "each identifier is announced exactly once")
}

func TestMonitorToleratesScanFailure(t *testing.T) {
	lister := &fakeLister{err: errors.New("connection refused")}
	monitor := NewMonitor(logrus.New(), lister, "Bot", time.Minute)

	scans := 0
	monitor.OnScan = func([]MeetingInfo) { scans++ }

	monitor.scan(context.Background())
	assert.Zero(t, scans, "failed cycle must not report a snapshot")

	lister.mutex.Lock()
	lister.err = nil
	lister.mutex.Unlock()
	monitor.scan(context.Background())
	assert.Equal(t, 1, scans, "monitor must recover on the next cycle")
}

func TestMonitorScanSnapshotEveryCycle(t *testing.T) {
	lister := &fakeLister{meetings: []MeetingInfo{{ID: "m1", Running: true, ParticipantCount: 3}}}
	monitor := NewMonitor(logrus.New(), lister, "Bot", time.Minute)

	var snapshots [][]MeetingInfo
	monitor.OnScan = func(meetings []MeetingInfo) { snapshots = append(snapshots, meetings) }

	ctx := context.Background()
	monitor.scan(ctx)
	monitor.scan(ctx)

	assert.Len(t, snapshots, 2, "snapshot fires every cycle, including for known meetings")
	assert.Equal(t, 3, snapshots[1][0].ParticipantCount)
	assert.NotEmpty(t, snapshots[1][0].JoinURL, "join reference must be ready to use")
}
