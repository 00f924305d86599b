package meeting

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbot-server/pkg/bbb"
	"meetbot-server/pkg/errors"
	"meetbot-server/pkg/metrics"
)

func init() {
	metrics.Init(logrus.New())
}

type fakeSession struct {
	mutex     sync.Mutex
	closeN    int
	simulated []string
}

func (s *fakeSession) Simulate(ctx context.Context, speaker, text string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.simulated = append(s.simulated, text)
	return nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closeN++
	return nil
}

func (s *fakeSession) closes() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closeN
}

type fakeLauncher struct {
	mutex    sync.Mutex
	err      error
	launches int
	sessions []*fakeSession
	events   []SessionEvents
}

func (l *fakeLauncher) Launch(ctx context.Context, meetingID, joinURL string, events SessionEvents) (Session, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	sess := &fakeSession{}
	l.sessions = append(l.sessions, sess)
	l.events = append(l.events, events)
	return sess, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.launches
}

type fakeURLs struct{}

func (fakeURLs) BuildJoinURL(meetingID, fullName string) string {
	return "https://conf.example.com/join?meetingID=" + meetingID
}

func newTestCoordinator(t *testing.T, launcher Launcher, maxSessions int, autoManage bool) (*Coordinator, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	dir := t.TempDir()
	store, err := NewStore(dir, logger)
	require.NoError(t, err)
	return NewCoordinator(logger, fakeURLs{}, launcher, store, "TestBot", maxSessions, autoManage), dir
}

func scanOf(ids ...string) []bbb.MeetingInfo {
	infos := make([]bbb.MeetingInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, bbb.MeetingInfo{ID: id, Name: "Room " + id, Running: true, ParticipantCount: 3})
	}
	return infos
}

func waitForState(t *testing.T, c *Coordinator, meetingID string, want BotState) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, rec := range c.Snapshot() {
			if rec.ID == meetingID {
				return rec.State == want
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "meeting %s never reached state %s", meetingID, want)
}

func TestAutoJoinOnRunningMeeting(t *testing.T) {
	launcher := &fakeLauncher{}
	c, _ := newTestCoordinator(t, launcher, 5, true)

	c.HandleScan(context.Background(), scanOf("m1"))
	waitForState(t, c, "m1", StateConnected)
	assert.Equal(t, 1, launcher.launchCount())

	// Re-scanning a connected meeting must not join again.
	c.HandleScan(context.Background(), scanOf("m1"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, launcher.launchCount())
}

func TestAutoManageOffRequiresManualJoin(t *testing.T) {
	launcher := &fakeLauncher{}
	c, _ := newTestCoordinator(t, launcher, 5, false)

	c.HandleScan(context.Background(), scanOf("m1"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, launcher.launchCount())

	require.NoError(t, c.Join(context.Background(), "m1"))
	waitForState(t, c, "m1", StateConnected)
}

func TestJoinUnknownMeeting(t *testing.T) {
	launcher := &fakeLauncher{}
	c, _ := newTestCoordinator(t, launcher, 5, false)

	err := c.Join(context.Background(), "ghost")
	assert.ErrorIs(t, err, errors.ErrMeetingNotFound)
}

func TestJoinIdempotentWhileConnected(t *testing.T) {
	launcher := &fakeLauncher{}
	c, _ := newTestCoordinator(t, launcher, 5, false)

	c.HandleScan(context.Background(), scanOf("m1"))
	require.NoError(t, c.Join(context.Background(), "m1"))
	waitForState(t, c, "m1", StateConnected)

	require.NoError(t, c.Join(context.Background(), "m1"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, launcher.launchCount())
}

func TestSessionCeilingRefusesJoin(t *testing.T) {
	launcher := &fakeLauncher{}
	c, _ := newTestCoordinator(t, launcher, 1, false)

	c.HandleScan(context.Background(), scanOf("m1", "m2"))
	require.NoError(t, c.Join(context.Background(), "m1"))
	waitForState(t, c, "m1", StateConnected)

	err := c.Join(context.Background(), "m2")
	assert.ErrorIs(t, err, errors.ErrSessionLimit)
	assert.Equal(t, 1, launcher.launchCount())
}

func TestJoinFailureSetsErrorState(t *testing.T) {
	launcher := &fakeLauncher{err: stderrors.New("page crashed during join")}
	c, _ := newTestCoordinator(t, launcher, 5, false)

	c.HandleScan(context.Background(), scanOf("m1"))
	require.NoError(t, c.Join(context.Background(), "m1"))
	waitForState(t, c, "m1", StateError)

	recs := c.Snapshot()
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].LastError, "page crashed")
}

func TestErrorStateRequiresRestart(t *testing.T) {
	launcher := &fakeLauncher{err: stderrors.New("page crashed during join")}
	c, _ := newTestCoordinator(t, launcher, 5, false)

	c.HandleScan(context.Background(), scanOf("m1"))
	require.NoError(t, c.Join(context.Background(), "m1"))
	waitForState(t, c, "m1", StateError)

	// A plain join must not silently clear the failure.
	err := c.Join(context.Background(), "m1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSessionClosed)

	launcher.mutex.Lock()
	launcher.err = nil
	launcher.mutex.Unlock()

	require.NoError(t, c.Restart(context.Background(), "m1"))
	waitForState(t, c, "m1", StateConnected)

	recs := c.Snapshot()
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].LastError)
}

func TestLeavePersistsTranscriptAndResets(t *testing.T) {
	launcher := &fakeLauncher{}
	c, dir := newTestCoordinator(t, launcher, 5, false)

	c.HandleScan(context.Background(), scanOf("m1"))
	require.NoError(t, c.Join(context.Background(), "m1"))
	waitForState(t, c, "m1", StateConnected)

	c.AppendTranscript(TranscriptEntry{MeetingID: "m1", Speaker: "Speaker 1", Text: "hello everyone"})
	require.NoError(t, c.Leave(context.Background(), "m1"))
	waitForState(t, c, "m1", StateIdle)

	files, err := filepath.Glob(filepath.Join(dir, "m1_*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1, "one session log per session")
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello everyone")

	assert.Equal(t, 1, launcher.sessions[0].closes())
}

func TestMeetingDisappearsTearsDownSession(t *testing.T) {
	launcher := &fakeLauncher{}
	c, dir := newTestCoordinator(t, launcher, 5, true)

	c.HandleScan(context.Background(), scanOf("m1"))
	waitForState(t, c, "m1", StateConnected)
	c.AppendTranscript(TranscriptEntry{MeetingID: "m1", Speaker: "Speaker 1", Text: "last words"})

	c.HandleScan(context.Background(), nil)

	require.Eventually(t, func() bool {
		return len(c.Snapshot()) == 0
	}, 2*time.Second, 10*time.Millisecond, "vanished meeting should be forgotten")

	files, err := filepath.Glob(filepath.Join(dir, "m1_*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 1, "transcript persisted before teardown")
	assert.Equal(t, 1, launcher.sessions[0].closes())
}

func TestMeetingStoppedRunningTearsDownSession(t *testing.T) {
	launcher := &fakeLauncher{}
	c, dir := newTestCoordinator(t, launcher, 5, true)

	c.HandleScan(context.Background(), scanOf("m1"))
	waitForState(t, c, "m1", StateConnected)
	c.AppendTranscript(TranscriptEntry{MeetingID: "m1", Speaker: "Speaker 1", Text: "wrapping up"})

	// The scan still reports the meeting, but it is no longer running.
	stopped := scanOf("m1")
	stopped[0].Running = false
	c.HandleScan(context.Background(), stopped)

	waitForState(t, c, "m1", StateIdle)
	assert.Equal(t, 1, launcher.sessions[0].closes())

	snapshot := c.Snapshot()
	require.Len(t, snapshot, 1, "a reported meeting stays tracked after its session ends")
	assert.False(t, snapshot[0].Running)

	files, err := filepath.Glob(filepath.Join(dir, "m1_*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 1, "transcript persisted before teardown")

	// Not-running meetings must not be auto-rejoined.
	c.HandleScan(context.Background(), stopped)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, launcher.launchCount())
}

func TestSessionExitReturnsRecordToErrorState(t *testing.T) {
	launcher := &fakeLauncher{}
	c, _ := newTestCoordinator(t, launcher, 5, false)

	c.HandleScan(context.Background(), scanOf("m1"))
	require.NoError(t, c.Join(context.Background(), "m1"))
	waitForState(t, c, "m1", StateConnected)

	launcher.events[0].OnExit(stderrors.New("remote hangup"))
	waitForState(t, c, "m1", StateError)

	// A second exit signal must not tear down twice.
	launcher.events[0].OnExit(stderrors.New("remote hangup"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, launcher.sessions[0].closes())
}

func TestAppendTranscriptSuppressesConsecutiveDuplicates(t *testing.T) {
	launcher := &fakeLauncher{}
	c, _ := newTestCoordinator(t, launcher, 5, false)

	c.HandleScan(context.Background(), scanOf("m1"))
	require.NoError(t, c.Join(context.Background(), "m1"))
	waitForState(t, c, "m1", StateConnected)

	entry := TranscriptEntry{MeetingID: "m1", Speaker: "Speaker 1", SpeakerIdx: 1, Text: "can you hear me"}
	id1 := c.AppendTranscript(entry)
	id2 := c.AppendTranscript(entry)
	assert.NotEmpty(t, id1)
	assert.Empty(t, id2, "consecutive identical entry must be suppressed")

	// Same text from a different speaker is not a duplicate.
	other := entry
	other.SpeakerIdx = 2
	other.Speaker = "Speaker 2"
	assert.NotEmpty(t, c.AppendTranscript(other))

	// And the original again, now non-consecutive, is accepted.
	assert.NotEmpty(t, c.AppendTranscript(entry))
	assert.Len(t, c.Transcript("m1"), 3)
}

func TestAmendTranscriptFinalizesPlaceholder(t *testing.T) {
	launcher := &fakeLauncher{}
	c, _ := newTestCoordinator(t, launcher, 5, false)

	c.HandleScan(context.Background(), scanOf("m1"))
	require.NoError(t, c.Join(context.Background(), "m1"))
	waitForState(t, c, "m1", StateConnected)

	var notified []TranscriptEntry
	var notifyMu sync.Mutex
	c.OnTranscript(func(e TranscriptEntry) {
		notifyMu.Lock()
		notified = append(notified, e)
		notifyMu.Unlock()
	})

	id := c.AppendTranscript(TranscriptEntry{MeetingID: "m1", Speaker: BotSpeaker, Text: "…", Pending: true})
	require.NotEmpty(t, id)
	require.True(t, c.AmendTranscript("m1", id, "The answer is 42."))

	entries := c.Transcript("m1")
	require.Len(t, entries, 1)
	assert.Equal(t, "The answer is 42.", entries[0].Text)
	assert.False(t, entries[0].Pending)

	notifyMu.Lock()
	defer notifyMu.Unlock()
	require.Len(t, notified, 2, "placeholder and finalized entry are both pushed")
	assert.True(t, notified[0].Pending)
	assert.Equal(t, "The answer is 42.", notified[1].Text)
}

func TestSimulateRequiresLiveSession(t *testing.T) {
	launcher := &fakeLauncher{}
	c, _ := newTestCoordinator(t, launcher, 5, false)

	c.HandleScan(context.Background(), scanOf("m1"))
	err := c.Simulate(context.Background(), "m1", "", "hey bot")
	assert.ErrorIs(t, err, errors.ErrSessionClosed)

	require.NoError(t, c.Join(context.Background(), "m1"))
	waitForState(t, c, "m1", StateConnected)
	require.NoError(t, c.Simulate(context.Background(), "m1", "", "hey bot"))
	assert.Equal(t, []string{"hey bot"}, launcher.sessions[0].simulated)
}
