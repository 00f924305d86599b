package meeting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"meetbot-server/pkg/bbb"
	"meetbot-server/pkg/errors"
	"meetbot-server/pkg/metrics"
)

// Session is one live embedded participant. Implementations wrap the
// browser controller and its attached pipelines.
type Session interface {
	// Simulate injects a finalized utterance as if a participant spoke it,
	// driving the trigger path without real audio.
	Simulate(ctx context.Context, speaker, text string) error

	// Close leaves the meeting and releases every session resource. Safe
	// to call more than once.
	Close(ctx context.Context) error
}

// SessionEvents are the callbacks a session delivers back to its owner.
// The coordinator installs them with the meeting generation baked in, so
// stale sessions cannot mutate a successor's state.
type SessionEvents struct {
	// OnTranscript delivers one finalized entry and returns the stored
	// entry's ID, or empty when the entry was suppressed as a duplicate.
	OnTranscript func(TranscriptEntry) string
	// OnExit fires exactly once when the session ends for any reason
	// other than an explicit Close: crash, navigation failure, hangup.
	OnExit func(err error)
	// OnSessionError surfaces a non-fatal in-session failure, such as a
	// microphone restore that did not succeed.
	OnSessionError func(err error)
}

// Launcher starts embedded sessions. The production implementation wires
// the browser controller, transcription client and trigger responder
// together; tests substitute a fake.
type Launcher interface {
	Launch(ctx context.Context, meetingID, joinURL string, events SessionEvents) (Session, error)
}

// URLBuilder produces a signed join URL for a meeting.
type URLBuilder interface {
	BuildJoinURL(meetingID, fullName string) string
}

// liveSession is the coordinator's bookkeeping for one running session.
type liveSession struct {
	id         string
	meetingID  string
	generation uint64
	session    Session
	joinURL    string
	startedAt  time.Time
	transcript []TranscriptEntry
	closeOnce  sync.Once
}

// Coordinator owns the meeting records and drives join/leave lifecycle.
// All state is guarded by one mutex; callbacks from sessions re-enter
// through exported methods that take it.
type Coordinator struct {
	logger   *logrus.Logger
	urls     URLBuilder
	launcher Launcher
	store    *Store

	botName     string
	maxSessions int

	mutex       sync.Mutex
	records     map[string]*Record
	sessions    map[string]*liveSession
	generations map[string]uint64
	autoManage  bool

	changedSubs    []func()
	transcriptSubs []func(TranscriptEntry)
}

// NewCoordinator creates a coordinator. autoManage sets the initial
// auto-join behavior.
func NewCoordinator(logger *logrus.Logger, urls URLBuilder, launcher Launcher, store *Store, botName string, maxSessions int, autoManage bool) *Coordinator {
	return &Coordinator{
		logger:      logger,
		urls:        urls,
		launcher:    launcher,
		store:       store,
		botName:     botName,
		maxSessions: maxSessions,
		autoManage:  autoManage,
		records:     make(map[string]*Record),
		sessions:    make(map[string]*liveSession),
		generations: make(map[string]uint64),
	}
}

// OnMeetingsChanged registers a callback fired after any record mutation.
func (c *Coordinator) OnMeetingsChanged(fn func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.changedSubs = append(c.changedSubs, fn)
}

// OnTranscript registers a callback fired for every accepted entry.
func (c *Coordinator) OnTranscript(fn func(TranscriptEntry)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.transcriptSubs = append(c.transcriptSubs, fn)
}

func (c *Coordinator) notifyChanged() {
	c.mutex.Lock()
	subs := make([]func(), len(c.changedSubs))
	copy(subs, c.changedSubs)
	c.mutex.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (c *Coordinator) notifyTranscript(entry TranscriptEntry) {
	c.mutex.Lock()
	subs := make([]func(TranscriptEntry), len(c.transcriptSubs))
	copy(subs, c.transcriptSubs)
	c.mutex.Unlock()
	for _, fn := range subs {
		fn(entry)
	}
}

// Snapshot returns all known meetings ordered by ID.
func (c *Coordinator) Snapshot() []Record {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// AutoManage reports the current auto-join setting.
func (c *Coordinator) AutoManage() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.autoManage
}

// SetAutoManage flips automatic joining of running meetings.
func (c *Coordinator) SetAutoManage(enabled bool) {
	c.mutex.Lock()
	c.autoManage = enabled
	c.mutex.Unlock()
	c.logger.WithField("enabled", enabled).Info("Auto-manage setting changed")
	c.notifyChanged()
}

// HandleScan reconciles the coordinator's records against one full scan
// from the monitor. Running meetings are auto-joined when auto-manage is
// on; meetings that disappeared are torn down with their transcript
// persisted first, then forgotten.
func (c *Coordinator) HandleScan(ctx context.Context, infos []bbb.MeetingInfo) {
	c.mutex.Lock()
	seen := make(map[string]bool, len(infos))
	var toJoin []string
	var toStop []string
	var toLeave []string

	for _, info := range infos {
		seen[info.ID] = true
		rec, ok := c.records[info.ID]
		if !ok {
			rec = &Record{ID: info.ID, State: StateIdle}
			c.records[info.ID] = rec
		}
		rec.Name = info.Name
		rec.ParticipantCount = info.ParticipantCount
		rec.Running = info.Running
		if info.JoinURL != "" {
			rec.JoinURL = info.JoinURL
		}

		// A meeting the scan still reports but marks not-running loses
		// its session immediately; the record stays tracked.
		if !info.Running && (rec.State == StateConnected || rec.State == StateJoining) {
			toStop = append(toStop, info.ID)
			continue
		}

		if c.autoManage && info.Running && rec.State == StateIdle {
			toJoin = append(toJoin, info.ID)
		}
	}

	for id, rec := range c.records {
		if seen[id] {
			continue
		}
		if rec.State == StateConnected || rec.State == StateJoining {
			toLeave = append(toLeave, id)
		} else {
			delete(c.records, id)
		}
	}
	metrics.MeetingsSeen.Set(float64(len(c.records)))
	c.mutex.Unlock()

	for _, id := range toStop {
		c.logger.WithField("meeting_id", id).Info("Meeting stopped running, leaving")
		if err := c.Leave(ctx, id); err != nil {
			c.logger.WithError(err).WithField("meeting_id", id).Warn("Failed to leave stopped meeting")
		}
	}

	for _, id := range toLeave {
		c.logger.WithField("meeting_id", id).Info("Meeting disappeared from scan, leaving")
		if err := c.Leave(ctx, id); err != nil {
			c.logger.WithError(err).WithField("meeting_id", id).Warn("Failed to leave vanished meeting")
		}
		c.mutex.Lock()
		delete(c.records, id)
		c.mutex.Unlock()
	}

	for _, id := range toJoin {
		if err := c.Join(ctx, id); err != nil {
			c.logger.WithError(err).WithField("meeting_id", id).Warn("Auto-join failed")
		}
	}

	c.notifyChanged()
}

// Join starts an embedded session for the meeting. Joining a meeting that
// is already joining or connected is a no-op. A meeting in error state
// stays there until an explicit restart. When the session ceiling is
// reached the join is refused.
func (c *Coordinator) Join(ctx context.Context, meetingID string) error {
	c.mutex.Lock()
	rec, ok := c.records[meetingID]
	if !ok {
		c.mutex.Unlock()
		return errors.ErrMeetingNotFound
	}
	if rec.State == StateJoining || rec.State == StateConnected {
		c.mutex.Unlock()
		c.logger.WithField("meeting_id", meetingID).Debug("Join requested but session already active")
		return nil
	}
	if rec.State == StateError {
		c.mutex.Unlock()
		return fmt.Errorf("meeting is in error state, restart required: %w", errors.ErrSessionClosed)
	}
	if len(c.sessions) >= c.maxSessions {
		c.mutex.Unlock()
		metrics.JoinRejections.Inc()
		c.logger.WithFields(logrus.Fields{
			"meeting_id":   meetingID,
			"max_sessions": c.maxSessions,
		}).Warn("Join refused, session ceiling reached")
		return errors.ErrSessionLimit
	}

	c.generations[meetingID]++
	gen := c.generations[meetingID]
	metrics.SessionGeneration.WithLabelValues(meetingID).Set(float64(gen))

	rec.State = StateJoining
	rec.LastError = ""
	c.mutex.Unlock()
	c.notifyChanged()

	go c.launch(ctx, meetingID, gen)
	return nil
}

// launch runs the join asynchronously and applies the outcome only if the
// meeting's generation has not moved on.
func (c *Coordinator) launch(ctx context.Context, meetingID string, gen uint64) {
	logger := c.logger.WithField("meeting_id", meetingID)

	c.mutex.Lock()
	rec, ok := c.records[meetingID]
	if !ok || c.generations[meetingID] != gen {
		c.mutex.Unlock()
		return
	}
	joinURL := rec.JoinURL
	c.mutex.Unlock()

	if joinURL == "" {
		joinURL = c.urls.BuildJoinURL(meetingID, c.botName)
	}

	events := SessionEvents{
		OnTranscript: func(entry TranscriptEntry) string {
			entry.MeetingID = meetingID
			return c.AppendTranscript(entry)
		},
		OnExit: func(err error) {
			c.handleSessionExit(meetingID, gen, err)
		},
		OnSessionError: func(err error) {
			c.SetLastError(meetingID, err)
		},
	}

	sess, err := c.launcher.Launch(ctx, meetingID, joinURL, events)
	if err != nil {
		metrics.JoinsTotal.WithLabelValues("error").Inc()
		c.failJoin(meetingID, gen, err)
		return
	}

	c.mutex.Lock()
	if c.generations[meetingID] != gen {
		c.mutex.Unlock()
		logger.Warn("Join completed for a superseded generation, discarding session")
		go func() {
			if err := sess.Close(context.Background()); err != nil {
				logger.WithError(err).Debug("Failed to close superseded session")
			}
		}()
		return
	}

	live := &liveSession{
		id:         uuid.New().String(),
		meetingID:  meetingID,
		generation: gen,
		session:    sess,
		joinURL:    joinURL,
		startedAt:  time.Now(),
	}
	c.sessions[meetingID] = live
	if rec, ok := c.records[meetingID]; ok {
		rec.State = StateConnected
		rec.JoinedAt = live.startedAt
		rec.LastError = ""
	}
	metrics.ActiveSessions.Set(float64(len(c.sessions)))
	metrics.JoinsTotal.WithLabelValues("ok").Inc()
	c.mutex.Unlock()

	logger.WithField("session_id", live.id).Info("Bot joined meeting")
	c.notifyChanged()
}

func (c *Coordinator) failJoin(meetingID string, gen uint64, err error) {
	c.mutex.Lock()
	if c.generations[meetingID] == gen {
		if rec, ok := c.records[meetingID]; ok {
			rec.State = StateError
			rec.LastError = err.Error()
		}
	}
	c.mutex.Unlock()
	c.logger.WithError(err).WithField("meeting_id", meetingID).Error("Failed to join meeting")
	c.notifyChanged()
}

// Leave tears down the meeting's session: persist the transcript, close
// the embedded participant, return the record to idle. Leaving a meeting
// with no session is a no-op.
func (c *Coordinator) Leave(ctx context.Context, meetingID string) error {
	c.mutex.Lock()
	rec, hasRec := c.records[meetingID]
	live, hasSession := c.sessions[meetingID]
	if !hasSession {
		if hasRec && (rec.State == StateJoining || rec.State == StateError) {
			// Invalidate any in-flight join and clear a terminal error so
			// the meeting is joinable again.
			c.generations[meetingID]++
			rec.State = StateIdle
			rec.LastError = ""
		}
		c.mutex.Unlock()
		if !hasRec {
			return errors.ErrMeetingNotFound
		}
		c.notifyChanged()
		return nil
	}
	c.mutex.Unlock()

	c.teardown(ctx, live, nil)
	return nil
}

// teardown runs a session's exactly-once cleanup: transcript persisted
// before the page goes away, then session closed, then state reset.
func (c *Coordinator) teardown(ctx context.Context, live *liveSession, cause error) {
	live.closeOnce.Do(func() {
		logger := c.logger.WithFields(logrus.Fields{
			"meeting_id": live.meetingID,
			"session_id": live.id,
		})

		c.mutex.Lock()
		// Invalidate every async continuation of this session before any
		// teardown side effect.
		c.generations[live.meetingID]++
		entries := make([]TranscriptEntry, len(live.transcript))
		copy(entries, live.transcript)
		var meetingName string
		if rec, ok := c.records[live.meetingID]; ok {
			meetingName = rec.Name
		}
		c.mutex.Unlock()

		if c.store != nil && len(entries) > 0 {
			log := SessionLog{
				SessionID:   live.id,
				MeetingID:   live.meetingID,
				MeetingName: meetingName,
				JoinURL:     live.joinURL,
				StartedAt:   live.startedAt,
				EndedAt:     time.Now(),
				Entries:     entries,
			}
			if err := c.store.Persist(log); err != nil {
				logger.WithError(err).Error("Failed to persist session transcript")
			} else {
				metrics.TranscriptsFlushed.Inc()
			}
		}

		if err := live.session.Close(ctx); err != nil {
			logger.WithError(err).Warn("Session close reported an error")
		}

		c.mutex.Lock()
		delete(c.sessions, live.meetingID)
		if rec, ok := c.records[live.meetingID]; ok {
			if cause != nil {
				rec.State = StateError
				rec.LastError = cause.Error()
			} else {
				rec.State = StateIdle
			}
			rec.JoinedAt = time.Time{}
		}
		metrics.ActiveSessions.Set(float64(len(c.sessions)))
		metrics.LeavesTotal.Inc()
		c.mutex.Unlock()

		if cause != nil {
			logger.WithError(cause).Warn("Bot left meeting")
		} else {
			logger.Info("Bot left meeting")
		}
		c.notifyChanged()
	})
}

// handleSessionExit reacts to a session ending on its own.
func (c *Coordinator) handleSessionExit(meetingID string, gen uint64, cause error) {
	c.mutex.Lock()
	live, ok := c.sessions[meetingID]
	if !ok || live.generation != gen {
		c.mutex.Unlock()
		return
	}
	c.mutex.Unlock()

	c.teardown(context.Background(), live, cause)
}

// LeaveAll tears down every active session.
func (c *Coordinator) LeaveAll(ctx context.Context) {
	c.mutex.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mutex.Unlock()

	for _, id := range ids {
		if err := c.Leave(ctx, id); err != nil {
			c.logger.WithError(err).WithField("meeting_id", id).Warn("Failed to leave meeting")
		}
	}
}

// Restart leaves and rejoins the meeting.
func (c *Coordinator) Restart(ctx context.Context, meetingID string) error {
	if err := c.Leave(ctx, meetingID); err != nil {
		return err
	}
	return c.Join(ctx, meetingID)
}

// Simulate injects a synthetic finalized utterance into the meeting's
// trigger path.
func (c *Coordinator) Simulate(ctx context.Context, meetingID, speaker, text string) error {
	c.mutex.Lock()
	live, ok := c.sessions[meetingID]
	c.mutex.Unlock()
	if !ok {
		return errors.ErrSessionClosed
	}
	if speaker == "" {
		speaker = "Speaker 1"
	}
	return live.session.Simulate(ctx, speaker, text)
}

// AppendTranscript adds one finalized entry to the meeting's history. A
// consecutive entry with the same speaker index and text is suppressed.
// It returns the stored entry's ID, or empty when suppressed or dropped.
func (c *Coordinator) AppendTranscript(entry TranscriptEntry) string {
	c.mutex.Lock()
	live, ok := c.sessions[entry.MeetingID]
	if !ok {
		c.mutex.Unlock()
		return ""
	}
	if n := len(live.transcript); n > 0 {
		last := live.transcript[n-1]
		if !last.Pending && last.SpeakerIdx == entry.SpeakerIdx && last.Text == entry.Text {
			c.mutex.Unlock()
			metrics.DuplicateSuppress.Inc()
			return ""
		}
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	live.transcript = append(live.transcript, entry)
	c.mutex.Unlock()

	kind := "speech"
	if entry.IsBot() {
		kind = "bot"
	}
	metrics.TranscriptEntries.WithLabelValues(kind).Inc()
	c.notifyTranscript(entry)
	return entry.ID
}

// AmendTranscript rewrites an existing entry's text in place, clearing its
// pending flag. Used to finalize the bot's placeholder entry.
func (c *Coordinator) AmendTranscript(meetingID, entryID, text string) bool {
	c.mutex.Lock()
	live, ok := c.sessions[meetingID]
	if !ok {
		c.mutex.Unlock()
		return false
	}
	var amended *TranscriptEntry
	for i := range live.transcript {
		if live.transcript[i].ID == entryID {
			live.transcript[i].Text = text
			live.transcript[i].Pending = false
			entry := live.transcript[i]
			amended = &entry
			break
		}
	}
	c.mutex.Unlock()

	if amended == nil {
		return false
	}
	c.notifyTranscript(*amended)
	return true
}

// Transcript returns a copy of the meeting's current session history.
func (c *Coordinator) Transcript(meetingID string) []TranscriptEntry {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	live, ok := c.sessions[meetingID]
	if !ok {
		return nil
	}
	out := make([]TranscriptEntry, len(live.transcript))
	copy(out, live.transcript)
	return out
}

// SetLastError records a non-fatal session failure on the meeting record.
func (c *Coordinator) SetLastError(meetingID string, err error) {
	c.mutex.Lock()
	if rec, ok := c.records[meetingID]; ok {
		rec.LastError = err.Error()
	}
	c.mutex.Unlock()
	c.notifyChanged()
}
