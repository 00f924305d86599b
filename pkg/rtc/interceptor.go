package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meetbot-server/pkg/metrics"
)

// connRecord is the interceptor's view of one peer connection the page has
// created. Records are never removed: closed connections stay in the list
// so rediscovery can reason about creation order.
type connRecord struct {
	id            string
	state         ConnState
	outboundTrack string
	senderReady   bool
}

// Interceptor observes every peer connection of one embedded session. It
// dedups inbound tracks, captures the outbound audio sender into the
// current binding, and rediscovers a usable sender when the active
// connection closes or fails mid-call.
type Interceptor struct {
	logger *logrus.Entry
	bridge Bridge

	// settleDelay defers sender capture after an outbound track attaches,
	// because the page registers the sender asynchronously relative to
	// the attach call.
	settleDelay time.Duration

	mutex       sync.Mutex
	conns       map[string]*connRecord
	order       []string
	seenInbound map[string]bool

	// binding fields; original track reference is never dropped while the
	// interceptor is alive.
	activeConn      string
	originalTrack   string
	bindingStale    bool
	bindingCaptured time.Time
	generation      uint64

	frameSink func(AudioFrame)
	closed    bool
}

// InterceptorOption tweaks interceptor construction.
type InterceptorOption func(*Interceptor)

// WithSettleDelay overrides the sender settling delay (tests use ~0).
func WithSettleDelay(d time.Duration) InterceptorOption {
	return func(i *Interceptor) { i.settleDelay = d }
}

// NewInterceptor creates an interceptor for one session.
func NewInterceptor(logger *logrus.Entry, bridge Bridge, opts ...InterceptorOption) *Interceptor {
	i := &Interceptor{
		logger:      logger,
		bridge:      bridge,
		settleDelay: 500 * time.Millisecond,
		conns:       make(map[string]*connRecord),
		seenInbound: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// SetFrameSink routes captured PCM frames (typically to the transcription
// client). Must be set before frames flow.
func (i *Interceptor) SetFrameSink(sink func(AudioFrame)) {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	i.frameSink = sink
}

// HandleTrack processes a track-discovered event from the page.
func (i *Interceptor) HandleTrack(ctx context.Context, ev TrackEvent) {
	i.mutex.Lock()
	if i.closed {
		i.mutex.Unlock()
		return
	}
	rec := i.record(ev.ConnID)

	switch ev.Direction {
	case Inbound:
		// A track can be reported through more than one event path;
		// attach the capture pipeline at most once per track identity.
		if i.seenInbound[ev.TrackID] {
			i.mutex.Unlock()
			return
		}
		i.seenInbound[ev.TrackID] = true
		i.mutex.Unlock()

		if err := i.bridge.CaptureTrack(ctx, ev.TrackID); err != nil {
			i.logger.WithError(err).WithField("track_id", ev.TrackID).Warn("Failed to attach capture pipeline to remote track")
			return
		}
		i.logger.WithField("track_id", ev.TrackID).Debug("Remote audio track captured for transcription")

	case Outbound:
		rec.outboundTrack = ev.TrackID
		if i.originalTrack == "" {
			// First outbound track is the human-equivalent microphone,
			// the sole recovery path after every substitution. Captured
			// at event time so settle-timer firing order cannot pick a
			// later track.
			i.originalTrack = ev.TrackID
		}
		gen := i.generation
		i.mutex.Unlock()

		// The sender registers asynchronously relative to the attach
		// call; looking it up immediately fails intermittently.
		time.AfterFunc(i.settleDelay, func() {
			i.captureSender(ev.ConnID, ev.TrackID, gen)
		})
	}
}

// captureSender marks the sender ready and re-selects the binding, unless
// the session has moved on since the event fired.
func (i *Interceptor) captureSender(connID, trackID string, gen uint64) {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.closed || i.generation != gen {
		return
	}
	rec, ok := i.conns[connID]
	if !ok || !rec.state.usable() {
		return
	}

	rec.senderReady = true
	// The binding always points at the newest usable connection, no
	// matter which settle timer fires last.
	i.selectBindingLocked()

	i.logger.WithFields(logrus.Fields{
		"conn_id":  i.activeConn,
		"track_id": trackID,
	}).Info("Outbound audio sender captured")
}

// HandleState processes a connection-state event from the page.
func (i *Interceptor) HandleState(ev StateEvent) {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	if i.closed {
		return
	}

	rec := i.record(ev.ConnID)
	rec.state = ev.State

	if (ev.State == StateClosed || ev.State == StateFailed) && ev.ConnID == i.activeConn {
		i.bindingStale = true
		i.logger.WithFields(logrus.Fields{
			"conn_id": ev.ConnID,
			"state":   ev.State.String(),
		}).Warn("Active connection lost, binding marked stale")
		i.rediscoverLocked()
	}
}

// HandleFrame forwards one captured PCM frame to the sink.
func (i *Interceptor) HandleFrame(frame AudioFrame) {
	i.mutex.Lock()
	sink := i.frameSink
	closed := i.closed
	i.mutex.Unlock()

	if closed || sink == nil {
		return
	}
	metrics.STTFrames.Inc()
	sink(frame)
}

// record returns the connection record, creating it on first sight.
// Caller must hold the mutex.
func (i *Interceptor) record(connID string) *connRecord {
	rec, ok := i.conns[connID]
	if !ok {
		rec = &connRecord{id: connID, state: StateNew}
		i.conns[connID] = rec
		i.order = append(i.order, connID)
	}
	return rec
}

// Rediscover scans every connection the page has ever created for one that
// is usable and has an audio sender, preferring the most recently created.
// It returns true when a replacement binding was found.
func (i *Interceptor) Rediscover() bool {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.rediscoverLocked()
}

func (i *Interceptor) rediscoverLocked() bool {
	if !i.selectBindingLocked() {
		return false
	}
	metrics.TrackRediscovery.Inc()
	i.logger.WithField("conn_id", i.activeConn).Info("Rediscovered usable audio sender")
	return true
}

// selectBindingLocked points the binding at the most recently created
// usable connection with a ready sender. The order slice is creation
// order, so a reverse scan finds the newest first. Caller must hold the
// mutex.
func (i *Interceptor) selectBindingLocked() bool {
	for n := len(i.order) - 1; n >= 0; n-- {
		rec := i.conns[i.order[n]]
		if rec.state.usable() && rec.senderReady && rec.outboundTrack != "" {
			i.activeConn = rec.id
			i.bindingStale = false
			i.bindingCaptured = time.Now()
			return true
		}
	}
	return false
}

// Binding returns a snapshot of the current audio path, if one is usable.
func (i *Interceptor) Binding() (BindingState, bool) {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.closed || i.bindingStale || i.activeConn == "" || i.originalTrack == "" {
		return BindingState{}, false
	}
	rec, ok := i.conns[i.activeConn]
	if !ok || !rec.state.usable() {
		return BindingState{}, false
	}

	return BindingState{
		ConnID:          i.activeConn,
		OriginalTrackID: i.originalTrack,
		Generation:      i.generation,
		CapturedAt:      i.bindingCaptured,
	}, true
}

// Generation returns the current session generation. Asynchronous
// continuations capture it at start and compare before applying effects.
func (i *Interceptor) Generation() uint64 {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.generation
}

// Invalidate bumps the generation so every in-flight continuation becomes
// a no-op. Called on session teardown before the page closes.
func (i *Interceptor) Invalidate() {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	i.generation++
	i.bindingStale = true
	i.logger.WithField("generation", i.generation).Debug("Session generation advanced")
}

// Close permanently stops the interceptor.
func (i *Interceptor) Close() {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	i.closed = true
	i.generation++
}
