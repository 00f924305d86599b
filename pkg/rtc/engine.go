package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"meetbot-server/pkg/errors"
	"meetbot-server/pkg/metrics"
	"meetbot-server/pkg/util"
)

// Engine performs live audio-track substitution for one session: it swaps a
// synthetic speech track onto the outbound audio sender, plays it to
// completion, and restores the original microphone track no matter which
// stage failed.
type Engine struct {
	logger      *logrus.Entry
	bridge      Bridge
	interceptor *Interceptor

	sampleRate  int
	pathTimeout time.Duration
	retry       util.RetryConfig

	// lock is the single-flight guard: a Speak arriving while another is
	// in progress is rejected, never interleaved.
	lock chan struct{}

	// OnRestoreFailure reports a failed microphone restoration upward so
	// the coordinator can surface it as the meeting's last error.
	OnRestoreFailure func(error)
}

// EngineOption tweaks engine construction.
type EngineOption func(*Engine)

// WithPathTimeout bounds how long Speak waits for a usable audio path.
func WithPathTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.pathTimeout = d }
}

// WithRetryConfig overrides the replace-track retry policy.
func WithRetryConfig(cfg util.RetryConfig) EngineOption {
	return func(e *Engine) { e.retry = cfg }
}

// NewEngine creates a substitution engine bound to one session's
// interceptor. sampleRate is the synthesis provider's native rate.
func NewEngine(logger *logrus.Entry, bridge Bridge, interceptor *Interceptor, sampleRate int, opts ...EngineOption) *Engine {
	e := &Engine{
		logger:      logger,
		bridge:      bridge,
		interceptor: interceptor,
		sampleRate:  sampleRate,
		pathTimeout: 5 * time.Second,
		retry:       util.DefaultRetryConfig(),
		lock:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Speak substitutes the outbound microphone track with the given speech
// samples, plays them to the meeting, and restores the microphone. The
// restore attempt runs regardless of which stage failed. A call arriving
// while another Speak is in flight returns ErrSpeakBusy.
func (e *Engine) Speak(ctx context.Context, samples []float64) error {
	select {
	case e.lock <- struct{}{}:
	default:
		metrics.SpeakOperations.WithLabelValues("rejected_busy").Inc()
		return errors.ErrSpeakBusy
	}
	// The lock is released only after restoration has been attempted;
	// deferred calls run LIFO, so this registers before the restore.
	defer func() { <-e.lock }()

	if len(samples) == 0 {
		metrics.SpeakOperations.WithLabelValues("empty").Inc()
		return fmt.Errorf("speak called with no samples: %w", errors.ErrInvalidInput)
	}

	started := time.Now()

	binding, err := e.waitForBinding(ctx)
	if err != nil {
		metrics.SpeakOperations.WithLabelValues("no_audio_path").Inc()
		return err
	}
	gen := binding.Generation

	replaced := false
	var sourceID string

	// Guaranteed-restoration discipline: whatever happens above this
	// point in the procedure, the original track is put back before the
	// single-flight lock is released.
	defer func() {
		e.restore(binding, gen, replaced)
		if sourceID != "" {
			if err := e.bridge.StopSource(context.Background(), sourceID); err != nil {
				e.logger.WithError(err).Debug("Failed to release synthetic source")
			}
		}
		metrics.SpeakDuration.Observe(time.Since(started).Seconds())
	}()

	sourceID, err = e.bridge.BuildSource(ctx, samples, e.sampleRate)
	if err != nil {
		metrics.SpeakOperations.WithLabelValues("build_failed").Inc()
		return fmt.Errorf("failed to build synthetic audio source: %w", err)
	}

	if err := e.replaceWithRetry(ctx, sourceID, gen); err != nil {
		metrics.SpeakOperations.WithLabelValues("replace_failed").Inc()
		return fmt.Errorf("failed to substitute outbound track: %w", err)
	}
	replaced = true

	if err := e.bridge.Play(ctx, sourceID); err != nil {
		metrics.SpeakOperations.WithLabelValues("play_failed").Inc()
		return fmt.Errorf("playback failed: %w", err)
	}

	metrics.SpeakOperations.WithLabelValues("ok").Inc()
	return nil
}

// waitForBinding resolves the current audio path, polling through the
// rediscovery scan up to the configured timeout.
func (e *Engine) waitForBinding(ctx context.Context) (BindingState, error) {
	deadline := time.Now().Add(e.pathTimeout)

	for {
		if binding, ok := e.interceptor.Binding(); ok {
			return binding, nil
		}
		e.interceptor.Rediscover()
		if binding, ok := e.interceptor.Binding(); ok {
			return binding, nil
		}

		if time.Now().After(deadline) {
			return BindingState{}, errors.ErrNoAudioPath
		}
		select {
		case <-ctx.Done():
			return BindingState{}, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// replaceWithRetry swaps the sender track with bounded exponential backoff.
// A connection reported closed mid-retry triggers rediscovery so the next
// attempt targets the newly found sender instead of giving up.
func (e *Engine) replaceWithRetry(ctx context.Context, trackID string, gen uint64) error {
	op := func() error {
		if e.interceptor.Generation() != gen {
			return errors.ErrStaleGeneration
		}
		binding, ok := e.interceptor.Binding()
		if !ok {
			if !e.interceptor.Rediscover() {
				return errors.ErrNoAudioPath
			}
			binding, ok = e.interceptor.Binding()
			if !ok {
				return errors.ErrNoAudioPath
			}
		}

		err := e.bridge.ReplaceTrack(ctx, binding.ConnID, trackID)
		if errors.Is(err, ErrConnectionClosed) {
			e.logger.WithField("conn_id", binding.ConnID).Warn("Connection closed during track replace, rediscovering")
			e.interceptor.Rediscover()
		}
		return err
	}

	cfg := e.retry
	cfg.Retryable = func(err error) bool {
		// A torn-down session is not worth retrying against.
		return !errors.Is(err, errors.ErrStaleGeneration)
	}
	return util.Retry(ctx, op, cfg)
}

// restore puts the original microphone track back on the sender. It is
// skipped only when the session generation has advanced (the page is gone)
// or when no substitution ever took effect.
func (e *Engine) restore(binding BindingState, gen uint64, replaced bool) {
	if !replaced {
		return
	}
	if e.interceptor.Generation() != gen {
		e.logger.Warn("Session torn down mid-speak, abandoning microphone restore")
		return
	}

	// Fresh context: restoration must run even when the caller's context
	// is already canceled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	op := func() error {
		target := binding
		if current, ok := e.interceptor.Binding(); ok {
			target = current
		}
		err := e.bridge.ReplaceTrack(ctx, target.ConnID, binding.OriginalTrackID)
		if errors.Is(err, ErrConnectionClosed) {
			e.interceptor.Rediscover()
		}
		return err
	}

	if err := util.Retry(ctx, op, e.retry); err != nil {
		// The participant may now be silently mute; surface it, do not
		// crash the session.
		metrics.RestoreFailures.Inc()
		e.logger.WithError(err).Error("CRITICAL: failed to restore original microphone track")
		if e.OnRestoreFailure != nil {
			e.OnRestoreFailure(err)
		}
		return
	}

	e.logger.Debug("Original microphone track restored")
}
