package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"meetbot-server/pkg/errors"
	"meetbot-server/pkg/meeting"
	"meetbot-server/pkg/rtc"
	"meetbot-server/pkg/stt"
	"meetbot-server/pkg/trigger"
)

// FactoryConfig holds the per-session wiring settings.
type FactoryConfig struct {
	Browser        Config
	STT            stt.Config
	BotName        string
	TriggerPhrases []string
	// TTSSampleRate is the synthesis provider's PCM rate, which the
	// substitution engine passes through to the page.
	TTSSampleRate int
}

// Factory builds complete embedded sessions: browser page, interceptor,
// substitution engine, transcription stream and reply pipeline, wired
// together per meeting. It implements meeting.Launcher.
type Factory struct {
	logger      *logrus.Logger
	config      FactoryConfig
	completer   trigger.Completer
	synthesizer trigger.Synthesizer

	transcripts trigger.Transcripts
}

// NewFactory creates a session factory. The transcripts sink is bound
// afterward because the coordinator and the factory reference each other.
func NewFactory(logger *logrus.Logger, config FactoryConfig, completer trigger.Completer, synthesizer trigger.Synthesizer) *Factory {
	return &Factory{
		logger:      logger,
		config:      config,
		completer:   completer,
		synthesizer: synthesizer,
	}
}

// SetTranscripts binds the coordinator's transcript surface. Must be
// called before the first Launch.
func (f *Factory) SetTranscripts(tr trigger.Transcripts) {
	f.transcripts = tr
}

// session is one live embedded participant with all pipelines attached.
type session struct {
	logger      *logrus.Entry
	meetingID   string
	controller  *Controller
	interceptor *rtc.Interceptor
	sttClient   *stt.Client
	responder   *trigger.Responder
	events      meeting.SessionEvents

	closeOnce sync.Once
	exitOnce  sync.Once
}

// Launch implements meeting.Launcher.
func (f *Factory) Launch(ctx context.Context, meetingID, joinURL string, events meeting.SessionEvents) (meeting.Session, error) {
	if f.transcripts == nil {
		return nil, fmt.Errorf("session factory has no transcript sink bound")
	}

	logger := f.logger.WithField("meeting_id", meetingID)
	s := &session{
		logger:    logger,
		meetingID: meetingID,
		events:    events,
	}

	s.controller = NewController(logger, f.config.Browser, Events{
		OnTrack: func(ev rtc.TrackEvent) {
			s.interceptor.HandleTrack(context.Background(), ev)
		},
		OnState: func(ev rtc.StateEvent) {
			s.interceptor.HandleState(ev)
		},
		OnFrame: func(frame rtc.AudioFrame) {
			s.interceptor.HandleFrame(frame)
		},
		OnClosed: func(err error) {
			s.exit(err)
		},
	})

	s.interceptor = rtc.NewInterceptor(logger, s.controller)
	engine := rtc.NewEngine(logger, s.controller, s.interceptor, f.config.TTSSampleRate)
	engine.OnRestoreFailure = func(err error) {
		if events.OnSessionError != nil {
			events.OnSessionError(err)
		}
	}

	detector := trigger.NewDetector(f.config.TriggerPhrases)
	s.responder = trigger.NewResponder(logger, detector, f.transcripts, f.completer, f.synthesizer, engine, f.config.BotName)

	s.sttClient = stt.NewClient(logger, f.config.STT, func(result stt.Result) {
		s.handleResult(result)
	})
	s.sttClient.OnDown = func(err error) {
		if events.OnSessionError != nil {
			events.OnSessionError(err)
		}
	}
	s.interceptor.SetFrameSink(func(frame rtc.AudioFrame) {
		s.sttClient.SendAudio(frame.PCM)
	})

	if err := s.controller.Open(ctx, joinURL); err != nil {
		return nil, errors.Wrap(err, "failed to open embedded participant").WithField("meeting_id", meetingID)
	}
	if err := s.sttClient.Start(ctx); err != nil {
		s.controller.Close()
		return nil, errors.Wrap(err, "failed to start transcription stream").WithField("meeting_id", meetingID)
	}

	return s, nil
}

// handleResult turns one finalized transcription into a transcript entry
// and feeds the reply pipeline.
func (s *session) handleResult(result stt.Result) {
	entry := meeting.TranscriptEntry{
		ID:         uuid.New().String(),
		MeetingID:  s.meetingID,
		Speaker:    speakerLabel(result),
		SpeakerIdx: result.SpeakerIdx,
		Text:       result.Text,
		Confidence: result.Confidence,
		Timestamp:  time.Now(),
		Words:      convertWords(result.Words),
	}

	storedID := s.events.OnTranscript(entry)
	if storedID == "" {
		// Suppressed duplicate; never re-trigger on it.
		return
	}
	entry.ID = storedID

	// The reply pipeline blocks through playback; transcription must keep
	// flowing meanwhile.
	go s.responder.HandleEntry(context.Background(), entry)
}

// speakerLabel prefers the service's side-channel speaker name and falls
// back to the diarization index.
func speakerLabel(result stt.Result) string {
	if result.ActiveSpeaker != "" {
		return result.ActiveSpeaker
	}
	return fmt.Sprintf("Speaker %d", result.SpeakerIdx+1)
}

func convertWords(words []stt.Word) []meeting.WordTiming {
	if len(words) == 0 {
		return nil
	}
	out := make([]meeting.WordTiming, len(words))
	for i, w := range words {
		out[i] = meeting.WordTiming{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			SpeakerIdx: w.Speaker,
		}
	}
	return out
}

// Simulate implements meeting.Session: it injects a synthetic utterance
// through the same path a transcription result takes.
func (s *session) Simulate(ctx context.Context, speaker, text string) error {
	entry := meeting.TranscriptEntry{
		ID:        uuid.New().String(),
		MeetingID: s.meetingID,
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now(),
	}
	storedID := s.events.OnTranscript(entry)
	if storedID == "" {
		return nil
	}
	entry.ID = storedID

	go s.responder.HandleEntry(ctx, entry)
	return nil
}

// exit runs when the page dies on its own.
func (s *session) exit(cause error) {
	s.exitOnce.Do(func() {
		s.release()
		if s.events.OnExit != nil {
			s.events.OnExit(cause)
		}
	})
}

// Close implements meeting.Session.
func (s *session) Close(ctx context.Context) error {
	// An explicit close must not also report an exit.
	s.exitOnce.Do(func() {})
	s.release()
	return nil
}

// release tears the pipelines down exactly once, newest first: invalidate
// in-flight continuations, stop transcription, close the page.
func (s *session) release() {
	s.closeOnce.Do(func() {
		s.interceptor.Invalidate()
		s.sttClient.Close()
		s.controller.Close()
		s.interceptor.Close()
		s.logger.Info("Session pipelines released")
	})
}
