package trigger

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"meetbot-server/pkg/llm"
	"meetbot-server/pkg/meeting"
	"meetbot-server/pkg/tts"
)

// FallbackApology is what the bot says in text when reply generation or
// synthesis fails. It is never synthesized, so it cannot feed back through
// the transcription loop.
const FallbackApology = "Sorry, I couldn't come up with an answer just now."

// PlaceholderText marks the bot's pending reply in the live transcript.
const PlaceholderText = "…"

// Transcripts is the slice of the coordinator the responder needs.
type Transcripts interface {
	AppendTranscript(meeting.TranscriptEntry) string
	AmendTranscript(meetingID, entryID, text string) bool
	Transcript(meetingID string) []meeting.TranscriptEntry
}

// Completer produces a reply from the conversation so far.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Synthesizer turns the reply into PCM.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Speaker plays samples into the meeting.
type Speaker interface {
	Speak(ctx context.Context, samples []float64) error
}

// Responder watches finalized utterances for the address phrase and runs
// the reply pipeline: placeholder entry, language model, finalize, speech
// synthesis, playback. Failures end in a fallback apology entry and never
// propagate to the transcription path.
type Responder struct {
	logger      *logrus.Entry
	detector    *Detector
	transcripts Transcripts
	completer   Completer
	synthesizer Synthesizer
	speaker     Speaker

	botName      string
	systemPrompt string
}

// NewResponder wires the reply pipeline for one meeting session.
func NewResponder(logger *logrus.Entry, detector *Detector, transcripts Transcripts, completer Completer, synthesizer Synthesizer, speaker Speaker, botName string) *Responder {
	return &Responder{
		logger:      logger,
		detector:    detector,
		transcripts: transcripts,
		completer:   completer,
		synthesizer: synthesizer,
		speaker:     speaker,
		botName:     botName,
		systemPrompt: fmt.Sprintf(
			"You are %s, a helpful assistant attending a live meeting. "+
				"Answer the last question briefly and conversationally; your reply will be spoken aloud.",
			botName),
	}
}

// HandleEntry inspects one finalized utterance and, when the bot is
// addressed, produces and speaks a reply. It blocks until playback ends.
func (r *Responder) HandleEntry(ctx context.Context, entry meeting.TranscriptEntry) {
	if entry.IsBot() || entry.Pending {
		return
	}
	if !r.detector.Match(entry.Text) {
		return
	}
	if r.isOwnEcho(entry.MeetingID, entry.Text) {
		r.logger.WithField("text", entry.Text).Debug("Ignoring echo of the bot's own speech")
		return
	}

	logger := r.logger.WithField("meeting_id", entry.MeetingID)
	logger.WithField("text", entry.Text).Info("Address phrase detected")

	placeholder := meeting.TranscriptEntry{
		MeetingID: entry.MeetingID,
		Speaker:   meeting.BotSpeaker,
		Text:      PlaceholderText,
		Pending:   true,
	}
	placeholderID := r.transcripts.AppendTranscript(placeholder)

	reply, err := r.completer.Complete(ctx, r.buildMessages(entry))
	if err != nil || strings.TrimSpace(reply) == "" {
		if err != nil {
			logger.WithError(err).Error("Reply generation failed")
		}
		r.finalize(entry.MeetingID, placeholderID, FallbackApology)
		return
	}

	r.finalize(entry.MeetingID, placeholderID, reply)

	pcm, err := r.synthesizer.Synthesize(ctx, reply)
	if err != nil {
		logger.WithError(err).Error("Speech synthesis failed")
		return
	}

	if err := r.speaker.Speak(ctx, tts.DecodePCM(pcm)); err != nil {
		logger.WithError(err).Error("Failed to speak reply")
	}
}

// finalize replaces the placeholder in place, falling back to a plain
// append when it is already gone.
func (r *Responder) finalize(meetingID, placeholderID, text string) {
	if placeholderID != "" && r.transcripts.AmendTranscript(meetingID, placeholderID, text) {
		return
	}
	r.transcripts.AppendTranscript(meeting.TranscriptEntry{
		MeetingID: meetingID,
		Speaker:   meeting.BotSpeaker,
		Text:      text,
	})
}

// isOwnEcho guards against the transcription loop hearing the bot's own
// playback: an utterance that matches the address phrase but is really the
// bot's previous reply or apology must never trigger another reply.
func (r *Responder) isOwnEcho(meetingID, text string) bool {
	normalized := strings.ToLower(text)
	if strings.Contains(normalized, strings.ToLower(FallbackApology)) {
		return true
	}

	identity := fmt.Sprintf("i am %s", strings.ToLower(r.botName))
	if strings.Contains(normalized, identity) {
		return true
	}

	// Compare against the bot's recent replies in this session.
	for _, prev := range r.lastBotReplies(meetingID) {
		if prev != "" && strings.Contains(normalized, prev) {
			return true
		}
	}
	return false
}

// lastBotReplies returns the normalized text of the bot's most recent
// finalized entries.
func (r *Responder) lastBotReplies(meetingID string) []string {
	entries := r.transcripts.Transcript(meetingID)
	var out []string
	for i := len(entries) - 1; i >= 0 && len(out) < 3; i-- {
		if entries[i].IsBot() && !entries[i].Pending && entries[i].Text != PlaceholderText {
			out = append(out, strings.ToLower(entries[i].Text))
		}
	}
	return out
}

// buildMessages rebuilds the full conversation context for one completion:
// system prompt, then the session history, then the triggering utterance.
func (r *Responder) buildMessages(latest meeting.TranscriptEntry) []llm.Message {
	history := r.transcripts.Transcript(latest.MeetingID)

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: r.systemPrompt})

	for _, e := range history {
		if e.Pending || e.Text == "" {
			continue
		}
		if e.IsBot() {
			messages = append(messages, llm.Message{Role: "assistant", Content: e.Text})
			continue
		}
		if e.ID != "" && e.ID == latest.ID {
			// The triggering utterance goes last.
			continue
		}
		messages = append(messages, llm.Message{
			Role:    "user",
			Content: fmt.Sprintf("%s: %s", e.Speaker, e.Text),
		})
	}

	messages = append(messages, llm.Message{
		Role:    "user",
		Content: fmt.Sprintf("%s: %s", latest.Speaker, latest.Text),
	})
	return messages
}
