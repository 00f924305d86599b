package meeting

import (
	"time"
)

// BotState tracks where the bot is in a meeting's lifecycle.
type BotState int

const (
	// StateIdle means the meeting is known but the bot is not in it.
	StateIdle BotState = iota
	// StateJoining means a join is in flight.
	StateJoining
	// StateConnected means the embedded participant is live in the meeting.
	StateConnected
	// StateError means the last join or session attempt failed.
	StateError
)

func (s BotState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}

// MarshalText lets records serialize state as its name rather than a number.
func (s BotState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Record is the coordinator's view of one meeting on the hosting service.
type Record struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	ParticipantCount int       `json:"participant_count"`
	Running          bool      `json:"running"`
	State            BotState  `json:"state"`
	LastError        string    `json:"last_error,omitempty"`
	JoinedAt         time.Time `json:"joined_at,omitempty"`
	JoinURL          string    `json:"-"`
}

// WordTiming is one recognized word with its absolute offsets and optional
// diarization index.
type WordTiming struct {
	Word       string        `json:"word"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	SpeakerIdx int           `json:"speaker_idx"`
}

// TranscriptEntry is one finalized utterance in a session's history. Bot
// responses use the reserved speaker label below.
type TranscriptEntry struct {
	ID         string       `json:"id"`
	MeetingID  string       `json:"meeting_id"`
	Speaker    string       `json:"speaker"`
	SpeakerIdx int          `json:"speaker_idx"`
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
	Words      []WordTiming `json:"words,omitempty"`
	// Pending marks a placeholder entry that will be amended in place
	// once the bot's reply is ready.
	Pending bool `json:"pending,omitempty"`
}

// BotSpeaker is the speaker label reserved for the bot's own responses.
const BotSpeaker = "Bot"

// IsBot reports whether the entry was produced by the bot itself.
func (e TranscriptEntry) IsBot() bool {
	return e.Speaker == BotSpeaker
}
