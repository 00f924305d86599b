// Package rtc models the media plane of one embedded meeting session: it
// tracks every peer connection the meeting page creates, owns the binding
// to the live outbound audio sender, and performs track substitution for
// synthesized speech. All page-side effects go through the Bridge
// interface; the page reports back through the typed events below.
package rtc

import (
	"context"
	"errors"
	"time"
)

// ErrConnectionClosed is returned by Bridge implementations when the target
// peer connection is closed or failed. The engine treats it as a signal to
// rediscover the active sender rather than give up.
var ErrConnectionClosed = errors.New("peer connection closed")

// Direction tells whether a track carries remote audio into the bot or the
// bot's own audio out to the meeting.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// ConnState mirrors the page-side peer connection state.
type ConnState int

const (
	StateNew ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// usable reports whether a connection in this state can carry the bot's
// outbound audio.
func (s ConnState) usable() bool {
	return s == StateNew || s == StateConnecting || s == StateConnected
}

// TrackEvent reports a track appearing on a peer connection inside the page.
type TrackEvent struct {
	ConnID    string
	TrackID   string
	Direction Direction
}

// StateEvent reports a peer connection state transition inside the page.
type StateEvent struct {
	ConnID string
	State  ConnState
}

// AudioFrame carries one chunk of 16kHz mono s16le PCM captured from a
// remote track. Frames are fire-and-forget; there is no backpressure.
type AudioFrame struct {
	TrackID string
	PCM     []byte
}

// Bridge is the set of media primitives the page exposes to this side of
// the process boundary. The browser controller implements it over the
// embedded page; tests substitute a fake.
type Bridge interface {
	// CaptureTrack attaches the PCM extraction pipeline to an inbound
	// remote track. Called at most once per track.
	CaptureTrack(ctx context.Context, trackID string) error

	// BuildSource creates a playable synthetic audio source from
	// normalized float samples at the given rate and returns its id.
	BuildSource(ctx context.Context, samples []float64, sampleRate int) (string, error)

	// ReplaceTrack swaps the audio sender's track on the given connection
	// without renegotiating. trackID names either a synthetic source's
	// track or the original microphone track.
	ReplaceTrack(ctx context.Context, connID, trackID string) error

	// Play starts playback of a synthetic source and returns when it ends
	// naturally or fails.
	Play(ctx context.Context, sourceID string) error

	// StopSource releases a synthetic source's resources.
	StopSource(ctx context.Context, sourceID string) error
}

// BindingState is a point-in-time snapshot of the audio path.
type BindingState struct {
	ConnID          string
	OriginalTrackID string
	Generation      uint64
	CapturedAt      time.Time
}
