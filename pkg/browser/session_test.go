package browser

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"

	"meetbot-server/pkg/meeting"
	"meetbot-server/pkg/metrics"
	"meetbot-server/pkg/rtc"
	"meetbot-server/pkg/stt"
)

func init() {
	metrics.Init(logrus.New())
}

func testEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger.WithField("test", true)
}

func TestSpeakerLabelPrefersSideChannel(t *testing.T) {
	assert.Equal(t, "Alice", speakerLabel(stt.Result{ActiveSpeaker: "Alice", SpeakerIdx: 2}))
	assert.Equal(t, "Speaker 3", speakerLabel(stt.Result{SpeakerIdx: 2}))
	assert.Equal(t, "Speaker 1", speakerLabel(stt.Result{}))
}

func TestConvertWordsCarriesTimings(t *testing.T) {
	words := convertWords([]stt.Word{
		{Word: "hey", Start: 0.5, End: 0.75, Speaker: 1},
	})
	require.Len(t, words, 1)
	assert.Equal(t, "hey", words[0].Word)
	assert.Equal(t, 500*time.Millisecond, words[0].Start)
	assert.Equal(t, 750*time.Millisecond, words[0].End)
	assert.Equal(t, 1, words[0].SpeakerIdx)

	assert.Nil(t, convertWords(nil))
}

func TestLaunchRequiresTranscriptSink(t *testing.T) {
	factory := NewFactory(logrus.New(), FactoryConfig{BotName: "Bot"}, nil, nil)

	_, err := factory.Launch(context.Background(), "m1", "https://conf.example.com/join", meeting.SessionEvents{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transcript sink")
}

func TestTrackEventParsing(t *testing.T) {
	var got rtc.TrackEvent
	c := NewController(testEntry(), Config{}, Events{
		OnTrack: func(ev rtc.TrackEvent) { got = ev },
	})

	_, err := c.onTrackEvent(gson.New(map[string]interface{}{
		"connId":    "pc-1",
		"trackId":   "mic-0",
		"direction": "outbound",
	}))
	require.NoError(t, err)
	assert.Equal(t, "pc-1", got.ConnID)
	assert.Equal(t, "mic-0", got.TrackID)
	assert.Equal(t, rtc.Outbound, got.Direction)

	_, err = c.onTrackEvent(gson.New(map[string]interface{}{
		"connId":    "pc-1",
		"trackId":   "remote-4",
		"direction": "inbound",
	}))
	require.NoError(t, err)
	assert.Equal(t, rtc.Inbound, got.Direction)
}

func TestStateEventParsing(t *testing.T) {
	var got rtc.StateEvent
	c := NewController(testEntry(), Config{}, Events{
		OnState: func(ev rtc.StateEvent) { got = ev },
	})

	for raw, want := range map[string]rtc.ConnState{
		"new":          rtc.StateNew,
		"connecting":   rtc.StateConnecting,
		"connected":    rtc.StateConnected,
		"disconnected": rtc.StateDisconnected,
		"failed":       rtc.StateFailed,
		"closed":       rtc.StateClosed,
		"garbage":      rtc.StateNew,
	} {
		_, err := c.onStateEvent(gson.New(map[string]interface{}{
			"connId": "pc-2",
			"state":  raw,
		}))
		require.NoError(t, err)
		assert.Equal(t, want, got.State, "state %q", raw)
	}
}

func TestAudioFrameDecoding(t *testing.T) {
	var frames []rtc.AudioFrame
	c := NewController(testEntry(), Config{}, Events{
		OnFrame: func(f rtc.AudioFrame) { frames = append(frames, f) },
	})

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	_, err := c.onAudioFrame(gson.New(map[string]interface{}{
		"trackId": "remote-1",
		"pcm":     base64.StdEncoding.EncodeToString(pcm),
	}))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "remote-1", frames[0].TrackID)
	assert.Equal(t, pcm, frames[0].PCM)

	// Undecodable payloads are dropped, not fatal.
	_, err = c.onAudioFrame(gson.New(map[string]interface{}{
		"trackId": "remote-1",
		"pcm":     "not base64!!",
	}))
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func TestPlaybackEndedResolvesWaiter(t *testing.T) {
	c := NewController(testEntry(), Config{}, Events{})
	done := make(chan error, 1)
	c.mutex.Lock()
	c.playWaiters["src-1"] = done
	c.mutex.Unlock()

	_, err := c.onPlaybackEnded(gson.New(map[string]interface{}{"sourceId": "src-1"}))
	require.NoError(t, err)

	select {
	case playErr := <-done:
		assert.NoError(t, playErr)
	default:
		t.Fatal("waiter was not resolved")
	}

	// Unknown source ids are ignored.
	_, err = c.onPlaybackEnded(gson.New(map[string]interface{}{"sourceId": "src-2"}))
	assert.NoError(t, err)
}

func TestPageScriptWiresExposedCallbacks(t *testing.T) {
	for _, hook := range []string{
		"meetbotTrackEvent",
		"meetbotStateEvent",
		"meetbotAudioFrame",
		"meetbotPlaybackEnded",
		"replaceTrack",
		"buildSource",
	} {
		assert.True(t, strings.Contains(pageScript, hook), "page script missing %s", hook)
	}
}
