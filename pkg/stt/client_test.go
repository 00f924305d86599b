package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbot-server/pkg/metrics"
)

func init() {
	metrics.Init(logrus.New())
}

var testUpgrader = websocket.Upgrader{}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testLogger(t *testing.T) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger.WithField("test", t.Name())
}

// readStart consumes the client's stream-start message.
func readStart(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var start startMessage
	require.NoError(t, conn.ReadJSON(&start))
	require.Equal(t, "start", start.Type)
	require.Equal(t, 16000, start.SampleRate)
}

func TestClientDeliversFinalsOnly(t *testing.T) {
	results := make(chan Result, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		readStart(t, conn)

		interim := `{"type":"transcript","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.4}]}}`
		final := `{"type":"transcript","is_final":true,"active_speaker":"Alice","channel":{"alternatives":[{"transcript":"hello there","confidence":0.93,"words":[{"word":"hello","start":0.1,"end":0.4,"speaker":1},{"word":"there","start":0.4,"end":0.7,"speaker":1}]}]}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(interim)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(final)))

		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.ReadMessage()
	}))
	defer server.Close()

	client := NewClient(testLogger(t), DefaultConfig(wsURL(server)), func(r Result) { results <- r })
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	select {
	case got := <-results:
		assert.Equal(t, "hello there", got.Text)
		assert.Equal(t, "Alice", got.ActiveSpeaker)
		assert.Equal(t, 1, got.SpeakerIdx)
		assert.InDelta(t, 0.93, got.Confidence, 0.001)
		assert.Len(t, got.Words, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("final transcript never delivered")
	}

	select {
	case extra := <-results:
		t.Fatalf("interim result leaked upward: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientForwardsAudioFrames(t *testing.T) {
	frames := make(chan []byte, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		readStart(t, conn)

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				frames <- data
			}
		}
	}))
	defer server.Close()

	client := NewClient(testLogger(t), DefaultConfig(wsURL(server)), nil)
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	client.SendAudio([]byte{0x01, 0x02, 0x03, 0x04})

	select {
	case got := <-frames:
		assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("audio frame never reached the server")
	}
}

func TestClientReconnectBackoffTiming(t *testing.T) {
	var mutex sync.Mutex
	var dialTimes []time.Time
	dropFirst := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		dialTimes = append(dialTimes, time.Now())
		n := len(dialTimes)
		mutex.Unlock()

		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		readStart(t, conn)

		if n == 1 {
			// Abnormal drop: no close handshake.
			conn.Close()
			close(dropFirst)
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer server.Close()

	cfg := DefaultConfig(wsURL(server))
	cfg.ReconnectBackoff = 50 * time.Millisecond
	cfg.ReconnectMax = 3

	client := NewClient(testLogger(t), cfg, nil)
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	<-dropFirst
	require.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(dialTimes) >= 2
	}, 2*time.Second, 10*time.Millisecond, "client never redialed")

	mutex.Lock()
	gap := dialTimes[1].Sub(dialTimes[0])
	mutex.Unlock()
	assert.GreaterOrEqual(t, gap, 50*time.Millisecond, "first reconnect attempt must wait at least the base delay")
}

func TestClientStopsAfterMaxReconnects(t *testing.T) {
	var mutex sync.Mutex
	dials := 0
	downErr := make(chan error, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		dials++
		n := dials
		mutex.Unlock()

		if n > 1 {
			// Refuse every reconnect.
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		readStart(t, conn)
		conn.Close()
	}))
	defer server.Close()

	cfg := DefaultConfig(wsURL(server))
	cfg.ReconnectBackoff = 10 * time.Millisecond
	cfg.ReconnectMax = 2

	client := NewClient(testLogger(t), cfg, nil)
	client.OnDown = func(err error) { downErr <- err }
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	select {
	case err := <-downErr:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("OnDown never fired")
	}

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 3, dials, "one initial dial plus exactly ReconnectMax attempts")
}

func TestClientNormalClosureDoesNotReconnect(t *testing.T) {
	var mutex sync.Mutex
	dials := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		dials++
		mutex.Unlock()

		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		readStart(t, conn)

		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), deadline)
		conn.ReadMessage()
	}))
	defer server.Close()

	cfg := DefaultConfig(wsURL(server))
	cfg.ReconnectBackoff = 10 * time.Millisecond

	client := NewClient(testLogger(t), cfg, nil)
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	time.Sleep(200 * time.Millisecond)
	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 1, dials, "a normal closure must not trigger reconnection")
}

func TestClientGoingAwayTriggersReconnect(t *testing.T) {
	var mutex sync.Mutex
	dials := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		dials++
		first := dials == 1
		mutex.Unlock()

		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		readStart(t, conn)

		if first {
			// A restarting upstream says going-away; that is not an
			// intentional end of the stream.
			deadline := time.Now().Add(time.Second)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting"), deadline)
		}
		conn.ReadMessage()
	}))
	defer server.Close()

	cfg := DefaultConfig(wsURL(server))
	cfg.ReconnectBackoff = 10 * time.Millisecond

	client := NewClient(testLogger(t), cfg, nil)
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	require.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return dials == 2
	}, 2*time.Second, 10*time.Millisecond, "going-away closure must trigger reconnection")
}

func TestDominantSpeaker(t *testing.T) {
	words := []Word{
		{Word: "so", Speaker: 0},
		{Word: "anyway", Speaker: 2},
		{Word: "as", Speaker: 2},
		{Word: "I", Speaker: 2},
		{Word: "said", Speaker: 0},
	}
	assert.Equal(t, 2, dominantSpeaker(words))
	assert.Equal(t, 0, dominantSpeaker(nil))
}

func TestResponseParsing(t *testing.T) {
	raw := `{"type":"transcript","is_final":true,"channel":{"alternatives":[]}}`
	var resp wsResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))

	client := NewClient(testLogger(t), DefaultConfig("ws://unused"), func(Result) {
		t.Fatal("empty alternatives must not produce a result")
	})
	client.handleResponse(&resp)
}
