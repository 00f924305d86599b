// Package browser drives the embedded participant: a headless Chromium
// page joined into the meeting, instrumented so the Go side sees every
// peer connection and can substitute the outbound audio track.
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"
	"github.com/ysmood/gson"

	"meetbot-server/pkg/rtc"
)

// Config controls browser startup.
type Config struct {
	// Bin is the Chromium binary path; empty lets the launcher resolve one.
	Bin      string
	Headless bool
	// PageTimeout bounds navigation and readiness waits.
	PageTimeout time.Duration
}

// Events are the controller's upward notifications.
type Events struct {
	OnTrack func(rtc.TrackEvent)
	OnState func(rtc.StateEvent)
	OnFrame func(rtc.AudioFrame)
	// OnClosed fires once when the page goes away on its own: crash,
	// navigation loss, remote hangup closing the tab.
	OnClosed func(err error)
}

// Controller owns one browser instance and one meeting page. It implements
// rtc.Bridge over the injected page script.
type Controller struct {
	logger *logrus.Entry
	config Config
	events Events

	browser  *rod.Browser
	launcher *launcher.Launcher
	page     *rod.Page

	mutex       sync.Mutex
	playWaiters map[string]chan error
	closed      bool
	closeOnce   sync.Once
}

// NewController creates a controller; Open starts the browser.
func NewController(logger *logrus.Entry, config Config, events Events) *Controller {
	if config.PageTimeout <= 0 {
		config.PageTimeout = 60 * time.Second
	}
	return &Controller{
		logger:      logger,
		config:      config,
		events:      events,
		playWaiters: make(map[string]chan error),
	}
}

// Open launches the browser, instruments a fresh page and navigates it to
// the join URL. The meeting client connects on its own from there.
func (c *Controller) Open(ctx context.Context, joinURL string) error {
	l := launcher.New().
		Headless(c.config.Headless).
		Devtools(false).
		Set("no-sandbox").
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("autoplay-policy", "no-user-gesture-required").
		Set("use-fake-ui-for-media-stream")
	if c.config.Bin != "" {
		l = l.Bin(c.config.Bin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	c.launcher = l

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("failed to connect to browser: %w", err)
	}
	c.browser = browser

	grant := proto.BrowserGrantPermissions{
		Permissions: []proto.BrowserPermissionType{
			proto.BrowserPermissionTypeAudioCapture,
			proto.BrowserPermissionTypeVideoCapture,
		},
	}
	if err := grant.Call(browser); err != nil {
		c.shutdownBrowser()
		return fmt.Errorf("failed to grant media permissions: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		c.shutdownBrowser()
		return fmt.Errorf("failed to open page: %w", err)
	}
	c.page = page

	if err := c.instrument(page); err != nil {
		c.shutdownBrowser()
		return err
	}

	navCtx, cancel := context.WithTimeout(ctx, c.config.PageTimeout)
	defer cancel()
	timed := page.Context(navCtx)
	if err := timed.Navigate(joinURL); err != nil {
		c.shutdownBrowser()
		return fmt.Errorf("failed to navigate to join URL: %w", err)
	}
	if err := timed.WaitLoad(); err != nil {
		c.shutdownBrowser()
		return fmt.Errorf("meeting page never finished loading: %w", err)
	}

	go c.watchPage()

	c.logger.Info("Embedded participant page ready")
	return nil
}

// instrument installs the page script and the exposed callbacks before any
// meeting client code runs.
func (c *Controller) instrument(page *rod.Page) error {
	expose := func(name string, fn func(gson.JSON) (interface{}, error)) error {
		if _, err := page.Expose(name, fn); err != nil {
			return fmt.Errorf("failed to expose %s: %w", name, err)
		}
		return nil
	}

	if err := expose("meetbotTrackEvent", c.onTrackEvent); err != nil {
		return err
	}
	if err := expose("meetbotStateEvent", c.onStateEvent); err != nil {
		return err
	}
	if err := expose("meetbotAudioFrame", c.onAudioFrame); err != nil {
		return err
	}
	if err := expose("meetbotPlaybackEnded", c.onPlaybackEnded); err != nil {
		return err
	}

	if _, err := page.EvalOnNewDocument(pageScript); err != nil {
		return fmt.Errorf("failed to install page script: %w", err)
	}
	return nil
}

func (c *Controller) onTrackEvent(data gson.JSON) (interface{}, error) {
	ev := rtc.TrackEvent{
		ConnID:  data.Get("connId").Str(),
		TrackID: data.Get("trackId").Str(),
	}
	if data.Get("direction").Str() == "outbound" {
		ev.Direction = rtc.Outbound
	}
	if c.events.OnTrack != nil {
		c.events.OnTrack(ev)
	}
	return nil, nil
}

func (c *Controller) onStateEvent(data gson.JSON) (interface{}, error) {
	ev := rtc.StateEvent{
		ConnID: data.Get("connId").Str(),
		State:  parseConnState(data.Get("state").Str()),
	}
	if c.events.OnState != nil {
		c.events.OnState(ev)
	}
	return nil, nil
}

func (c *Controller) onAudioFrame(data gson.JSON) (interface{}, error) {
	pcm, err := base64.StdEncoding.DecodeString(data.Get("pcm").Str())
	if err != nil {
		c.logger.WithError(err).Debug("Dropping undecodable audio frame")
		return nil, nil
	}
	if c.events.OnFrame != nil {
		c.events.OnFrame(rtc.AudioFrame{
			TrackID: data.Get("trackId").Str(),
			PCM:     pcm,
		})
	}
	return nil, nil
}

func (c *Controller) onPlaybackEnded(data gson.JSON) (interface{}, error) {
	sourceID := data.Get("sourceId").Str()
	c.mutex.Lock()
	waiter, ok := c.playWaiters[sourceID]
	delete(c.playWaiters, sourceID)
	c.mutex.Unlock()
	if ok {
		waiter <- nil
	}
	return nil, nil
}

func parseConnState(s string) rtc.ConnState {
	switch s {
	case "new":
		return rtc.StateNew
	case "connecting":
		return rtc.StateConnecting
	case "connected":
		return rtc.StateConnected
	case "disconnected":
		return rtc.StateDisconnected
	case "failed":
		return rtc.StateFailed
	case "closed":
		return rtc.StateClosed
	}
	return rtc.StateNew
}

// watchPage fires OnClosed when the page dies underneath us.
func (c *Controller) watchPage() {
	wait := c.page.EachEvent(func(e *proto.InspectorTargetCrashed) (stop bool) {
		return true
	})
	wait()

	c.mutex.Lock()
	closed := c.closed
	c.mutex.Unlock()
	if closed {
		return
	}
	c.logger.Warn("Meeting page gone")
	if c.events.OnClosed != nil {
		c.events.OnClosed(fmt.Errorf("meeting page closed unexpectedly"))
	}
}

// eval runs one page-script primitive with the given context.
func (c *Controller) eval(ctx context.Context, js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	c.mutex.Lock()
	page := c.page
	closed := c.closed
	c.mutex.Unlock()
	if closed || page == nil {
		return nil, rtc.ErrConnectionClosed
	}

	obj, err := page.Context(ctx).Eval(js, args...)
	if err != nil {
		if strings.Contains(err.Error(), "connection closed") {
			return nil, rtc.ErrConnectionClosed
		}
		return nil, err
	}
	return obj, nil
}

// CaptureTrack implements rtc.Bridge.
func (c *Controller) CaptureTrack(ctx context.Context, trackID string) error {
	_, err := c.eval(ctx, `(id) => window.__meetbot.captureTrack(id)`, trackID)
	if err != nil {
		return fmt.Errorf("failed to capture track %s: %w", trackID, err)
	}
	return nil
}

// BuildSource implements rtc.Bridge. Samples cross the boundary as base64
// s16le to keep the Eval payload compact.
func (c *Controller) BuildSource(ctx context.Context, samples []float64, sampleRate int) (string, error) {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	b64 := base64.StdEncoding.EncodeToString(pcm)

	obj, err := c.eval(ctx, `(b64, rate) => window.__meetbot.buildSource(b64, rate)`, b64, sampleRate)
	if err != nil {
		return "", fmt.Errorf("failed to build audio source: %w", err)
	}
	return obj.Value.Str(), nil
}

// ReplaceTrack implements rtc.Bridge.
func (c *Controller) ReplaceTrack(ctx context.Context, connID, trackID string) error {
	_, err := c.eval(ctx, `(connId, trackId) => window.__meetbot.replaceTrack(connId, trackId)`, connID, trackID)
	if err != nil {
		if err == rtc.ErrConnectionClosed {
			return err
		}
		return fmt.Errorf("failed to replace track on %s: %w", connID, err)
	}
	return nil
}

// Play implements rtc.Bridge. It blocks until the page reports the source
// ended naturally.
func (c *Controller) Play(ctx context.Context, sourceID string) error {
	done := make(chan error, 1)
	c.mutex.Lock()
	c.playWaiters[sourceID] = done
	c.mutex.Unlock()

	if _, err := c.eval(ctx, `(id) => window.__meetbot.play(id)`, sourceID); err != nil {
		c.mutex.Lock()
		delete(c.playWaiters, sourceID)
		c.mutex.Unlock()
		return fmt.Errorf("failed to start playback: %w", err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.mutex.Lock()
		delete(c.playWaiters, sourceID)
		c.mutex.Unlock()
		return ctx.Err()
	}
}

// StopSource implements rtc.Bridge.
func (c *Controller) StopSource(ctx context.Context, sourceID string) error {
	c.mutex.Lock()
	if waiter, ok := c.playWaiters[sourceID]; ok {
		delete(c.playWaiters, sourceID)
		waiter <- rtc.ErrConnectionClosed
	}
	c.mutex.Unlock()

	_, err := c.eval(ctx, `(id) => window.__meetbot.stopSource(id)`, sourceID)
	if err != nil {
		return fmt.Errorf("failed to release source %s: %w", sourceID, err)
	}
	return nil
}

// Close shuts the page and browser down. Safe to call more than once; the
// OnClosed event never fires for an explicit close.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mutex.Lock()
		c.closed = true
		for id, waiter := range c.playWaiters {
			delete(c.playWaiters, id)
			waiter <- rtc.ErrConnectionClosed
		}
		c.mutex.Unlock()

		c.shutdownBrowser()
		c.logger.Info("Embedded participant closed")
	})
}

func (c *Controller) shutdownBrowser() {
	if c.page != nil {
		if err := c.page.Close(); err != nil {
			c.logger.WithError(err).Debug("Page close reported an error")
		}
	}
	if c.browser != nil {
		if err := c.browser.Close(); err != nil {
			c.logger.WithError(err).Debug("Browser close reported an error")
		}
	}
	if c.launcher != nil {
		c.launcher.Kill()
	}
}
