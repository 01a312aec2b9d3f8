// Package channel maintains one WebSocket event channel per deployment
// attempt. The channel streams typed events (log lines, status changes,
// progress, exceptional conditions) into the state store and reconnects
// automatically on abnormal loss. A device whose channel dies abnormally
// while still Running is forced to Failed so the UI never shows a
// perpetually running deployment.
package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	pserr "github.com/c360/provstation/errors"
	"github.com/c360/provstation/metric"
	"github.com/c360/provstation/pkg/retry"
	"github.com/c360/provstation/state"
)

// Sink receives the channel outcomes the channel cannot apply to the store
// by itself: exceptional conditions and terminal notifications
type Sink interface {
	// FixRequired is called for a recoverable exceptional condition. The
	// device has already been marked Failed with FixPending set.
	FixRequired(fix FixRequest)
	// Terminal is called when the backend reports a terminal status for
	// the device
	Terminal(deviceID string, status state.Status, message string)
	// ChannelDown is called when the channel ends abnormally with no
	// reconnection attempts left. forcedFail is true when the device was
	// still Running and has been forced to Failed.
	ChannelDown(deviceID string, forcedFail bool)
}

const writeTimeout = 5 * time.Second

// Channel is one live event channel for one deployment attempt
type Channel struct {
	deviceID     string
	deploymentID string
	url          string

	store    *state.Store
	sink     Sink
	metrics  *metric.Metrics
	logger   *slog.Logger
	dialer   *websocket.Dialer
	retryCfg retry.Config

	writeMu sync.Mutex
	conn    *websocket.Conn
	connMu  sync.Mutex

	closed atomic.Bool
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a channel beyond its identifiers
type Options struct {
	Store   *state.Store
	Sink    Sink
	Metrics *metric.Metrics // optional
	Logger  *slog.Logger
	Dialer  *websocket.Dialer // optional, defaults to websocket.DefaultDialer
	// Retry overrides the reconnect schedule, used by tests
	Retry retry.Config
}

// New creates a channel for one deploymentId. Connect must be called before
// events flow.
func New(deviceID, deploymentID, url string, opts Options) *Channel {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	cfg := opts.Retry
	if cfg.MaxAttempts == 0 {
		cfg = retry.Reconnect()
	}
	return &Channel{
		deviceID:     deviceID,
		deploymentID: deploymentID,
		url:          url,
		store:        opts.Store,
		sink:         opts.Sink,
		metrics:      opts.Metrics,
		logger: opts.Logger.With(
			"component", "channel",
			"device", deviceID,
			"deployment", deploymentID),
		dialer:   dialer,
		retryCfg: cfg,
		done:     make(chan struct{}),
	}
}

// Connect dials the channel and starts the reader. The initial dial is not
// retried; a deployment whose channel never opens surfaces the error to the
// caller instead.
func (c *Channel) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return pserr.WrapTransient(err, "channel", "Connect", "dial event channel")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if c.metrics != nil {
		c.metrics.RecordChannelOpen(true)
	}
	go c.run(runCtx)
	return nil
}

// Done is closed when the channel has permanently ended
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// DeploymentID returns the deployment this channel belongs to
func (c *Channel) DeploymentID() string {
	return c.deploymentID
}

// Disconnect ends the channel. Idempotent: disconnecting an already
// disconnected channel is a no-op.
func (c *Channel) Disconnect() {
	c.once.Do(func() {
		c.closed.Store(true)
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		if c.cancel != nil {
			c.cancel()
		}
	})
}

func (c *Channel) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// run owns the reader loop and the reconnect policy. One outage gets up to
// MaxAttempts reconnects with exponentially increasing delays; a successful
// reconnect resets the counter.
func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordChannelOpen(false)
		}
	}()

	for {
		err := c.readLoop()

		if c.closed.Load() || ctx.Err() != nil || isNormalClose(err) {
			c.logger.Debug("event channel closed normally")
			return
		}

		c.logger.Warn("event channel lost abnormally", "error", err)
		if !c.reconnect(ctx) {
			c.endAbnormally()
			return
		}
	}
}

func (c *Channel) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= c.retryCfg.MaxAttempts; attempt++ {
		delay := c.retryCfg.Delay(attempt + 1)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if c.closed.Load() {
			return false
		}

		if c.metrics != nil {
			c.metrics.RecordChannelReconnect()
		}
		c.logger.Info("reconnecting event channel", "attempt", attempt, "delay", delay)
		if err := c.dial(ctx); err == nil {
			c.logger.Info("event channel reconnected", "attempt", attempt)
			return true
		}
	}
	c.logger.Error("event channel reconnection exhausted",
		"attempts", c.retryCfg.MaxAttempts)
	return false
}

// endAbnormally finalizes a channel that died with no attempts left. A
// device still Running is forced to Failed with a synthetic log entry.
func (c *Channel) endAbnormally() {
	forced := false
	if d, ok := c.store.Get(c.deviceID); ok && d.Status == state.StatusRunning {
		forced = true
		_ = c.store.AppendLog(c.deviceID, state.LevelError,
			"Connection to deployment lost; marking as failed")
		_ = c.store.SetStatus(c.deviceID, state.StatusFailed)
	}
	c.sink.ChannelDown(c.deviceID, forced)
}

func (c *Channel) readLoop() error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return pserr.ErrChannelClosed
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed payloads are logged and skipped; device status
			// never changes because of one.
			c.logger.Warn("malformed channel payload", "error", err)
			continue
		}
		c.apply(msg)
	}
}

func (c *Channel) apply(msg Message) {
	if c.metrics != nil {
		c.metrics.RecordChannelEvent(msg.Type)
	}

	deviceID := msg.DeviceID
	if deviceID == "" {
		deviceID = c.deviceID
	}

	switch msg.Type {
	case TypeLog:
		_ = c.store.AppendLog(deviceID, logLevel(msg.Level), msg.Message)

	case TypeStatus:
		status, ok := parseStatus(msg.Status)
		if !ok {
			c.logger.Warn("unknown status value", "status", msg.Status)
			return
		}
		_ = c.store.SetStatus(deviceID, status)
		if msg.Progress > 0 {
			_ = c.store.SetProgress(deviceID, msg.Progress)
		}
		if status.Terminal() {
			c.sink.Terminal(deviceID, status, msg.Message)
		}

	case TypeProgress:
		_ = c.store.SetProgress(deviceID, msg.Progress)

	case TypeDeviceStarted:
		_ = c.store.SetStatus(deviceID, state.StatusRunning)

	case TypePreCheckStarted:
		_ = c.store.AppendLog(deviceID, state.LevelInfo, "Pre-deployment check started")

	case TypePreCheckPassed:
		_ = c.store.AppendLog(deviceID, state.LevelSuccess, "Pre-deployment check passed")

	case TypePreCheckFailed:
		text := "Pre-deployment check failed"
		if msg.Reason != "" {
			text += ": " + msg.Reason
		}
		_ = c.store.AppendLog(deviceID, state.LevelError, text)

	case TypeDeviceCompleted:
		status := state.StatusCompleted
		if msg.Status == "failed" {
			status = state.StatusFailed
		} else if msg.Status == "skipped" {
			_ = c.store.AppendLog(deviceID, state.LevelInfo, "Device skipped")
		}
		_ = c.store.SetStatus(deviceID, status)
		c.sink.Terminal(deviceID, status, msg.Message)

	case TypeDeploymentCompleted:
		status, ok := parseStatus(msg.Status)
		if !ok {
			status = state.StatusCompleted
		}
		if d, found := c.store.Get(c.deviceID); found && !d.Status.Terminal() {
			_ = c.store.SetStatus(c.deviceID, status)
			c.sink.Terminal(c.deviceID, status, msg.Message)
		}

	case TypeDockerNotInstalled:
		c.applyFix(deviceID, msg)

	case TypePing:
		c.send(Message{Type: TypePong})

	case TypePong:
		// Heartbeat reply, nothing to do.

	default:
		// Unknown event types are ignored, not errors.
		c.logger.Debug("ignoring unknown event type", "type", msg.Type)
	}
}

// applyFix routes a recoverable exceptional condition to the sink. The
// generic failure notification is suppressed by FixPending; a condition the
// backend cannot auto-fix surfaces as an ordinary failure instead.
func (c *Channel) applyFix(deviceID string, msg Message) {
	fixAction := msg.FixAction
	if fixAction == "" {
		fixAction = fixActionForIssue(msg.Issue)
	}
	canFix := msg.CanAutoFix || fixAction != ""

	text := msg.Message
	if text == "" {
		text = "Docker is not available on the target device"
	}

	if !canFix {
		_ = c.store.AppendLog(deviceID, state.LevelError, text)
		_ = c.store.SetStatus(deviceID, state.StatusFailed)
		c.sink.Terminal(deviceID, state.StatusFailed, text)
		return
	}

	_ = c.store.AppendLog(deviceID, state.LevelError, text)
	_ = c.store.SetStatus(deviceID, state.StatusFailed)
	_ = c.store.SetFixPending(deviceID, true)
	c.sink.FixRequired(FixRequest{
		DeviceID:   deviceID,
		Host:       msg.Host,
		Issue:      msg.Issue,
		FixAction:  fixAction,
		Message:    text,
		CanAutoFix: true,
	})
}

func (c *Channel) send(msg Message) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		c.logger.Warn("channel write failed", "type", msg.Type, "error", err)
	}
}

func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
