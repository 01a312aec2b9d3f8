// Package session drives individual deployment attempts: it assembles the
// type-specific connection payload, submits the request to the backend,
// opens the event channel for the returned deployment id, and reacts to the
// channel's terminal outcomes. It also owns the remediation flow for
// recoverable failures.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/c360/provstation/backend"
	"github.com/c360/provstation/catalog"
	"github.com/c360/provstation/channel"
	"github.com/c360/provstation/device"
	pserr "github.com/c360/provstation/errors"
	"github.com/c360/provstation/metric"
	"github.com/c360/provstation/state"
)

// Backend is the slice of the backend client the controller uses
type Backend interface {
	StartDeployment(ctx context.Context, req backend.DeploymentRequest) (string, error)
	CancelDeployment(ctx context.Context, deploymentID string) error
	ResolveHost(ctx context.Context, host string) (string, bool)
	ChannelURL(deploymentID string) string
}

// Channels opens and tears down event channels, at most one per device
type Channels interface {
	Open(ctx context.Context, deviceID, deploymentID, url string) (*channel.Channel, error)
	Disconnect(deviceID string)
}

// Notifier surfaces user-facing notifications outside the per-device log
type Notifier interface {
	// Notify shows a transient notification for a device
	Notify(deviceID string, level state.LogLevel, message string)
	// ConfirmFix asks the user to approve or decline a remediation. The
	// answer comes back through ConfirmFix or CancelFix on the controller.
	ConfirmFix(fix channel.FixRequest)
}

const defaultSSHPort = 22

// Controller starts, cancels, and finalizes deployment sessions for the
// devices of one workflow. It implements channel.Sink so channel outcomes
// flow back through it.
type Controller struct {
	solution *catalog.Solution
	store    *state.Store
	backend  Backend
	channels Channels
	notifier Notifier
	metrics  *metric.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	preset   string
	sessions map[string]string
	pending  map[string]channel.FixRequest
}

// NewController creates a session controller. metrics may be nil.
func NewController(solution *catalog.Solution, store *state.Store, be Backend, channels Channels, notifier Notifier, metrics *metric.Metrics, logger *slog.Logger) *Controller {
	return &Controller{
		solution: solution,
		store:    store,
		backend:  be,
		channels: channels,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.With("component", "session"),
		sessions: make(map[string]string),
		pending:  make(map[string]channel.FixRequest),
	}
}

// SetPreset records the preset submitted with every deployment request
func (c *Controller) SetPreset(presetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preset = presetID
}

// Preset returns the currently selected preset id
func (c *Controller) Preset() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preset
}

// DeploymentID returns the device's active deployment id, if any
func (c *Controller) DeploymentID(deviceID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.sessions[deviceID]
	return id, ok
}

// Start submits a deployment for the device and opens its event channel.
// A submission failure marks the device Failed immediately; submissions are
// never retried automatically.
func (c *Controller) Start(ctx context.Context, deviceID string) error {
	return c.start(ctx, deviceID, nil)
}

// Redeploy restarts a device that already reached a terminal status. The
// prior channel, if any, is replaced when the new one opens.
func (c *Controller) Redeploy(ctx context.Context, deviceID string) error {
	d, ok := c.store.Get(deviceID)
	if !ok {
		return pserr.WrapInvalid(pserr.ErrDeviceNotFound, "session", "Redeploy", "look up device")
	}
	if !d.Status.Terminal() && d.Status != state.StatusPending {
		return pserr.WrapInvalid(pserr.ErrNotRedeployable, "session", "Redeploy", "check device status")
	}
	return c.start(ctx, deviceID, nil)
}

func (c *Controller) start(ctx context.Context, deviceID string, fixFlags map[string]any) error {
	d, ok := c.store.Get(deviceID)
	if !ok {
		return pserr.WrapInvalid(pserr.ErrDeviceNotFound, "session", "Start", "look up device")
	}
	if d.Status == state.StatusRunning {
		return pserr.WrapInvalid(pserr.ErrSessionActive, "session", "Start", "check device status")
	}

	ref, ok := c.solution.Device(deviceID)
	if !ok {
		return pserr.WrapInvalid(pserr.ErrDeviceNotFound, "session", "Start", "look up catalog entry")
	}
	traits := device.TraitsFor(d.Spec.Type)
	if !traits.Deployable {
		return pserr.WrapInvalid(pserr.ErrNotRedeployable, "session", "Start", "check device deployability")
	}

	target := d.SelectedTarget
	if target == "" {
		target = ref.DefaultTarget()
	}
	eff := d.Spec.Type.Effective(target, d.UserInputs["deploy_target"])

	conn, err := c.buildConnection(ctx, deviceID, eff, d)
	if err != nil {
		c.failSubmission(deviceID, err)
		return err
	}
	for k, v := range fixFlags {
		conn[k] = v
	}

	req := backend.DeploymentRequest{
		SolutionID:        c.solution.ID,
		PresetID:          c.Preset(),
		SelectedDevices:   []string{deviceID},
		DeviceConnections: map[string]map[string]any{deviceID: conn},
		Options: backend.RequestOptions{
			UserInputs: d.UserInputs,
		},
	}
	if eff == device.TypeDockerLocal || eff == device.TypeDockerRemote {
		req.Options.DeployTarget = string(eff)
	}
	if tgt, found := ref.Targets[target]; found {
		req.Options.ConfigFile = tgt.ConfigFile
	}

	_ = c.store.SetStatus(deviceID, state.StatusPending)
	_ = c.store.SetProgress(deviceID, 0)

	depID, err := c.backend.StartDeployment(ctx, req)
	if err != nil {
		c.failSubmission(deviceID, err)
		return err
	}

	c.mu.Lock()
	c.sessions[deviceID] = depID
	c.mu.Unlock()

	_ = c.store.SetStatus(deviceID, state.StatusRunning)
	_ = c.store.AppendLog(deviceID, state.LevelInfo, "Deployment started")
	if c.metrics != nil {
		c.metrics.RecordDeploymentStarted(c.solution.ID, eff.String())
	}
	c.logger.Info("deployment submitted",
		"device", deviceID, "type", eff, "deployment", depID)

	if _, err := c.channels.Open(ctx, deviceID, depID, c.backend.ChannelURL(depID)); err != nil {
		c.mu.Lock()
		delete(c.sessions, deviceID)
		c.mu.Unlock()
		c.failSubmission(deviceID, err)
		return err
	}
	return nil
}

// buildConnection assembles the connection payload for the device's
// effective type. Hosts ending in .local are resolved up front so the
// backend never blocks on mDNS; resolution failure falls back to the raw
// hostname with a warning in the device log.
func (c *Controller) buildConnection(ctx context.Context, deviceID string, eff device.Type, d state.DeviceState) (map[string]any, error) {
	switch device.TraitsFor(eff).Shape {
	case device.ShapeSerial:
		if d.Port == "" {
			return nil, pserr.WrapInvalid(pserr.ErrPortUnresolved, "session", "Start", "resolve serial port")
		}
		return map[string]any{"port": d.Port}, nil

	case device.ShapeSerialModels:
		if d.Port == "" {
			return nil, pserr.WrapInvalid(pserr.ErrPortUnresolved, "session", "Start", "resolve serial port")
		}
		conn := map[string]any{"port": d.Port}
		if models := splitModels(d.UserInputs["selected_models"]); len(models) > 0 {
			conn["selected_models"] = models
		}
		return conn, nil

	case device.ShapeSSH:
		if d.Connection == nil || d.Connection.Host == "" {
			return nil, pserr.WrapInvalid(pserr.ErrConnectionMissing, "session", "Start", "collect connection parameters")
		}
		host := c.resolveHost(ctx, deviceID, d.Connection.Host)
		port := d.Connection.Port
		if port == 0 {
			port = defaultSSHPort
		}
		return map[string]any{
			"host":     host,
			"port":     port,
			"username": d.Connection.Username,
			"password": d.Connection.Password,
		}, nil

	case device.ShapeCameraWebAPI:
		if d.Connection == nil || d.Connection.Host == "" {
			return nil, pserr.WrapInvalid(pserr.ErrConnectionMissing, "session", "Start", "collect connection parameters")
		}
		host := c.resolveHost(ctx, deviceID, d.Connection.Host)
		username := d.Connection.Username
		if username == "" {
			username = "recamera"
		}
		port := d.Connection.Port
		if port == 0 {
			port = defaultSSHPort
		}
		return map[string]any{
			"recamera_ip":  host,
			"nodered_host": host,
			"ssh_username": username,
			"ssh_password": d.Connection.Password,
			"ssh_port":     port,
		}, nil

	default:
		return map[string]any{}, nil
	}
}

func (c *Controller) resolveHost(ctx context.Context, deviceID, host string) string {
	resolved, ok := c.backend.ResolveHost(ctx, host)
	if !ok && strings.HasSuffix(strings.ToLower(host), ".local") {
		_ = c.store.AppendLog(deviceID, state.LevelWarning,
			fmt.Sprintf("Could not resolve %s; using the hostname directly", host))
	}
	return resolved
}

// failSubmission finalizes a deployment that never got a running channel
func (c *Controller) failSubmission(deviceID string, err error) {
	_ = c.store.AppendLog(deviceID, state.LevelError,
		fmt.Sprintf("Failed to start deployment: %v", err))
	_ = c.store.SetStatus(deviceID, state.StatusFailed)
	c.notifier.Notify(deviceID, state.LevelError, "Deployment could not be started")
	if c.metrics != nil {
		c.metrics.RecordError("session", pserr.Classify(err).String())
	}
	c.logger.Error("deployment submission failed", "device", deviceID, "error", err)
}

// Cancel asks the backend to cancel the device's running deployment. The
// terminal cancelled status arrives over the event channel.
func (c *Controller) Cancel(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	depID, ok := c.sessions[deviceID]
	c.mu.Unlock()
	if !ok {
		return pserr.WrapInvalid(pserr.ErrNoActiveSession, "session", "Cancel", "look up session")
	}

	if err := c.backend.CancelDeployment(ctx, depID); err != nil {
		return pserr.Wrap(err, "session", "Cancel", "cancel deployment")
	}
	_ = c.store.AppendLog(deviceID, state.LevelInfo, "Cancellation requested")
	return nil
}

// ConfirmCompleted marks an instruction-only device as done. Only devices
// whose completion the user confirms accept this call.
func (c *Controller) ConfirmCompleted(deviceID string) error {
	d, ok := c.store.Get(deviceID)
	if !ok {
		return pserr.WrapInvalid(pserr.ErrDeviceNotFound, "session", "ConfirmCompleted", "look up device")
	}
	if device.TraitsFor(d.Spec.Type).Completion != device.CompleteByUser {
		return pserr.WrapInvalid(pserr.ErrNotRedeployable, "session", "ConfirmCompleted", "check completion mode")
	}
	_ = c.store.AppendLog(deviceID, state.LevelSuccess, "Step confirmed complete")
	_ = c.store.SetStatus(deviceID, state.StatusCompleted)
	if c.metrics != nil {
		c.metrics.RecordDeploymentFinished(c.solution.ID, d.Spec.Type.String(), string(state.StatusCompleted))
	}
	return nil
}

// Terminal implements channel.Sink. The generic failure notification is
// suppressed while a remediation prompt is pending for the device.
func (c *Controller) Terminal(deviceID string, status state.Status, message string) {
	c.mu.Lock()
	delete(c.sessions, deviceID)
	_, fixPending := c.pending[deviceID]
	c.mu.Unlock()

	d, ok := c.store.Get(deviceID)
	deviceType := ""
	if ok {
		deviceType = d.Spec.Type.String()
	}
	if c.metrics != nil {
		c.metrics.RecordDeploymentFinished(c.solution.ID, deviceType, string(status))
	}
	c.logger.Info("deployment finished", "device", deviceID, "status", status)

	if fixPending {
		return
	}
	switch status {
	case state.StatusCompleted:
		c.notifier.Notify(deviceID, state.LevelSuccess, "Deployment completed")
	case state.StatusFailed:
		text := "Deployment failed"
		if message != "" {
			text = message
		}
		c.notifier.Notify(deviceID, state.LevelError, text)
	case state.StatusCancelled:
		c.notifier.Notify(deviceID, state.LevelInfo, "Deployment cancelled")
	}
}

// ChannelDown implements channel.Sink
func (c *Controller) ChannelDown(deviceID string, forcedFail bool) {
	c.mu.Lock()
	delete(c.sessions, deviceID)
	c.mu.Unlock()

	if forcedFail {
		d, ok := c.store.Get(deviceID)
		deviceType := ""
		if ok {
			deviceType = d.Spec.Type.String()
		}
		if c.metrics != nil {
			c.metrics.RecordDeploymentFinished(c.solution.ID, deviceType, string(state.StatusFailed))
		}
		c.notifier.Notify(deviceID, state.LevelError, "Connection to deployment lost")
	}
}

func splitModels(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
