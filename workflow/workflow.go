// Package workflow assembles one provisioning workflow: the state store,
// connection resolver, session controller, event channels, and sequence
// engine for a single loaded solution. It is the facade the UI layer calls.
package workflow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/provstation/backend"
	"github.com/c360/provstation/catalog"
	"github.com/c360/provstation/channel"
	pserr "github.com/c360/provstation/errors"
	"github.com/c360/provstation/metric"
	"github.com/c360/provstation/resolver"
	"github.com/c360/provstation/sequence"
	"github.com/c360/provstation/session"
	"github.com/c360/provstation/state"
)

// sinkRelay breaks the construction cycle between the channel manager and
// the session controller: the manager is built first against the relay, the
// controller is plugged in afterwards.
type sinkRelay struct {
	mu   sync.RWMutex
	sink channel.Sink
}

func (r *sinkRelay) set(s channel.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

func (r *sinkRelay) get() channel.Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sink
}

func (r *sinkRelay) FixRequired(fix channel.FixRequest) {
	if s := r.get(); s != nil {
		s.FixRequired(fix)
	}
}

func (r *sinkRelay) Terminal(deviceID string, status state.Status, message string) {
	if s := r.get(); s != nil {
		s.Terminal(deviceID, status, message)
	}
}

func (r *sinkRelay) ChannelDown(deviceID string, forcedFail bool) {
	if s := r.get(); s != nil {
		s.ChannelDown(deviceID, forcedFail)
	}
}

// Config assembles a workflow's collaborators
type Config struct {
	Solution *catalog.Solution
	Backend  *backend.Client
	Notifier session.Notifier
	Metrics  *metric.Metrics // optional
	Logger   *slog.Logger
}

// Workflow is one active provisioning workflow for one solution
type Workflow struct {
	solution   *catalog.Solution
	store      *state.Store
	backend    *backend.Client
	resolver   *resolver.Resolver
	channels   *channel.Manager
	controller *session.Controller
	sequence   *sequence.Engine
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New wires up a workflow. The device set is empty until SelectPreset runs.
func New(cfg Config) (*Workflow, error) {
	if cfg.Solution == nil {
		return nil, pserr.WrapFatal(pserr.ErrMissingConfig, "workflow", "New", "check solution")
	}
	if cfg.Backend == nil {
		return nil, pserr.WrapFatal(pserr.ErrMissingConfig, "workflow", "New", "check backend client")
	}
	if cfg.Notifier == nil {
		return nil, pserr.WrapFatal(pserr.ErrMissingConfig, "workflow", "New", "check notifier")
	}
	if cfg.Logger == nil {
		return nil, pserr.WrapFatal(pserr.ErrMissingConfig, "workflow", "New", "check logger")
	}

	logger := cfg.Logger.With("solution", cfg.Solution.ID)
	store := state.NewStore()
	relay := &sinkRelay{}
	channels := channel.NewManager(store, relay, cfg.Metrics, logger)
	controller := session.NewController(
		cfg.Solution, store, cfg.Backend, channels, cfg.Notifier, cfg.Metrics, logger)
	relay.set(controller)

	w := &Workflow{
		solution:   cfg.Solution,
		store:      store,
		backend:    cfg.Backend,
		resolver:   resolver.New(cfg.Backend, store, cfg.Metrics, logger),
		channels:   channels,
		controller: controller,
		sequence:   sequence.NewEngine(cfg.Solution, store, logger),
		logger:     logger.With("component", "workflow"),
	}
	w.sequence.Start()
	return w, nil
}

func (w *Workflow) checkOpen(method string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return pserr.WrapFatal(pserr.ErrWorkflowClosed, "workflow", method, "check workflow state")
	}
	return nil
}

// Solution returns the loaded catalog
func (w *Workflow) Solution() *catalog.Solution {
	return w.solution
}

// Store returns the device state store for rendering and subscriptions
func (w *Workflow) Store() *state.Store {
	return w.store
}

// Sequence returns the sequence engine for selection-mode queries
func (w *Workflow) Sequence() *sequence.Engine {
	return w.sequence
}

// SelectPreset activates a preset: the device set is reseeded and all later
// deployment requests carry the preset id
func (w *Workflow) SelectPreset(presetID string) error {
	if err := w.checkOpen("SelectPreset"); err != nil {
		return err
	}
	if err := w.sequence.SelectPreset(presetID); err != nil {
		return err
	}
	w.controller.SetPreset(presetID)
	return nil
}

// serialQueries builds resolution queries for every active device that
// needs a serial port
func (w *Workflow) serialQueries() []resolver.SerialQuery {
	var queries []resolver.SerialQuery
	for _, d := range w.store.List() {
		if !d.Spec.Type.NeedsSerialPort() {
			continue
		}
		q := resolver.SerialQuery{
			DeviceID:  d.Spec.ID,
			Type:      d.Spec.Type,
			PriorPort: d.Port,
		}
		if ref, ok := w.solution.Device(d.Spec.ID); ok {
			q.VendorID = ref.Detection.VendorID
			q.ProductID = ref.Detection.ProductID
		}
		queries = append(queries, q)
	}
	return queries
}

// RefreshSerial re-resolves serial ports for all active serial devices
func (w *Workflow) RefreshSerial(ctx context.Context) error {
	if err := w.checkOpen("RefreshSerial"); err != nil {
		return err
	}
	queries := w.serialQueries()
	if len(queries) == 0 {
		return nil
	}
	return w.resolver.RefreshSerial(ctx, queries)
}

// DetectDevices runs backend device detection and resolves the results
func (w *Workflow) DetectDevices(ctx context.Context) error {
	if err := w.checkOpen("DetectDevices"); err != nil {
		return err
	}
	queries := w.serialQueries()
	if len(queries) == 0 {
		return nil
	}
	return w.resolver.DetectAndResolve(ctx, w.solution.ID, queries)
}

// Discover runs the time-boxed network scan
func (w *Workflow) Discover(ctx context.Context) (resolver.Discovery, error) {
	if err := w.checkOpen("Discover"); err != nil {
		return resolver.Discovery{}, err
	}
	return w.resolver.Discover(ctx)
}

// SelectHost assigns a discovered host to a device's connection
func (w *Workflow) SelectHost(deviceID, host string) error {
	if err := w.checkOpen("SelectHost"); err != nil {
		return err
	}
	return w.resolver.SelectHost(deviceID, host)
}

// TestConnection verifies the device's SSH parameters against the backend
func (w *Workflow) TestConnection(ctx context.Context, deviceID string) (bool, error) {
	if err := w.checkOpen("TestConnection"); err != nil {
		return false, err
	}
	d, ok := w.store.Get(deviceID)
	if !ok {
		return false, pserr.WrapInvalid(pserr.ErrDeviceNotFound, "workflow", "TestConnection", "look up device")
	}
	if d.Connection == nil || d.Connection.Host == "" {
		return false, pserr.WrapInvalid(pserr.ErrConnectionMissing, "workflow", "TestConnection", "check connection parameters")
	}
	port := d.Connection.Port
	if port == 0 {
		port = 22
	}
	return w.backend.TestConnection(ctx, backend.ConnectionParams{
		Host:     d.Connection.Host,
		Port:     port,
		Username: d.Connection.Username,
		Password: d.Connection.Password,
	})
}

// Deploy starts a deployment session for the device
func (w *Workflow) Deploy(ctx context.Context, deviceID string) error {
	if err := w.checkOpen("Deploy"); err != nil {
		return err
	}
	return w.controller.Start(ctx, deviceID)
}

// Redeploy restarts a device that already finished
func (w *Workflow) Redeploy(ctx context.Context, deviceID string) error {
	if err := w.checkOpen("Redeploy"); err != nil {
		return err
	}
	return w.controller.Redeploy(ctx, deviceID)
}

// Cancel requests cancellation of the device's running deployment
func (w *Workflow) Cancel(ctx context.Context, deviceID string) error {
	if err := w.checkOpen("Cancel"); err != nil {
		return err
	}
	return w.controller.Cancel(ctx, deviceID)
}

// ConfirmCompleted marks an instruction-only step done
func (w *Workflow) ConfirmCompleted(deviceID string) error {
	if err := w.checkOpen("ConfirmCompleted"); err != nil {
		return err
	}
	return w.controller.ConfirmCompleted(deviceID)
}

// ConfirmFix approves a pending remediation and resubmits the deployment
func (w *Workflow) ConfirmFix(ctx context.Context, deviceID string) error {
	if err := w.checkOpen("ConfirmFix"); err != nil {
		return err
	}
	return w.controller.ConfirmFix(ctx, deviceID)
}

// CancelFix declines a pending remediation
func (w *Workflow) CancelFix(deviceID string) error {
	if err := w.checkOpen("CancelFix"); err != nil {
		return err
	}
	return w.controller.CancelFix(deviceID)
}

// AllRequiredCompleted reports whether the workflow has finished
func (w *Workflow) AllRequiredCompleted() bool {
	return w.store.AllRequiredCompleted()
}

// Close tears the workflow down: all channels disconnect and the sequence
// engine stops. Close is idempotent; operations after Close fail with a
// closed-workflow error.
func (w *Workflow) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.channels.CloseAll()
	w.sequence.Stop()
	w.logger.Info("workflow closed")
}
