// Package sequence keeps the device list in step with the user's choices.
// It reseeds the active set when a preset is picked, advances the open
// section as devices complete in sequential mode, and tracks device group
// selections, which influence instructional content but never device state.
package sequence

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/provstation/catalog"
	pserr "github.com/c360/provstation/errors"
	"github.com/c360/provstation/state"
)

// Engine reacts to store events and preset changes for one workflow
type Engine struct {
	solution *catalog.Solution
	store    *state.Store
	logger   *slog.Logger

	mu      sync.Mutex
	preset  string
	groups  map[string][]string
	sub     *state.Subscription
	started bool

	done chan struct{}
}

// NewEngine creates a sequence engine for one solution
func NewEngine(solution *catalog.Solution, store *state.Store, logger *slog.Logger) *Engine {
	return &Engine{
		solution: solution,
		store:    store,
		logger:   logger.With("component", "sequence"),
		groups:   make(map[string][]string),
		done:     make(chan struct{}),
	}
}

// Start subscribes to store events and begins advancing sections. Calling
// Start twice is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.sub = e.store.Subscribe()
	sub := e.sub
	e.mu.Unlock()

	go e.loop(sub)
}

// Stop unsubscribes and waits for the event loop to exit
func (e *Engine) Stop() {
	e.mu.Lock()
	sub := e.sub
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}
	e.store.Unsubscribe(sub)
	<-e.done
}

func (e *Engine) loop(sub *state.Subscription) {
	defer close(e.done)
	for ev := range sub.C {
		if ev.Kind == state.EventStatusChanged && ev.Status == state.StatusCompleted {
			e.advance(ev.DeviceID)
		}
	}
}

// SelectPreset reseeds the active device set for the preset. Devices that
// stay active keep their state; group selections from the prior preset are
// discarded.
func (e *Engine) SelectPreset(presetID string) error {
	active, err := e.solution.ActiveDevices(presetID)
	if err != nil {
		return err
	}

	specs := make([]state.Spec, len(active))
	for i, d := range active {
		specs[i] = state.Spec{ID: d.ID, Type: d.Type, Required: d.Required}
	}
	e.store.Seed(specs)

	e.mu.Lock()
	e.preset = presetID
	e.groups = make(map[string][]string)
	e.mu.Unlock()

	e.logger.Info("preset selected", "preset", presetID, "devices", len(specs))
	e.openFirstActionable()
	return nil
}

// ActivePreset returns the currently selected preset id
func (e *Engine) ActivePreset() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.preset
}

// SelectGroupOption records the user's pick for a device group. Group
// choices drive instructional content only; no device state changes.
func (e *Engine) SelectGroupOption(groupID string, optionIDs ...string) error {
	group, err := e.findGroup(groupID)
	if err != nil {
		return err
	}

	if group.Selection == catalog.GroupSingle && len(optionIDs) != 1 {
		return pserr.WrapInvalid(
			fmt.Errorf("group %q requires exactly one option", groupID),
			"sequence", "SelectGroupOption", "validate selection")
	}
	known := make(map[string]bool, len(group.Options))
	for _, opt := range group.Options {
		known[opt.ID] = true
	}
	for _, id := range optionIDs {
		if !known[id] {
			return pserr.WrapInvalid(
				fmt.Errorf("group %q has no option %q", groupID, id),
				"sequence", "SelectGroupOption", "validate selection")
		}
	}

	e.mu.Lock()
	e.groups[groupID] = append([]string(nil), optionIDs...)
	e.mu.Unlock()
	return nil
}

// GroupSelection returns the recorded pick for a device group
func (e *Engine) GroupSelection(groupID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.groups[groupID]...)
}

func (e *Engine) findGroup(groupID string) (catalog.DeviceGroup, error) {
	e.mu.Lock()
	presetID := e.preset
	e.mu.Unlock()

	preset, ok := e.solution.Preset(presetID)
	if ok {
		for _, g := range preset.DeviceGroups {
			if g.ID == groupID {
				return g, nil
			}
		}
	}
	return catalog.DeviceGroup{}, pserr.WrapInvalid(
		fmt.Errorf("unknown device group %q", groupID),
		"sequence", "SelectGroupOption", "look up group")
}

// Selectable reports whether the user may pick the device. In single-choice
// mode a completed device cannot be picked again.
func (e *Engine) Selectable(deviceID string) bool {
	d, ok := e.store.Get(deviceID)
	if !ok {
		return false
	}
	if e.solution.SelectionMode == catalog.SelectionSingleChoice {
		return d.Status != state.StatusCompleted
	}
	return true
}

// AllRequiredCompleted reports whether every required active device has
// completed
func (e *Engine) AllRequiredCompleted() bool {
	return e.store.AllRequiredCompleted()
}

// advance collapses a completed device's section and opens the next
// non-terminal one. Only sequential mode auto-advances.
func (e *Engine) advance(completedID string) {
	if e.solution.SelectionMode != catalog.SelectionSequential {
		return
	}

	devices := e.store.List()
	completedAt := -1
	for i, d := range devices {
		if d.Spec.ID == completedID {
			completedAt = i
			break
		}
	}
	if completedAt == -1 {
		return
	}

	_ = e.store.SetSectionOpen(completedID, false)
	for i := completedAt + 1; i < len(devices); i++ {
		if !devices[i].Status.Terminal() {
			_ = e.store.SetSectionOpen(devices[i].Spec.ID, true)
			e.logger.Debug("advanced to next device",
				"completed", completedID, "next", devices[i].Spec.ID)
			return
		}
	}
}

// openFirstActionable opens the first non-terminal device after a reseed
func (e *Engine) openFirstActionable() {
	if e.solution.SelectionMode != catalog.SelectionSequential {
		return
	}
	for _, d := range e.store.List() {
		if !d.Status.Terminal() {
			_ = e.store.SetSectionOpen(d.Spec.ID, true)
			return
		}
	}
}
