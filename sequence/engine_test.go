package sequence

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/provstation/catalog"
	pserr "github.com/c360/provstation/errors"
	"github.com/c360/provstation/state"
)

const sequentialSolution = `
id: lineup
selection_mode: sequential
devices:
  - id: first
    type: esp32_usb
    required: true
  - id: second
    type: ssh_deb
    required: true
  - id: third
    type: manual
presets:
  - id: full
  - id: short
    devices: [first, third]
    device_groups:
      - id: camera
        name: Camera
        selection: single
        options:
          - id: usb
          - id: builtin
`

const singleChoiceSolution = `
id: pick-one
selection_mode: single_choice
devices:
  - id: alpha
    type: manual
  - id: beta
    type: manual
`

func newEngine(t *testing.T, yaml string) (*Engine, *state.Store) {
	t.Helper()
	sol, err := catalog.Parse([]byte(yaml))
	require.NoError(t, err)
	store := state.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(sol, store, logger), store
}

func sectionOpen(t *testing.T, store *state.Store, id string) bool {
	t.Helper()
	d, ok := store.Get(id)
	require.True(t, ok)
	return d.SectionOpen
}

func TestSelectPresetSeedsActiveSet(t *testing.T) {
	e, store := newEngine(t, sequentialSolution)

	require.NoError(t, e.SelectPreset("short"))

	devices := store.List()
	require.Len(t, devices, 2)
	assert.Equal(t, "first", devices[0].Spec.ID)
	assert.Equal(t, "third", devices[1].Spec.ID)
	assert.Equal(t, "short", e.ActivePreset())
	assert.True(t, sectionOpen(t, store, "first"))
}

func TestSelectPresetPreservesSurvivorState(t *testing.T) {
	e, store := newEngine(t, sequentialSolution)
	require.NoError(t, e.SelectPreset("full"))
	require.NoError(t, store.AppendLog("first", state.LevelInfo, "kept"))
	require.NoError(t, store.SetStatus("first", state.StatusCompleted))

	require.NoError(t, e.SelectPreset("short"))

	d, ok := store.Get("first")
	require.True(t, ok)
	assert.Equal(t, state.StatusCompleted, d.Status)
	require.Len(t, d.Logs, 1)
	assert.Equal(t, "kept", d.Logs[0].Message)

	_, ok = store.Get("second")
	assert.False(t, ok)
}

func TestSelectPresetUnknown(t *testing.T) {
	e, _ := newEngine(t, sequentialSolution)
	err := e.SelectPreset("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, pserr.ErrUnknownPreset)
}

func TestAdvanceOpensNextDeviceOnCompletion(t *testing.T) {
	e, store := newEngine(t, sequentialSolution)
	require.NoError(t, e.SelectPreset("full"))
	e.Start()
	defer e.Stop()

	require.NoError(t, store.SetStatus("first", state.StatusCompleted))

	require.Eventually(t, func() bool {
		return sectionOpen(t, store, "second") && !sectionOpen(t, store, "first")
	}, time.Second, 5*time.Millisecond)
}

func TestAdvanceSkipsTerminalDevices(t *testing.T) {
	e, store := newEngine(t, sequentialSolution)
	require.NoError(t, e.SelectPreset("full"))
	require.NoError(t, store.SetStatus("second", state.StatusCancelled))
	e.Start()
	defer e.Stop()

	require.NoError(t, store.SetStatus("first", state.StatusCompleted))

	require.Eventually(t, func() bool {
		return sectionOpen(t, store, "third")
	}, time.Second, 5*time.Millisecond)
	assert.False(t, sectionOpen(t, store, "second"))
}

func TestLastDeviceCompletionOpensNothing(t *testing.T) {
	e, store := newEngine(t, sequentialSolution)
	require.NoError(t, e.SelectPreset("full"))
	e.Start()
	defer e.Stop()

	require.NoError(t, store.SetStatus("third", state.StatusCompleted))

	require.Eventually(t, func() bool {
		return !sectionOpen(t, store, "third")
	}, time.Second, 5*time.Millisecond)
	assert.False(t, sectionOpen(t, store, "second"))
}

func TestSingleChoiceModeNeverAutoAdvances(t *testing.T) {
	e, store := newEngine(t, singleChoiceSolution)
	require.NoError(t, e.SelectPreset(""))
	e.Start()
	defer e.Stop()

	require.NoError(t, store.SetStatus("alpha", state.StatusCompleted))

	// Give the loop a chance to misbehave before checking.
	time.Sleep(20 * time.Millisecond)
	assert.False(t, sectionOpen(t, store, "beta"))
}

func TestSelectableInSingleChoiceMode(t *testing.T) {
	e, store := newEngine(t, singleChoiceSolution)
	require.NoError(t, e.SelectPreset(""))

	assert.True(t, e.Selectable("alpha"))
	require.NoError(t, store.SetStatus("alpha", state.StatusCompleted))
	assert.False(t, e.Selectable("alpha"))
	assert.True(t, e.Selectable("beta"))
	assert.False(t, e.Selectable("ghost"))
}

func TestSelectableInSequentialMode(t *testing.T) {
	e, store := newEngine(t, sequentialSolution)
	require.NoError(t, e.SelectPreset("full"))
	require.NoError(t, store.SetStatus("first", state.StatusCompleted))
	assert.True(t, e.Selectable("first"))
}

func TestGroupSelectionSingle(t *testing.T) {
	e, store := newEngine(t, sequentialSolution)
	require.NoError(t, e.SelectPreset("short"))
	before := store.List()

	require.NoError(t, e.SelectGroupOption("camera", "usb"))
	assert.Equal(t, []string{"usb"}, e.GroupSelection("camera"))

	// Re-selection replaces the pick and leaves device state untouched.
	require.NoError(t, e.SelectGroupOption("camera", "builtin"))
	assert.Equal(t, []string{"builtin"}, e.GroupSelection("camera"))
	assert.Equal(t, before, store.List())
}

func TestGroupSelectionValidation(t *testing.T) {
	e, _ := newEngine(t, sequentialSolution)
	require.NoError(t, e.SelectPreset("short"))

	err := e.SelectGroupOption("camera")
	require.Error(t, err)
	assert.True(t, pserr.IsInvalid(err))

	err = e.SelectGroupOption("camera", "usb", "builtin")
	require.Error(t, err)

	err = e.SelectGroupOption("camera", "telepathy")
	require.Error(t, err)

	err = e.SelectGroupOption("ghost", "usb")
	require.Error(t, err)
}

func TestGroupSelectionResetOnPresetChange(t *testing.T) {
	e, _ := newEngine(t, sequentialSolution)
	require.NoError(t, e.SelectPreset("short"))
	require.NoError(t, e.SelectGroupOption("camera", "usb"))

	require.NoError(t, e.SelectPreset("full"))
	assert.Empty(t, e.GroupSelection("camera"))
}

func TestAllRequiredCompletedDelegates(t *testing.T) {
	e, store := newEngine(t, sequentialSolution)
	require.NoError(t, e.SelectPreset("full"))

	assert.False(t, e.AllRequiredCompleted())
	require.NoError(t, store.SetStatus("first", state.StatusCompleted))
	require.NoError(t, store.SetStatus("second", state.StatusCompleted))
	assert.True(t, e.AllRequiredCompleted())
}

func TestStopWithoutStart(t *testing.T) {
	e, _ := newEngine(t, sequentialSolution)
	e.Stop()
}
