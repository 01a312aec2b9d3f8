package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/provstation/channel"
	pserr "github.com/c360/provstation/errors"
	"github.com/c360/provstation/state"
)

// failWithFix puts a device into the state the event channel leaves it in
// when the backend reports a recoverable condition
func failWithFix(t *testing.T, f *fixture, deviceID string, fix channel.FixRequest) {
	t.Helper()
	require.NoError(t, f.store.SetStatus(deviceID, state.StatusFailed))
	require.NoError(t, f.store.SetFixPending(deviceID, true))
	f.controller.FixRequired(fix)
}

func TestFixRequiredPromptsUser(t *testing.T) {
	f := newFixture(t)
	fix := channel.FixRequest{
		DeviceID:  "gateway",
		Host:      "10.0.0.9",
		Issue:     "not_installed",
		FixAction: channel.FixInstallDocker,
	}
	failWithFix(t, f, "gateway", fix)

	require.Len(t, f.notifier.fixes, 1)
	assert.Equal(t, fix, f.notifier.fixes[0])

	pending, ok := f.controller.PendingFix("gateway")
	require.True(t, ok)
	assert.Equal(t, channel.FixInstallDocker, pending.FixAction)
}

func TestConfirmFixResubmitsWithInstallFlag(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetSelectedTarget("gateway", "docker_remote"))
	require.NoError(t, f.store.SetConnection("gateway", state.Connection{
		Host: "10.0.0.9", Username: "deploy", Password: "pw",
	}))
	failWithFix(t, f, "gateway", channel.FixRequest{
		DeviceID: "gateway", Issue: "not_installed", FixAction: channel.FixInstallDocker,
	})

	require.NoError(t, f.controller.ConfirmFix(context.Background(), "gateway"))

	conn := f.backend.lastRequest(t).DeviceConnections["gateway"]
	assert.Equal(t, true, conn["auto_install_docker"])
	assert.NotContains(t, conn, "auto_replace_containers")

	d, _ := f.store.Get("gateway")
	assert.Equal(t, state.StatusRunning, d.Status)
	assert.False(t, d.FixPending)

	_, ok := f.controller.PendingFix("gateway")
	assert.False(t, ok)
}

func TestConfirmFixReplaceContainersFlag(t *testing.T) {
	f := newFixture(t)
	failWithFix(t, f, "gateway", channel.FixRequest{
		DeviceID: "gateway", FixAction: channel.FixReplaceContainers,
	})

	require.NoError(t, f.controller.ConfirmFix(context.Background(), "gateway"))

	conn := f.backend.lastRequest(t).DeviceConnections["gateway"]
	assert.Equal(t, true, conn["auto_replace_containers"])
}

func TestConfirmFixStartDockerUsesInstallFlag(t *testing.T) {
	f := newFixture(t)
	failWithFix(t, f, "gateway", channel.FixRequest{
		DeviceID: "gateway", Issue: "not_running", FixAction: channel.FixStartDocker,
	})

	require.NoError(t, f.controller.ConfirmFix(context.Background(), "gateway"))

	conn := f.backend.lastRequest(t).DeviceConnections["gateway"]
	assert.Equal(t, true, conn["auto_install_docker"])
}

func TestConfirmFixWithoutPending(t *testing.T) {
	f := newFixture(t)
	err := f.controller.ConfirmFix(context.Background(), "gateway")
	require.Error(t, err)
	assert.ErrorIs(t, err, pserr.ErrNoPendingFix)
}

func TestCancelFixKeepsDeviceFailed(t *testing.T) {
	f := newFixture(t)
	failWithFix(t, f, "gateway", channel.FixRequest{
		DeviceID: "gateway", FixAction: channel.FixInstallDocker,
	})

	require.NoError(t, f.controller.CancelFix("gateway"))

	d, _ := f.store.Get("gateway")
	assert.Equal(t, state.StatusFailed, d.Status)
	assert.False(t, d.FixPending)
	assert.Contains(t, lastLog(t, f.store, "gateway").Message, "declined")
	assert.Empty(t, f.backend.requests)

	err := f.controller.CancelFix("gateway")
	require.Error(t, err)
	assert.ErrorIs(t, err, pserr.ErrNoPendingFix)
}
