package workflow

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/c360/provstation/backend"
	"github.com/c360/provstation/catalog"
	"github.com/c360/provstation/channel"
	pserr "github.com/c360/provstation/errors"
	"github.com/c360/provstation/state"
)

const workflowSolution = `
id: bench
selection_mode: sequential
devices:
  - id: sensor
    type: esp32_usb
    required: true
    detection:
      usb_vendor_id: "0x303a"
      usb_product_id: "0x1001"
  - id: edge
    type: ssh_deb
  - id: gateway
    type: docker_deploy
    required: true
    targets:
      docker_local:
        config_file: compose.local.yaml
        default: true
  - id: step
    type: manual
presets:
  - id: basic
    devices: [gateway, step]
`

type fakeNotifier struct {
	mu    sync.Mutex
	notes []string
	fixes []channel.FixRequest
}

func (f *fakeNotifier) Notify(deviceID string, _ state.LogLevel, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, deviceID+": "+message)
}

func (f *fakeNotifier) ConfirmFix(fix channel.FixRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixes = append(f.fixes, fix)
}

// fakeBackendServer emulates the slice of the backend API the workflow uses
type fakeBackendServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	lastDeploy  backend.DeploymentRequest
	deployCount int
	wsConns     int
}

func newFakeBackendServer(t *testing.T) *fakeBackendServer {
	t.Helper()
	f := &fakeBackendServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/serial-ports", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []backend.SerialPort{
			{Device: "/dev/ttyUSB0", Description: "USB JTAG/serial debug unit", VID: "0x303a", PID: "0x1001"},
		})
	})
	mux.HandleFunc("/api/network/scan", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, backend.ScanResult{
			Devices: []backend.NetworkDevice{
				{IP: "192.168.1.40", Hostname: "raspberrypi.local"},
			},
		})
	})
	mux.HandleFunc("/api/network/test-connection", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": true})
	})
	mux.HandleFunc("/api/deploy", func(w http.ResponseWriter, r *http.Request) {
		var req backend.DeploymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.lastDeploy = req
		f.deployCount++
		f.mu.Unlock()
		writeJSON(w, map[string]string{"deployment_id": "dep-9"})
	})
	mux.HandleFunc("/ws/deployment/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.wsConns++
		f.mu.Unlock()
		go func() {
			defer conn.Close()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
	mux.HandleFunc("/api/deployments/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/cancel") {
			writeJSON(w, map[string]any{})
			return
		}
		http.NotFound(w, r)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeBackendServer) deployments() (backend.DeploymentRequest, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastDeploy, f.deployCount
}

func (f *fakeBackendServer) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wsConns
}

func newWorkflow(t *testing.T) (*Workflow, *fakeBackendServer, *fakeNotifier) {
	t.Helper()
	sol, err := catalog.Parse([]byte(workflowSolution))
	require.NoError(t, err)

	server := newFakeBackendServer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := backend.NewClient(backend.Config{
		BaseURL:  server.srv.URL,
		ScanRate: rate.Inf,
	}, logger)
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	w, err := New(Config{
		Solution: sol,
		Backend:  client,
		Notifier: notifier,
		Logger:   logger,
	})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w, server, notifier
}

func TestNewValidatesConfig(t *testing.T) {
	sol, err := catalog.Parse([]byte(workflowSolution))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := backend.NewClient(backend.Config{BaseURL: "http://127.0.0.1:1"}, logger)
	require.NoError(t, err)

	cases := []Config{
		{Backend: client, Notifier: &fakeNotifier{}, Logger: logger},
		{Solution: sol, Notifier: &fakeNotifier{}, Logger: logger},
		{Solution: sol, Backend: client, Logger: logger},
		{Solution: sol, Backend: client, Notifier: &fakeNotifier{}},
	}
	for _, cfg := range cases {
		_, err := New(cfg)
		require.Error(t, err)
		assert.True(t, pserr.IsFatal(err))
	}
}

func TestSelectPresetSeedsDevices(t *testing.T) {
	w, _, _ := newWorkflow(t)

	require.NoError(t, w.SelectPreset("basic"))

	devices := w.Store().List()
	require.Len(t, devices, 2)
	assert.Equal(t, "gateway", devices[0].Spec.ID)
	assert.Equal(t, "step", devices[1].Spec.ID)
}

func TestDeployCarriesPresetAndOpensChannel(t *testing.T) {
	w, server, _ := newWorkflow(t)
	require.NoError(t, w.SelectPreset("basic"))

	require.NoError(t, w.Deploy(context.Background(), "gateway"))

	req, count := server.deployments()
	assert.Equal(t, 1, count)
	assert.Equal(t, "bench", req.SolutionID)
	assert.Equal(t, "basic", req.PresetID)
	assert.Equal(t, "docker_local", req.Options.DeployTarget)
	assert.Equal(t, "compose.local.yaml", req.Options.ConfigFile)

	d, ok := w.Store().Get("gateway")
	require.True(t, ok)
	assert.Equal(t, state.StatusRunning, d.Status)

	require.Eventually(t, func() bool {
		return server.connections() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRefreshSerialResolvesPort(t *testing.T) {
	w, _, _ := newWorkflow(t)
	require.NoError(t, w.SelectPreset(""))

	require.NoError(t, w.RefreshSerial(context.Background()))

	d, ok := w.Store().Get("sensor")
	require.True(t, ok)
	assert.True(t, d.Detected)
	assert.Equal(t, "/dev/ttyUSB0", d.Port)
}

func TestDiscoverClassifiesHosts(t *testing.T) {
	w, _, _ := newWorkflow(t)
	require.NoError(t, w.SelectPreset(""))

	disc, err := w.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, disc.Found, 1)
	assert.Equal(t, "192.168.1.40", disc.Found[0].Host)
	assert.Equal(t, "raspberry", disc.Found[0].DeviceType)
	assert.False(t, disc.NothingFound)
}

func TestSelectHostAndTestConnection(t *testing.T) {
	w, _, _ := newWorkflow(t)
	require.NoError(t, w.SelectPreset(""))

	require.NoError(t, w.SelectHost("edge", "192.168.1.40"))
	d, ok := w.Store().Get("edge")
	require.True(t, ok)
	require.NotNil(t, d.Connection)
	assert.Equal(t, "192.168.1.40", d.Connection.Host)

	success, err := w.TestConnection(context.Background(), "edge")
	require.NoError(t, err)
	assert.True(t, success)
}

func TestTestConnectionWithoutHost(t *testing.T) {
	w, _, _ := newWorkflow(t)
	require.NoError(t, w.SelectPreset(""))

	_, err := w.TestConnection(context.Background(), "edge")
	require.Error(t, err)
	assert.ErrorIs(t, err, pserr.ErrConnectionMissing)
}

func TestConfirmCompletedAndWorkflowFinish(t *testing.T) {
	w, _, _ := newWorkflow(t)
	require.NoError(t, w.SelectPreset("basic"))

	assert.False(t, w.AllRequiredCompleted())
	require.NoError(t, w.ConfirmCompleted("step"))
	require.NoError(t, w.Store().SetStatus("gateway", state.StatusCompleted))
	assert.True(t, w.AllRequiredCompleted())
}

func TestCancelRunningDeployment(t *testing.T) {
	w, _, _ := newWorkflow(t)
	require.NoError(t, w.SelectPreset("basic"))
	require.NoError(t, w.Deploy(context.Background(), "gateway"))

	require.NoError(t, w.Cancel(context.Background(), "gateway"))
}

func TestOperationsAfterClose(t *testing.T) {
	w, _, _ := newWorkflow(t)
	require.NoError(t, w.SelectPreset("basic"))

	w.Close()
	w.Close()

	err := w.Deploy(context.Background(), "gateway")
	require.Error(t, err)
	assert.ErrorIs(t, err, pserr.ErrWorkflowClosed)
	assert.True(t, pserr.IsFatal(err))

	require.Error(t, w.SelectPreset("basic"))
	require.Error(t, w.RefreshSerial(context.Background()))
	_, err = w.Discover(context.Background())
	require.Error(t, err)
}
