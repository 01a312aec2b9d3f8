package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	pserr "github.com/c360/provstation/errors"
	"github.com/c360/provstation/metric"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, ScanRate: rate.Inf}, testLogger())
	require.NoError(t, err)
	return c, srv
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{}, testLogger())
	require.Error(t, err)
	assert.True(t, pserr.IsFatal(err))
}

func TestChannelURL(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://127.0.0.1:8000/"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8000/ws/deployment/dep-1", c.ChannelURL("dep-1"))

	c, err = NewClient(Config{BaseURL: "https://station.example"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "wss://station.example/ws/deployment/dep-1", c.ChannelURL("dep-1"))
}

func TestListSerialPorts(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/serial-ports", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		json.NewEncoder(w).Encode([]SerialPort{
			{Device: "/dev/ttyUSB0", Description: "USB Serial", VID: "0x1a86", PID: "0x7523"},
		})
	}))

	ports, err := c.ListSerialPorts(context.Background())
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "/dev/ttyUSB0", ports[0].Device)
	assert.Equal(t, "0x1a86", ports[0].VID)
}

func TestDetectDevices(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/solutions/smart-farm/detect-devices", r.URL.Path)
		json.NewEncoder(w).Encode([]DetectedDevice{
			{ConfigID: "esp32", Status: DetectionDetected, Details: DetectionDetail{Port: "/dev/ttyUSB1"}},
			{ConfigID: "camera", Status: DetectionManualRequired},
		})
	}))

	detected, err := c.DetectDevices(context.Background(), "smart-farm")
	require.NoError(t, err)
	require.Len(t, detected, 2)
	assert.Equal(t, "/dev/ttyUSB1", detected[0].Details.Port)
	assert.Equal(t, DetectionManualRequired, detected[1].Status)
}

func TestScanNetworkEmptyResultIsNotAnError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ScanResult{
			SuggestedHosts: []SuggestedHost{{Hostname: "raspberrypi.local", DeviceID: "pi"}},
		})
	}))

	result, err := c.ScanNetwork(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Devices)
	require.Len(t, result.SuggestedHosts, 1)
	assert.Equal(t, "raspberrypi.local", result.SuggestedHosts[0].Hostname)
}

func TestTestConnection(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params ConnectionParams
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "10.0.0.5", params.Host)
		assert.Equal(t, 22, params.Port)
		json.NewEncoder(w).Encode(testResponse{Success: true})
	}))

	ok, err := c.TestConnection(context.Background(), ConnectionParams{
		Host: "10.0.0.5", Port: 22, Username: "pi", Password: "raspberry",
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartDeployment(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/deploy", r.URL.Path)
		var req DeploymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "smart-farm", req.SolutionID)
		assert.Equal(t, []string{"esp32"}, req.SelectedDevices)
		assert.Equal(t, "/dev/ttyUSB0", req.DeviceConnections["esp32"]["port"])
		json.NewEncoder(w).Encode(startResponse{DeploymentID: "dep-42"})
	}))

	id, err := c.StartDeployment(context.Background(), DeploymentRequest{
		SolutionID:      "smart-farm",
		SelectedDevices: []string{"esp32"},
		DeviceConnections: map[string]map[string]any{
			"esp32": {"port": "/dev/ttyUSB0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "dep-42", id)
}

func TestStartDeploymentRejected(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(errorResponse{Detail: "missing connection for esp32"})
	}))

	_, err := c.StartDeployment(context.Background(), DeploymentRequest{SolutionID: "smart-farm"})
	require.Error(t, err)
	assert.True(t, pserr.IsInvalid(err))
	assert.Contains(t, err.Error(), "missing connection for esp32")
}

func TestServerErrorIsTransient(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.ListSerialPorts(context.Background())
	require.Error(t, err)
	assert.True(t, pserr.IsTransient(err))
}

func TestBackendDownIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c, err := NewClient(Config{BaseURL: srv.URL, ScanRate: rate.Inf}, testLogger())
	require.NoError(t, err)
	srv.Close()

	_, err = c.ListSerialPorts(context.Background())
	require.Error(t, err)
	assert.True(t, pserr.IsTransient(err))
}

func TestWaitReadyRetriesUntilBackendUp(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]SerialPort{})
	}))

	require.NoError(t, c.WaitReady(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitReadyRejectionFailsFast(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	err := c.WaitReady(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pserr.ErrRequestRejected)
	assert.Equal(t, int32(1), calls.Load(), "a rejected request is not retried")
}

func TestWaitReadyHonoursContext(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, c.WaitReady(ctx))
}

func TestRequestDurationRecorded(t *testing.T) {
	metrics := metric.NewMetrics()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]SerialPort{})
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, ScanRate: rate.Inf, Metrics: metrics}, testLogger())
	require.NoError(t, err)

	_, err = c.ListSerialPorts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, testutil.CollectAndCount(metrics.BackendDuration, "provstation_backend_request_duration_seconds"))
}

func TestCancelDeployment(t *testing.T) {
	var cancelled string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancelled = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.CancelDeployment(context.Background(), "dep-42"))
	assert.Equal(t, "/api/deployments/dep-42/cancel", cancelled)
}

func TestResolveHostPassthrough(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://127.0.0.1:8000"}, testLogger())
	require.NoError(t, err)

	host, ok := c.ResolveHost(context.Background(), "10.0.0.5")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.5", host, "non-.local hosts pass through untouched")
}

func TestScanRateLimiterHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ScanResult{})
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, ScanRate: rate.Every(time.Hour), ScanBurst: 1}, testLogger())
	require.NoError(t, err)

	// First call consumes the burst.
	_, err = c.ScanNetwork(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.ScanNetwork(ctx)
	require.Error(t, err)
	assert.True(t, pserr.IsTransient(err))
}
