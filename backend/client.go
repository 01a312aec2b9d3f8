// Package backend is the HTTP client for the provisioning backend: serial
// port enumeration, device detection, network scanning, connection tests,
// and deployment start/cancel. The backend performs the actual flashing,
// SSH, and Docker work; this client only consumes its contract.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	pserr "github.com/c360/provstation/errors"
	"github.com/c360/provstation/metric"
	"github.com/c360/provstation/pkg/retry"
)

// Config holds the client configuration
type Config struct {
	// BaseURL is the backend root, e.g. "http://127.0.0.1:8000"
	BaseURL string
	// RequestTimeout bounds each ordinary request. Default 10s.
	RequestTimeout time.Duration
	// ScanTimeout bounds the network scan call. Default 5s, which leaves
	// headroom over the backend's ~3s scan window.
	ScanTimeout time.Duration
	// ScanRate throttles UI-driven scan and connection-test storms.
	// Default 1 req/s with a burst of 3.
	ScanRate rate.Limit
	// ScanBurst is the limiter burst size
	ScanBurst int
	// Metrics receives per-endpoint request durations. Optional.
	Metrics *metric.Metrics
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.ScanTimeout == 0 {
		c.ScanTimeout = 5 * time.Second
	}
	if c.ScanRate == 0 {
		c.ScanRate = rate.Limit(1)
	}
	if c.ScanBurst == 0 {
		c.ScanBurst = 3
	}
}

// Client talks to the provisioning backend
type Client struct {
	baseURL     string
	httpClient  *http.Client
	scanTimeout time.Duration
	limiter     *rate.Limiter
	resolver    *net.Resolver
	metrics     *metric.Metrics
	logger      *slog.Logger
}

// NewClient creates a backend client. The logger must not be nil.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, pserr.WrapFatal(pserr.ErrMissingConfig, "backend", "NewClient", "validate base URL")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, pserr.WrapFatal(pserr.ErrInvalidConfig, "backend", "NewClient", "parse base URL")
	}
	cfg.applyDefaults()
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: cfg.RequestTimeout},
		scanTimeout: cfg.ScanTimeout,
		limiter:     rate.NewLimiter(cfg.ScanRate, cfg.ScanBurst),
		resolver:    net.DefaultResolver,
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "backend"),
	}, nil
}

// ChannelURL returns the websocket URL for a deployment's event channel
func (c *Client) ChannelURL(deploymentID string) string {
	ws := strings.Replace(c.baseURL, "http", "ws", 1)
	return fmt.Sprintf("%s/ws/deployment/%s", ws, deploymentID)
}

// ListSerialPorts enumerates the workstation's serial ports
func (c *Client) ListSerialPorts(ctx context.Context) ([]SerialPort, error) {
	var ports []SerialPort
	if err := c.doJSON(ctx, "serial_ports", http.MethodGet, "/api/serial-ports", nil, &ports); err != nil {
		return nil, pserr.WrapTransient(err, "backend", "ListSerialPorts", "enumerate serial ports")
	}
	return ports, nil
}

// DetectDevices asks the backend which of a solution's devices it can see
func (c *Client) DetectDevices(ctx context.Context, solutionID string) ([]DetectedDevice, error) {
	var detected []DetectedDevice
	path := fmt.Sprintf("/api/solutions/%s/detect-devices", url.PathEscape(solutionID))
	if err := c.doJSON(ctx, "detect_devices", http.MethodPost, path, nil, &detected); err != nil {
		return nil, pserr.WrapTransient(err, "backend", "DetectDevices", "detect devices")
	}
	return detected, nil
}

// ScanNetwork runs the backend's time-boxed network scan. Rate limited; an
// empty result is normal, not an error.
func (c *Client) ScanNetwork(ctx context.Context) (ScanResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return ScanResult{}, pserr.WrapTransient(err, "backend", "ScanNetwork", "wait for rate limit")
	}
	ctx, cancel := context.WithTimeout(ctx, c.scanTimeout)
	defer cancel()

	var result ScanResult
	if err := c.doJSON(ctx, "scan_network", http.MethodPost, "/api/network/scan", nil, &result); err != nil {
		return ScanResult{}, pserr.WrapTransient(err, "backend", "ScanNetwork", "scan network")
	}
	return result, nil
}

// TestConnection checks SSH reachability for the given parameters
func (c *Client) TestConnection(ctx context.Context, params ConnectionParams) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, pserr.WrapTransient(err, "backend", "TestConnection", "wait for rate limit")
	}
	var resp testResponse
	if err := c.doJSON(ctx, "test_connection", http.MethodPost, "/api/network/test-connection", params, &resp); err != nil {
		return false, pserr.WrapTransient(err, "backend", "TestConnection", "test connection")
	}
	return resp.Success, nil
}

// StartDeployment submits a deployment request and returns the backend's
// deployment id
func (c *Client) StartDeployment(ctx context.Context, req DeploymentRequest) (string, error) {
	var resp startResponse
	if err := c.doJSON(ctx, "deploy", http.MethodPost, "/api/deploy", req, &resp); err != nil {
		return "", pserr.Wrap(err, "backend", "StartDeployment", "submit deployment")
	}
	if resp.DeploymentID == "" {
		return "", pserr.WrapInvalid(pserr.ErrRequestRejected, "backend", "StartDeployment", "read deployment id")
	}
	return resp.DeploymentID, nil
}

// CancelDeployment asks the backend to stop a running deployment
func (c *Client) CancelDeployment(ctx context.Context, deploymentID string) error {
	path := fmt.Sprintf("/api/deployments/%s/cancel", url.PathEscape(deploymentID))
	if err := c.doJSON(ctx, "cancel_deployment", http.MethodPost, path, nil, nil); err != nil {
		return pserr.WrapTransient(err, "backend", "CancelDeployment", "cancel deployment")
	}
	return nil
}

// WaitReady blocks until the backend answers a request, retrying with fast
// backoff while it starts up. A definitive rejection aborts immediately
// instead of burning the retry budget.
func (c *Client) WaitReady(ctx context.Context) error {
	ports, err := retry.DoWithResult(ctx, retry.Startup(), func() ([]SerialPort, error) {
		ports, err := c.ListSerialPorts(ctx)
		if err != nil && errors.Is(err, pserr.ErrRequestRejected) {
			return nil, retry.NonRetryable(err)
		}
		return ports, err
	})
	if err != nil {
		return pserr.WrapTransient(err, "backend", "WaitReady", "wait for backend")
	}
	c.logger.Info("backend reachable", "serial_ports", len(ports))
	return nil
}

// ResolveHost pre-resolves mDNS ".local" hostnames before submission so the
// backend never stalls on a name its own resolver cannot see. Non-.local
// hosts and resolution failures return the input unchanged; the caller logs
// a warning and lets the backend try anyway.
func (c *Client) ResolveHost(ctx context.Context, host string) (string, bool) {
	if !strings.HasSuffix(strings.ToLower(host), ".local") {
		return host, true
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	addrs, err := c.resolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		c.logger.Warn("mDNS hostname did not resolve, submitting as-is",
			"host", host, "error", err)
		return host, false
	}
	c.logger.Debug("resolved mDNS hostname", "host", host, "ip", addrs[0])
	return addrs[0], true
}

// doJSON runs one backend request. endpoint is the stable metric label for
// the call; path may embed ids and is never used as a label.
func (c *Client) doJSON(ctx context.Context, endpoint, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", pserr.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.RecordBackendDuration(endpoint, time.Since(start))
	}
	c.logger.Debug("backend request",
		"method", method, "path", path,
		"status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		detail := ""
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil {
			detail = apiErr.Detail
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d: %s", pserr.ErrBackendUnavailable, resp.StatusCode, detail)
		}
		return fmt.Errorf("%w: status %d: %s", pserr.ErrRequestRejected, resp.StatusCode, detail)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
