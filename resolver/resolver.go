package resolver

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/c360/provstation/backend"
	pserr "github.com/c360/provstation/errors"
	"github.com/c360/provstation/metric"
	"github.com/c360/provstation/state"
)

// Backend is the slice of the backend client the resolver uses
type Backend interface {
	ListSerialPorts(ctx context.Context) ([]backend.SerialPort, error)
	DetectDevices(ctx context.Context, solutionID string) ([]backend.DetectedDevice, error)
	ScanNetwork(ctx context.Context) (backend.ScanResult, error)
}

// Host is one selectable entry from network discovery
type Host struct {
	Host       string
	Hostname   string
	DeviceType string
	// Suggested marks curated fallback entries that were not actually seen
	// on the network
	Suggested bool
}

// Discovery is the outcome of one network scan. Empty is normal: either
// Suggestions are offered or NothingFound is set, never an error.
type Discovery struct {
	Found        []Host
	Suggestions  []Host
	NothingFound bool
}

const (
	portsCacheKey = "serial-ports"
	scanCacheKey  = "network-scan"

	portsCacheTTL = 2 * time.Second
	scanCacheTTL  = 10 * time.Second
)

// knownHostPrefixes classifies scan results by hostname convention
var knownHostPrefixes = []string{"raspberry", "jetson", "recomputer", "recamera"}

// KnownDeviceType returns the device family a hostname's prefix implies, or
// "" for hosts that do not follow a known naming convention
func KnownDeviceType(hostname string) string {
	lower := strings.ToLower(hostname)
	for _, prefix := range knownHostPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return prefix
		}
	}
	return ""
}

// Resolver fills in connection fields on the state store from enumerated
// ports and network scans. Backend results are cached briefly so repeated
// UI refreshes inside the scan window do not re-hit the backend.
type Resolver struct {
	backend Backend
	store   *state.Store
	cache   *gocache.Cache
	metrics *metric.Metrics
	logger  *slog.Logger
}

// New creates a resolver. metrics may be nil.
func New(b Backend, store *state.Store, metrics *metric.Metrics, logger *slog.Logger) *Resolver {
	return &Resolver{
		backend: b,
		store:   store,
		cache:   gocache.New(scanCacheTTL, time.Minute),
		metrics: metrics,
		logger:  logger.With("component", "resolver"),
	}
}

func (r *Resolver) serialPorts(ctx context.Context) ([]backend.SerialPort, error) {
	if cached, ok := r.cache.Get(portsCacheKey); ok {
		return cached.([]backend.SerialPort), nil
	}
	ports, err := r.backend.ListSerialPorts(ctx)
	if err != nil {
		return nil, err
	}
	r.cache.Set(portsCacheKey, ports, portsCacheTTL)
	return ports, nil
}

// RefreshSerial re-runs serial resolution for the given devices and writes
// the outcome into the store. A device that cannot be resolved is marked
// undetected, which is not an error.
func (r *Resolver) RefreshSerial(ctx context.Context, queries []SerialQuery) error {
	ports, err := r.serialPorts(ctx)
	if err != nil {
		return pserr.WrapTransient(err, "resolver", "RefreshSerial", "enumerate serial ports")
	}

	for _, q := range queries {
		port, ok := ResolveSerial(ports, q)
		if err := r.store.SetDetected(q.DeviceID, port); err != nil {
			return err
		}
		if ok {
			r.recordOutcome("serial", "resolved")
			r.logger.Debug("resolved serial port", "device", q.DeviceID, "port", port)
		} else {
			r.recordOutcome("serial", "unresolved")
			r.logger.Debug("serial port unresolved, manual selection required", "device", q.DeviceID)
		}
	}
	return nil
}

func (r *Resolver) recordOutcome(strategy, outcome string) {
	if r.metrics != nil {
		r.metrics.RecordResolverOutcome(strategy, outcome)
	}
}

// DetectAndResolve asks the backend to detect a solution's devices, then
// resolves each reported port against the current enumeration
func (r *Resolver) DetectAndResolve(ctx context.Context, solutionID string, queries []SerialQuery) error {
	detected, err := r.backend.DetectDevices(ctx, solutionID)
	if err != nil {
		return pserr.WrapTransient(err, "resolver", "DetectAndResolve", "detect devices")
	}

	reported := make(map[string]string, len(detected))
	for _, d := range detected {
		if d.Status == backend.DetectionDetected && d.Details.Port != "" {
			reported[d.ConfigID] = d.Details.Port
		}
	}
	for i := range queries {
		if port, ok := reported[queries[i].DeviceID]; ok {
			queries[i].ReportedPort = port
		}
	}
	return r.RefreshSerial(ctx, queries)
}

// Discover runs the time-boxed network scan and classifies results by
// hostname convention. Zero results yields suggestions or an explicit
// "nothing found", never an error.
func (r *Resolver) Discover(ctx context.Context) (Discovery, error) {
	if cached, ok := r.cache.Get(scanCacheKey); ok {
		return cached.(Discovery), nil
	}

	result, err := r.backend.ScanNetwork(ctx)
	if err != nil {
		return Discovery{}, pserr.WrapTransient(err, "resolver", "Discover", "scan network")
	}

	disc := Discovery{}
	for _, d := range result.Devices {
		deviceType := d.DeviceType
		if deviceType == "" {
			deviceType = KnownDeviceType(d.Hostname)
		}
		disc.Found = append(disc.Found, Host{
			Host:       d.IP,
			Hostname:   d.Hostname,
			DeviceType: deviceType,
		})
	}
	sort.Slice(disc.Found, func(i, j int) bool {
		return strings.ToLower(disc.Found[i].Hostname) < strings.ToLower(disc.Found[j].Hostname)
	})

	if len(disc.Found) == 0 {
		for _, s := range result.SuggestedHosts {
			disc.Suggestions = append(disc.Suggestions, Host{
				Host:       s.Hostname,
				Hostname:   s.Hostname,
				DeviceType: KnownDeviceType(s.Hostname),
				Suggested:  true,
			})
		}
		if len(disc.Suggestions) == 0 {
			disc.NothingFound = true
		}
	}

	switch {
	case len(disc.Found) > 0:
		r.recordOutcome("network", "found")
	case len(disc.Suggestions) > 0:
		r.recordOutcome("network", "suggested")
	default:
		r.recordOutcome("network", "nothing_found")
	}

	r.cache.Set(scanCacheKey, disc, scanCacheTTL)
	r.logger.Info("network scan finished",
		"found", len(disc.Found), "suggestions", len(disc.Suggestions))
	return disc, nil
}

// SelectHost writes a discovered or suggested host into the device's
// connection. It never triggers a connection test.
func (r *Resolver) SelectHost(deviceID, host string) error {
	return r.store.SetHost(deviceID, host)
}

// InvalidateCache drops cached scan and enumeration results, forcing the
// next call to hit the backend
func (r *Resolver) InvalidateCache() {
	r.cache.Delete(portsCacheKey)
	r.cache.Delete(scanCacheKey)
}
