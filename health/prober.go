package health

import (
	"context"
	"log/slog"
	"time"
)

// Check is one named periodic probe
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Prober runs registered checks on an interval and feeds the outcomes into
// a monitor
type Prober struct {
	monitor  *Monitor
	interval time.Duration
	timeout  time.Duration
	checks   []Check
	logger   *slog.Logger
}

// NewProber creates a prober. Interval defaults to 30s, per-probe timeout
// to 5s.
func NewProber(monitor *Monitor, interval time.Duration, logger *slog.Logger) *Prober {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		monitor:  monitor,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger.With("component", "health"),
	}
}

// Register adds a check. Must be called before Run.
func (p *Prober) Register(name string, probe func(ctx context.Context) error) {
	p.checks = append(p.checks, Check{Name: name, Probe: probe})
}

// Run probes immediately and then on every interval tick until the context
// is cancelled
func (p *Prober) Run(ctx context.Context) {
	p.probeAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, check := range p.checks {
		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := check.Probe(probeCtx)
		cancel()

		p.monitor.UpdateFromError(check.Name, err)
		if err != nil {
			p.logger.Warn("health probe failed", "check", check.Name, "error", err)
		}
	}
}
