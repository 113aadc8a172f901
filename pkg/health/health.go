// Package health implements the periodic probe executor (spec §4.4).
// Grounded on the teacher's observability.SLIRegistry (named indicators
// registered per-operation) generalized into per-(module,tenant) probe
// aggregation, with an OpenTelemetry counter per verdict kind mirroring
// observability.Observability's metric wrapper.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mindburn-labs/forge/pkg/events"
	"github.com/mindburn-labs/forge/pkg/forgeid"
)

// ProbeType classifies what a probe checks.
type ProbeType string

const (
	ProbeEndpoint ProbeType = "endpoint"
	ProbeDatabase ProbeType = "database"
	ProbeService  ProbeType = "service"
	ProbeCustom   ProbeType = "custom"
)

// ProbeSpec describes one health probe.
type ProbeSpec struct {
	ID       string
	Type     ProbeType
	Timeout  time.Duration
	Interval time.Duration
	Retries  int
	Critical bool
	Check    func(ctx context.Context) error
}

// Verdict is the aggregated health status of a module-tenant pair.
type Verdict string

const (
	Healthy   Verdict = "healthy"
	Degraded  Verdict = "degraded"
	Unhealthy Verdict = "unhealthy"
)

// Result is a single probe's outcome at a point in time.
type Result struct {
	ProbeID   string
	Err       error
	Timestamp time.Time
}

// Report is the aggregated health report for a module-tenant pair.
type Report struct {
	Scope     forgeid.Scope
	Verdict   Verdict
	Results   []Result
	Timestamp time.Time
}

// Checker runs probes on their configured interval and aggregates verdicts
// per module-tenant pair. Degraded = any non-critical probe failing;
// unhealthy = any critical probe failing.
type Checker struct {
	mu      sync.RWMutex
	probes  map[forgeid.Scope][]ProbeSpec
	latest  map[forgeid.Scope]*Report
	bus     *events.Bus
	logger  *slog.Logger
	verdict metric.Int64Counter
	cancel  map[forgeid.Scope]context.CancelFunc
}

// New creates a health checker publishing verdicts on bus.
func New(bus *events.Bus, meter metric.Meter) *Checker {
	c := &Checker{
		probes: make(map[forgeid.Scope][]ProbeSpec),
		latest: make(map[forgeid.Scope]*Report),
		bus:    bus,
		logger: slog.Default().With("component", "health"),
		cancel: make(map[forgeid.Scope]context.CancelFunc),
	}
	if meter != nil {
		counter, err := meter.Int64Counter("forge.health.verdicts")
		if err == nil {
			c.verdict = counter
		}
	}
	return c
}

// Register adds probes for a module-tenant pair and starts their
// independent probe loops. Call Stop(scope) to tear them down.
func (c *Checker) Register(ctx context.Context, scope forgeid.Scope, probes []ProbeSpec) {
	c.mu.Lock()
	c.probes[scope] = probes
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel[scope] = cancel
	c.mu.Unlock()

	for _, p := range probes {
		go c.loop(loopCtx, scope, p)
	}
}

// Stop cancels all probe loops for a scope.
func (c *Checker) Stop(scope forgeid.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.cancel[scope]; ok {
		cancel()
		delete(c.cancel, scope)
	}
	delete(c.probes, scope)
}

func (c *Checker) loop(ctx context.Context, scope forgeid.Scope, probe ProbeSpec) {
	ticker := time.NewTicker(probe.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runOnce(ctx, scope, probe)
		}
	}
}

func (c *Checker) runOnce(ctx context.Context, scope forgeid.Scope, probe ProbeSpec) {
	probeCtx, cancel := context.WithTimeout(ctx, probe.Timeout)
	defer cancel()

	var err error
	for attempt := 0; attempt <= probe.Retries; attempt++ {
		err = probe.Check(probeCtx)
		if err == nil {
			break
		}
	}

	result := Result{ProbeID: probe.ID, Err: err, Timestamp: time.Now()}
	c.record(scope, probe, result)
}

func (c *Checker) record(scope forgeid.Scope, probe ProbeSpec, result Result) {
	c.mu.Lock()
	report, ok := c.latest[scope]
	if !ok {
		report = &Report{Scope: scope}
		c.latest[scope] = report
	}
	// Replace the prior result for this probe id, if any.
	replaced := false
	for i, r := range report.Results {
		if r.ProbeID == result.ProbeID {
			report.Results[i] = result
			replaced = true
			break
		}
	}
	if !replaced {
		report.Results = append(report.Results, result)
	}
	report.Verdict = aggregate(report.Results, c.probes[scope])
	report.Timestamp = result.Timestamp
	verdict := report.Verdict
	c.mu.Unlock()

	if c.verdict != nil {
		c.verdict.Add(context.Background(), 1, metric.WithAttributes(attribute.String("verdict", string(verdict))))
	}
	if c.bus != nil {
		c.bus.Publish(scope, events.HealthVerdict, map[string]any{
			"verdict":  string(verdict),
			"probe_id": probe.ID,
		})
	}
}

func aggregate(results []Result, specs []ProbeSpec) Verdict {
	critical := make(map[string]bool, len(specs))
	for _, s := range specs {
		critical[s.ID] = s.Critical
	}

	anyCriticalFail := false
	anyFail := false
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		anyFail = true
		if critical[r.ProbeID] {
			anyCriticalFail = true
		}
	}
	switch {
	case anyCriticalFail:
		return Unhealthy
	case anyFail:
		return Degraded
	default:
		return Healthy
	}
}

// Latest returns the most recent aggregated report for a scope.
func (c *Checker) Latest(scope forgeid.Scope) (*Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.latest[scope]
	return r, ok
}
