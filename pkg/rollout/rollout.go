// Package rollout implements the traffic orchestration strategies (spec
// §4.3): instant, gradual, and blue-green. Grounded on the teacher's
// registry.InMemoryRegistry canary-percentage slot (SetRollout,
// moduleState.canaryMillis) and governance.CanaryConfig's
// StepDurationSec/Steps defaults, generalized from a single global
// percentage into the full rollout-strategy state machine of spec.md.
package rollout

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/events"
	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/health"
	"github.com/mindburn-labs/forge/pkg/ports"
)

// Kind names a rollout strategy.
type Kind string

const (
	Instant   Kind = "instant"
	Gradual   Kind = "gradual"
	BlueGreen Kind = "blue_green"
)

// GradualConfig parameterizes the Gradual strategy. Interval=0 is treated
// as "advance as soon as health passes" (spec §9 open question resolved).
type GradualConfig struct {
	Initial      int
	Increment    int
	Interval     time.Duration
	MaxIncrement int
}

// DefaultGradual mirrors the teacher's governance.DefaultCanary: a
// conservative default suitable for routine rollouts.
var DefaultGradual = GradualConfig{Initial: 10, Increment: 25, Interval: 30 * time.Second, MaxIncrement: 100}

// FastGradual mirrors governance.FastCanary for urgent fixes.
var FastGradual = GradualConfig{Initial: 50, Increment: 50, Interval: 5 * time.Second, MaxIncrement: 100}

// BlueGreenConfig parameterizes the BlueGreen strategy.
type BlueGreenConfig struct {
	BlueRetention time.Duration
}

// Config selects and parameterizes one rollout strategy.
type Config struct {
	Kind      Kind
	Gradual   GradualConfig
	BlueGreen BlueGreenConfig
}

// Input is everything a strategy needs to drive traffic for one
// activation attempt.
type Input struct {
	Scope        forgeid.Scope
	Version      string
	PriorVersion string // "" if this is the module's first version
	Router       ports.TrafficRouter
	Health       *health.Checker
	Bus          *events.Bus
	// HealthFailureFatal reports whether an unhealthy verdict on the
	// matching rollback trigger should abort the rollout.
	HealthFailureFatal func(v health.Verdict) bool
}

// Run drives traffic from 0% to 100% for Input.Version per the
// configured strategy, or returns an error if a rollback trigger fires.
// On success, traffic for Input.Version is 100% and for PriorVersion is 0%
// (spec §8 invariant 3).
func Run(ctx context.Context, cfg Config, in Input) error {
	switch cfg.Kind {
	case Instant:
		return runInstant(ctx, in)
	case Gradual:
		return runGradual(ctx, cfg.Gradual, in)
	case BlueGreen:
		return runBlueGreen(ctx, cfg.BlueGreen, in)
	default:
		return errs.New(errs.Validation, "unknown rollout strategy")
	}
}

func shiftTraffic(ctx context.Context, in Input, percent int) error {
	if err := in.Router.SetWeight(ctx, in.Scope.Module, in.Scope.Tenant, in.Version, percent); err != nil {
		return errs.Wrap(errs.Critical, "traffic router failed", err)
	}
	if in.PriorVersion != "" {
		if err := in.Router.SetWeight(ctx, in.Scope.Module, in.Scope.Tenant, in.PriorVersion, 100-percent); err != nil {
			return errs.Wrap(errs.Critical, "traffic router failed", err)
		}
	}
	if in.Bus != nil {
		in.Bus.Publish(in.Scope, events.TrafficShifted, map[string]any{
			"version": in.Version,
			"percent": percent,
		})
	}
	return nil
}

// runInstant promotes atomically: 0% to 100% in one tick (spec §4.3).
func runInstant(ctx context.Context, in Input) error {
	return shiftTraffic(ctx, in, 100)
}

// runGradual increases traffic by Increment every Interval, capped at
// MaxIncrement per tick and at 100% overall, requiring a passing health
// verdict between increments (spec §4.3, §8 boundary: increment > 100
// caps at 100).
func runGradual(ctx context.Context, cfg GradualConfig, in Input) error {
	percent := cfg.Initial
	if percent <= 0 {
		percent = cfg.Increment
	}
	if percent > 100 {
		percent = 100
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.Interval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.Interval), 1)
		// Drain the initial burst token so the first Wait actually blocks
		// for one interval; subsequent shifts pace naturally off the
		// refill rate.
		limiter.Allow()
	}

	for {
		shiftAt := time.Now()
		if err := shiftTraffic(ctx, in, percent); err != nil {
			return err
		}
		if percent >= 100 {
			return nil
		}
		if err := waitForHealthy(ctx, in, shiftAt); err != nil {
			return err
		}
		if cfg.Interval > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return errs.Wrap(errs.ActivationTimeout, "gradual rollout wait canceled", err)
			}
		}

		increment := cfg.Increment
		if increment > cfg.MaxIncrement && cfg.MaxIncrement > 0 {
			increment = cfg.MaxIncrement
		}
		if increment <= 0 {
			increment = 100
		}
		percent += increment
		if percent > 100 {
			percent = 100
		}
	}
}

// waitForHealthy gates progression on a report no older than since, the
// moment the most recent traffic shift took effect: a probe's verdict from
// before that shift says nothing about the traffic level now being served,
// so a stale report is polled for freshness (bounded) rather than trusted
// outright.
func waitForHealthy(ctx context.Context, in Input, since time.Time) error {
	if in.Health == nil {
		return nil
	}
	report, ok := in.Health.Latest(in.Scope)
	if !ok {
		return nil
	}

	deadline := time.Now().Add(2 * time.Second)
	for report.Timestamp.Before(since) {
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
		report, ok = in.Health.Latest(in.Scope)
		if !ok {
			return nil
		}
	}

	if report.Verdict == health.Unhealthy && in.HealthFailureFatal != nil && in.HealthFailureFatal(report.Verdict) {
		return errs.New(errs.HealthCheckFailed, "health verdict unhealthy during gradual rollout")
	}
	return nil
}

// runBlueGreen keeps the new (green) environment at 0% traffic and checks
// its latest health report once: a report that is not Healthy fails the
// cutover; otherwise, including when no report exists yet, traffic is cut
// over atomically. It does not wait for a passing report. cfg.BlueRetention
// is not read, and nothing in the engine tears the prior (blue) version
// down after a retention period.
func runBlueGreen(ctx context.Context, cfg BlueGreenConfig, in Input) error {
	if in.Health != nil {
		report, ok := in.Health.Latest(in.Scope)
		if ok && report.Verdict != health.Healthy {
			return errs.New(errs.HealthCheckFailed, "green environment failed health checks before cutover")
		}
	}
	return shiftTraffic(ctx, in, 100)
}
