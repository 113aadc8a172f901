//go:build property
// +build property

package rollout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/rollout"
)

type weightRecorder struct {
	mu      sync.Mutex
	weights map[string]int
}

func newWeightRecorder() *weightRecorder {
	return &weightRecorder{weights: make(map[string]int)}
}

func (w *weightRecorder) SetWeight(ctx context.Context, module forgeid.ModuleID, tenant forgeid.TenantID, version string, percent int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.weights[version] = percent
	return nil
}

func (w *weightRecorder) get(version string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.weights[version]
}

// TestGradualRolloutConservesTraffic verifies spec §8 invariant 3 on the
// end state: once a gradual rollout with a prior version completes, the
// new and prior versions' weights sum to 100.
func TestGradualRolloutConservesTraffic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("new + prior traffic weight sums to 100 after rollout", prop.ForAll(
		func(initial, increment, max int) bool {
			initial = initial%100 + 1
			increment = increment%100 + 1
			max = max%100 + 1

			router := newWeightRecorder()
			scope := forgeid.Scope{Module: "billing", Tenant: "t1"}
			in := rollout.Input{
				Scope:        scope,
				Version:      "2.0.0",
				PriorVersion: "1.0.0",
				Router:       router,
			}
			cfg := rollout.Config{
				Kind: rollout.Gradual,
				Gradual: rollout.GradualConfig{
					Initial:      initial,
					Increment:    increment,
					Interval:     0,
					MaxIncrement: max,
				},
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := rollout.Run(ctx, cfg, in); err != nil {
				return false
			}

			return router.get("2.0.0")+router.get("1.0.0") == 100
		},
		gen.IntRange(0, 99),
		gen.IntRange(0, 99),
		gen.IntRange(0, 99),
	))

	properties.TestingRun(t)
}
