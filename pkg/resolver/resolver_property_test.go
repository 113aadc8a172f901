//go:build property
// +build property

package resolver_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/manifest"
	"github.com/mindburn-labs/forge/pkg/ports"
	"github.com/mindburn-labs/forge/pkg/registry"
	"github.com/mindburn-labs/forge/pkg/resolver"
)

// TestRequiredSubsetOfResolved verifies spec §8 invariant 8: whenever
// Resolve reports success, every required dependency the definition
// declares has a matching entry in Resolved.
func TestRequiredSubsetOfResolved(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every required dependency resolves on success", prop.ForAll(
		func(providerCount int, depCount int) bool {
			reg := registry.New(nil, nil, ports.SystemClock{})
			res := resolver.New(reg, 32, time.Minute, time.Second)
			ctx := context.Background()
			tenant := forgeid.TenantID("t1")

			providerCount = providerCount%6 + 1
			depCount = depCount%6 + 1

			for i := 0; i < providerCount; i++ {
				id := forgeid.ModuleID(fmt.Sprintf("dep%d", i))
				def := &manifest.Definition{ID: id, Version: "1.0.0"}
				if _, err := reg.Register(ctx, tenant, def); err != nil {
					t.Fatalf("register provider: %v", err)
				}
				if err := reg.SetStatus(ctx, tenant, id, "1.0.0", registry.Active); err != nil {
					t.Fatalf("activate provider: %v", err)
				}
			}

			var deps []manifest.Dependency
			for i := 0; i < depCount; i++ {
				// Indices wrap modulo providerCount+1: dep0..dep<providerCount-1>
				// are registered providers, dep<providerCount> was never installed.
				id := forgeid.ModuleID(fmt.Sprintf("dep%d", i%(providerCount+1)))
				deps = append(deps, manifest.Dependency{ID: id, Constraint: "^1", Kind: manifest.Required})
			}

			def := &manifest.Definition{ID: "root", Version: "1.0.0", Dependencies: deps}
			resolution := res.Resolve(ctx, tenant, def, resolver.Balanced)

			if !resolution.Success() {
				return true
			}

			resolvedIDs := make(map[forgeid.ModuleID]bool)
			for _, p := range resolution.Resolved {
				resolvedIDs[p.ModuleID] = true
			}
			for _, d := range deps {
				if d.Kind == manifest.Required && !resolvedIDs[d.ID] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 20),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

// TestCircularDependencyAlwaysDetected verifies the walker's cycle
// detector fires for every chain that closes back on a module currently
// being visited, regardless of chain length.
func TestCircularDependencyAlwaysDetected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a dependency chain that cycles back is always flagged", prop.ForAll(
		func(chainLen int) bool {
			chainLen = chainLen%8 + 2

			reg := registry.New(nil, nil, ports.SystemClock{})
			res := resolver.New(reg, 32, time.Minute, time.Second)
			ctx := context.Background()
			tenant := forgeid.TenantID("t1")

			ids := make([]forgeid.ModuleID, chainLen)
			for i := range ids {
				ids[i] = forgeid.ModuleID(fmt.Sprintf("m%d", i))
			}

			// m0 -> m1 -> ... -> m(n-1) -> m0, all pre-registered except
			// m0 which is the one being activated.
			for i := 1; i < chainLen; i++ {
				def := &manifest.Definition{
					ID:      ids[i],
					Version: "1.0.0",
					Dependencies: []manifest.Dependency{
						{ID: ids[(i+1)%chainLen], Constraint: "^1", Kind: manifest.Required},
					},
				}
				if _, err := reg.Register(ctx, tenant, def); err != nil {
					t.Fatalf("register: %v", err)
				}
			}

			root := &manifest.Definition{
				ID:      ids[0],
				Version: "1.0.0",
				Dependencies: []manifest.Dependency{
					{ID: ids[1], Constraint: "^1", Kind: manifest.Required},
				},
			}

			resolution := res.Resolve(ctx, tenant, root, resolver.Balanced)
			return !resolution.Success()
		},
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
