//go:build property
// +build property

package registry_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/manifest"
	"github.com/mindburn-labs/forge/pkg/ports"
	"github.com/mindburn-labs/forge/pkg/registry"
)

// TestAtMostOneActive verifies spec §3's core registry invariant: whatever
// sequence of SetStatus(Active) calls is issued against a fixed set of
// versions for one moduleId, at most one of them ends up Active.
func TestAtMostOneActive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one version is Active per (moduleId, tenant)", prop.ForAll(
		func(versions []int, activations []int) bool {
			if len(versions) == 0 {
				return true
			}

			reg := registry.New(nil, nil, ports.SystemClock{})
			ctx := context.Background()
			tenant := forgeid.TenantID("t1")
			const moduleID = forgeid.ModuleID("mod")

			for i, v := range versions {
				version := fmt.Sprintf("1.%d.0", v%50)
				def := &manifest.Definition{ID: moduleID, Version: version}
				// Registering the same version twice is a no-op-ish
				// overwrite in this in-memory registry; skip duplicates so
				// Register never errors out on something this property
				// isn't testing.
				if _, ok := reg.Get(tenant, moduleID, version); ok {
					continue
				}
				if _, err := reg.Register(ctx, tenant, def); err != nil {
					t.Fatalf("register %d: %v", i, err)
				}
			}

			for _, idx := range activations {
				if len(versions) == 0 {
					continue
				}
				version := fmt.Sprintf("1.%d.0", versions[idx%len(versions)]%50)
				// Ignore the error: a rejected promotion (another version
				// already Active) is exactly the invariant being enforced,
				// not a test failure.
				_ = reg.SetStatus(ctx, tenant, moduleID, version, registry.Active)
			}

			activeCount := 0
			for _, e := range reg.List(tenant) {
				if e.Status == registry.Active {
					activeCount++
				}
			}
			return activeCount <= 1
		},
		gen.SliceOfN(5, gen.IntRange(0, 10)),
		gen.SliceOfN(10, gen.IntRange(0, 9)),
	))

	properties.TestingRun(t)
}
