// Package manifest defines the immutable Module Definition record (spec
// §3) and compiles its ConfigSchema with a declarative JSON Schema
// validator, per design note §9 ("Zod-style schema"). Grounded on the
// teacher's manifest.Module/Bundle shape, generalized from a single
// capability list into the full dependency/conflict/lifecycle/permission
// surface spec.md requires.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/mindburn-labs/forge/pkg/forgeid"
)

// DependencyKind classifies how strictly a dependency must be satisfied.
type DependencyKind string

const (
	Required DependencyKind = "required"
	Optional DependencyKind = "optional"
	Peer     DependencyKind = "peer"
)

// Dependency is one entry in a module's dependency set.
type Dependency struct {
	ID         forgeid.ModuleID `json:"id" yaml:"id"`
	Constraint string           `json:"constraint" yaml:"constraint"` // e.g. "^1.2.0"
	Kind       DependencyKind   `json:"kind" yaml:"kind"`
}

// Capability is a named interface a module provides, with an interface
// contract hash other modules can depend on, grounded on the teacher's
// capabilities.Capability.Signature field.
type Capability struct {
	ID       forgeid.CapabilityID `json:"id" yaml:"id"`
	Contract string               `json:"contract" yaml:"contract"` // hash of the interface's method signatures
}

// LifecyclePolicy describes how a module wants to be activated/deactivated/
// updated.
type LifecyclePolicy struct {
	AutomaticRollback bool     `json:"automaticRollback" yaml:"automaticRollback"`
	DefaultStrategy   string   `json:"defaultStrategy" yaml:"defaultStrategy"` // "gradual" | "instant" | "blue_green"
	Migrations        []string `json:"migrations,omitempty" yaml:"migrations,omitempty"`
}

// Permissions declares the system/application/resource quotas a module
// asks for.
type Permissions struct {
	System []string       `json:"system,omitempty" yaml:"system,omitempty"`
	App    []string       `json:"app,omitempty" yaml:"app,omitempty"`
	Quotas map[string]int `json:"quotas,omitempty" yaml:"quotas,omitempty"`
}

// Definition is the immutable Module Definition record (spec §3). Once
// registered, none of its fields change; a new version is a new
// Definition. Operators may author it as YAML on disk (dual json/yaml
// tags, matching the teacher's own manifest convention) or JSON over the
// wire; LoadDefinition accepts either.
type Definition struct {
	ID           forgeid.ModuleID   `json:"id" yaml:"id"`
	Version      string             `json:"version" yaml:"version"`
	Capabilities []Capability       `json:"capabilities" yaml:"capabilities"`
	Dependencies []Dependency       `json:"dependencies" yaml:"dependencies"`
	Conflicts    []forgeid.ModuleID `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Routes       []string           `json:"routes,omitempty" yaml:"routes,omitempty"`
	APIs         []string           `json:"apis,omitempty" yaml:"apis,omitempty"`
	Components   []string           `json:"components,omitempty" yaml:"components,omitempty"`
	ConfigSchema json.RawMessage    `json:"configSchema,omitempty" yaml:"configSchema,omitempty"`
	Lifecycle    LifecyclePolicy    `json:"lifecycle" yaml:"lifecycle"`
	Permissions  Permissions        `json:"permissions" yaml:"permissions"`
	Metadata     map[string]any     `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	compiled *jsonschema.Schema
}

// LoadDefinition reads a module definition from path, parsing it as YAML
// unless the extension is .json.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}

	var def Definition
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
		}
	}

	if err := def.CompileSchema(); err != nil {
		return nil, err
	}
	return &def, nil
}

// CompileSchema compiles ConfigSchema once, so that ValidateConfig can be
// called repeatedly without re-parsing. A Definition with no ConfigSchema
// accepts any config.
func (d *Definition) CompileSchema() error {
	if len(d.ConfigSchema) == 0 {
		return nil
	}
	c := jsonschema.NewCompiler()
	const resourceName = "config.json"
	if err := c.AddResource(resourceName, bytesReader(d.ConfigSchema)); err != nil {
		return fmt.Errorf("manifest: add schema resource: %w", err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("manifest: compile config schema for %s: %w", d.ID, err)
	}
	d.compiled = schema
	return nil
}

// ValidateConfig checks a tenant config payload against ConfigSchema.
func (d *Definition) ValidateConfig(config map[string]any) error {
	if d.compiled == nil {
		return nil
	}
	if err := d.compiled.Validate(config); err != nil {
		return fmt.Errorf("manifest: config validation failed for %s: %w", d.ID, err)
	}
	return nil
}

// HasCapability reports whether the definition provides the given
// capability id.
func (d *Definition) HasCapability(id forgeid.CapabilityID) bool {
	for _, c := range d.Capabilities {
		if c.ID == id {
			return true
		}
	}
	return false
}

// ConflictsWith reports whether the definition declares a conflict with
// the given module id.
func (d *Definition) ConflictsWith(id forgeid.ModuleID) bool {
	for _, c := range d.Conflicts {
		if c == id {
			return true
		}
	}
	return false
}
