// Package sandbox provides the wazero-backed WebAssembly isolation the
// activation engine's prepare/warm/release steps drive (spec §4.3's
// "prepare" and "warm" steps). Grounded on the teacher's
// runtime/sandbox.WasiSandbox and WASISandbox: deny-by-default WASI
// instantiation (no filesystem, no network, no ambient authority), with
// memory and CPU-time ceilings enforced per the teacher's pattern,
// generalized from a single Run(packRef, input) call into a
// per-(module,tenant) allocate/warm/release lifecycle keyed by scope.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/manifest"
	"github.com/mindburn-labs/forge/pkg/ports"
)

// Config bounds one module's sandboxed execution. Permissions.Quotas on a
// module definition feed MemoryLimitBytes and CPUTimeLimit; an unset quota
// falls back to DefaultConfig.
type Config struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
}

// DefaultConfig is applied when a module declares no explicit quota.
var DefaultConfig = Config{MemoryLimitBytes: 64 * 1024 * 1024, CPUTimeLimit: 10 * time.Second}

type instance struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	version  string
	cfg      Config
}

// Manager allocates one wazero runtime per (module, tenant) scope,
// compiles the fetched artifact into it on Warm, and tears it down on
// Release. It implements activation.Sandbox.
type Manager struct {
	mu        sync.Mutex
	instances map[forgeid.Scope]*instance
	loader    ports.ModuleLoader
}

// NewManager creates a sandbox manager that fetches WASM artifacts
// through loader when warming.
func NewManager(loader ports.ModuleLoader) *Manager {
	return &Manager{
		instances: make(map[forgeid.Scope]*instance),
		loader:    loader,
	}
}

func quotaConfig(def *manifest.Definition) Config {
	cfg := DefaultConfig
	if def == nil || def.Permissions.Quotas == nil {
		return cfg
	}
	if n, ok := def.Permissions.Quotas["memory_bytes"]; ok && n > 0 {
		cfg.MemoryLimitBytes = int64(n)
	}
	if n, ok := def.Permissions.Quotas["cpu_time_ms"]; ok && n > 0 {
		cfg.CPUTimeLimit = time.Duration(n) * time.Millisecond
	}
	return cfg
}

// Allocate reserves a fresh wazero runtime for scope, sized per def's
// declared resource quotas (falling back to DefaultConfig).
func (m *Manager) Allocate(ctx context.Context, scope forgeid.Scope, def *manifest.Definition) error {
	cfg := quotaConfig(def)

	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return errs.Wrap(errs.ResourceLimit, "sandbox: WASI instantiation failed", err)
	}

	m.mu.Lock()
	if existing, ok := m.instances[scope]; ok {
		m.mu.Unlock()
		_ = existing.runtime.Close(ctx)
		m.mu.Lock()
	}
	m.instances[scope] = &instance{runtime: r, version: def.Version, cfg: cfg}
	m.mu.Unlock()
	return nil
}

// Warm fetches and pre-compiles the scope's module artifact so the first
// real invocation after activation pays no JIT/compile cost.
func (m *Manager) Warm(ctx context.Context, scope forgeid.Scope) error {
	m.mu.Lock()
	inst, ok := m.instances[scope]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.Critical, "sandbox: warm called before allocate")
	}
	if m.loader == nil {
		return nil
	}

	artifact, err := m.loader.Fetch(ctx, scope.Module, inst.version)
	if err != nil {
		return errs.Wrap(errs.Critical, "sandbox: artifact fetch failed", err)
	}

	execCtx := ctx
	if inst.cfg.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, inst.cfg.CPUTimeLimit)
		defer cancel()
	}

	compiled, err := inst.runtime.CompileModule(execCtx, artifact.Content)
	if err != nil {
		return errs.Wrap(errs.Critical, "sandbox: WASM compilation failed", err)
	}

	m.mu.Lock()
	inst.compiled = compiled
	m.mu.Unlock()
	return nil
}

// Invoke runs the scope's warmed module with input on stdin, returning
// stdout; a scope that has not been warmed fails with a Critical error. It enforces the scope's CPU-time and
// memory ceilings and denies filesystem/network/env access by construction
// (wazero's module config wires only stdio).
func (m *Manager) Invoke(ctx context.Context, scope forgeid.Scope, input []byte) ([]byte, error) {
	m.mu.Lock()
	inst, ok := m.instances[scope]
	m.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.Critical, "sandbox: invoke called before allocate")
	}
	if inst.compiled == nil {
		return nil, errs.New(errs.Critical, "sandbox: invoke called before warm")
	}

	execCtx := ctx
	if inst.cfg.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, inst.cfg.CPUTimeLimit)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("forge-%s", scope.String())).
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := inst.runtime.InstantiateModule(execCtx, inst.compiled, modCfg)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, errs.New(errs.ResourceLimit, fmt.Sprintf("sandbox: execution exceeded time limit (%s)", inst.cfg.CPUTimeLimit))
		}
		if isMemoryError(err) {
			return nil, errs.New(errs.ResourceLimit, fmt.Sprintf("sandbox: execution exceeded memory limit (%d bytes)", inst.cfg.MemoryLimitBytes))
		}
		return nil, errs.Wrap(errs.Critical, "sandbox: execution failed", err)
	}
	defer func() { _ = mod.Close(execCtx) }()

	if stderr.Len() > 0 {
		return stdout.Bytes(), errs.New(errs.Critical, "sandbox: module wrote to stderr: "+stderr.String())
	}
	return stdout.Bytes(), nil
}

// Release tears down scope's runtime, freeing all compiled modules and
// memory it holds.
func (m *Manager) Release(ctx context.Context, scope forgeid.Scope) error {
	m.mu.Lock()
	inst, ok := m.instances[scope]
	delete(m.instances, scope)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.runtime.Close(ctx)
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") && (strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
