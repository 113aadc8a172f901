package namespace

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/forgeid"
)

// celPrograms caches compiled CEL programs by expression, grounded on the
// teacher's CELPolicyEvaluator.prgCache pattern (compile once, evaluate
// many).
type celPrograms struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

var programCache = celPrograms{cache: make(map[string]cel.Program)}

func (m *Manager) evalCEL(expr string, ac AccessContext) (bool, error) {
	programCache.mu.RLock()
	prg, hit := programCache.cache[expr]
	programCache.mu.RUnlock()

	if !hit {
		programCache.mu.Lock()
		if prg, hit = programCache.cache[expr]; !hit {
			ast, issues := m.celEnv.Compile(expr)
			if issues != nil && issues.Err() != nil {
				programCache.mu.Unlock()
				return false, fmt.Errorf("namespace: compile condition: %w", issues.Err())
			}
			p, err := m.celEnv.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
			if err != nil {
				programCache.mu.Unlock()
				return false, fmt.Errorf("namespace: build condition program: %w", err)
			}
			programCache.cache[expr] = p
			prg = p
		}
		programCache.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{
		"principal": ac.Principal,
		"roles":     ac.Roles,
		"module":    string(ac.Module),
		"tenant":    string(ac.Tenant),
		"op":        ac.Op,
	})
	if err != nil {
		return false, fmt.Errorf("namespace: eval condition: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("namespace: condition did not evaluate to bool")
	}
	return b, nil
}

// CheckAccess evaluates the five-step order spec §4.5 defines: (1)
// blockedOperations deny, (2) allowedOperations allow, (3) permissions[]
// matched by type/target with optional conditions, (4) accessRules[] in
// descending priority — first match wins, (5) default deny.
func (m *Manager) CheckAccess(nsID forgeid.NamespaceID, op string, ac AccessContext) error {
	m.mu.RLock()
	n, ok := m.nodes[nsID]
	m.mu.RUnlock()
	if !ok {
		return errs.New(errs.NamespaceNotFound, "namespace not found")
	}
	ac.Op = op
	access := n.Access

	for _, blocked := range access.BlockedOperations {
		if blocked == op || blocked == "*" {
			return errs.New(errs.AccessDenied, "operation blocked: "+op)
		}
	}
	for _, allowed := range access.AllowedOperations {
		if allowed == op || allowed == "*" {
			return nil
		}
	}

	for _, perm := range access.Permissions {
		if !permissionTargets(perm, ac) {
			continue
		}
		if perm.Conditions != "" {
			matched, err := m.evalCEL(perm.Conditions, ac)
			if err != nil || !matched {
				continue
			}
		}
		return nil
	}

	rules := append([]AccessRule(nil), access.Rules...)
	sortRulesByPriorityDesc(rules)
	for _, rule := range rules {
		if rule.Op != "*" && rule.Op != op {
			continue
		}
		if rule.Conditions != "" {
			matched, err := m.evalCEL(rule.Conditions, ac)
			if err != nil || !matched {
				continue
			}
		}
		if rule.Allow {
			return nil
		}
		return errs.New(errs.AccessDenied, "denied by access rule for op "+op)
	}

	return errs.New(errs.AccessDenied, "no matching grant for op "+op)
}

func permissionTargets(perm Permission, ac AccessContext) bool {
	switch perm.Type {
	case PrincipalUser:
		return perm.Target == ac.Principal
	case PrincipalRole:
		for _, r := range ac.Roles {
			if r == perm.Target {
				return true
			}
		}
		return false
	case PrincipalModule:
		return perm.Target == string(ac.Module)
	case PrincipalTenant:
		return perm.Target == string(ac.Tenant)
	default:
		return false
	}
}

func sortRulesByPriorityDesc(rules []AccessRule) {
	for i := 0; i < len(rules); i++ {
		for j := i + 1; j < len(rules); j++ {
			if rules[j].Priority > rules[i].Priority {
				rules[i], rules[j] = rules[j], rules[i]
			}
		}
	}
}
