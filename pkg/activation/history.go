package activation

import (
	"sync"

	"github.com/mindburn-labs/forge/pkg/forgeid"
)

// history archives completed activation contexts per scope, most-recent
// first, bounded to avoid unbounded growth across a long-lived engine.
type history struct {
	mu      sync.Mutex
	byScope map[forgeid.Scope][]*Context
}

const historyLimit = 50

func newHistory() *history {
	return &history{byScope: make(map[forgeid.Scope][]*Context)}
}

func (h *history) add(ac *Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := append([]*Context{ac}, h.byScope[ac.Scope]...)
	if len(entries) > historyLimit {
		entries = entries[:historyLimit]
	}
	h.byScope[ac.Scope] = entries
}

func (h *history) forScope(scope forgeid.Scope) []*Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Context, len(h.byScope[scope]))
	copy(out, h.byScope[scope])
	return out
}
