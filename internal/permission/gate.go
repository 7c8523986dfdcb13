// Package permission checks the host grants required before the node may
// scan or connect. Every grant must succeed; a partial grant is a denial.
package permission

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// ErrPermissionDenied is matched by every *DeniedError via errors.Is.
var ErrPermissionDenied = errors.New("permission: denied")

// DeniedError lists the grants that were not obtained.
type DeniedError struct {
	Missing []string
}

func (e *DeniedError) Error() string {
	return "permission: denied: " + strings.Join(e.Missing, ", ")
}

func (e *DeniedError) Is(target error) bool { return target == ErrPermissionDenied }

// Grant is one runtime capability. Request asks for it (prompting or
// enabling as needed) and reports whether it is now held.
type Grant struct {
	Name    string
	Request func(ctx context.Context) (bool, error)
}

// Gate requests a fixed set of grants.
type Gate struct {
	grants []Grant

	mu      sync.Mutex
	granted bool
}

// NewGate creates a gate over grants. A gate with no grants always succeeds.
func NewGate(grants ...Grant) *Gate {
	return &Gate{grants: grants}
}

// Request asks for every grant, even after one fails, and returns a
// *DeniedError naming the ones that were refused or errored.
func (g *Gate) Request(ctx context.Context) error {
	var missing []string
	for _, gr := range g.grants {
		ok, err := gr.Request(ctx)
		if err != nil {
			slog.Warn("[PERM] grant request failed", "grant", gr.Name, "error", err)
		}
		if err != nil || !ok {
			missing = append(missing, gr.Name)
		}
	}

	g.mu.Lock()
	g.granted = len(missing) == 0
	g.mu.Unlock()

	if len(missing) > 0 {
		return &DeniedError{Missing: missing}
	}
	slog.Debug("[PERM] all grants held", "count", len(g.grants))
	return nil
}

// RequestPermissions reports whether every grant succeeded.
func (g *Gate) RequestPermissions(ctx context.Context) bool {
	return g.Request(ctx) == nil
}

// Granted reports the outcome of the last Request.
func (g *Gate) Granted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.granted
}

// Names lists the grants this gate requests, in order.
func (g *Gate) Names() []string {
	names := make([]string, len(g.grants))
	for i, gr := range g.grants {
		names[i] = gr.Name
	}
	return names
}
