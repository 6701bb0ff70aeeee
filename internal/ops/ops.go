// Package ops holds the validated operations every surface (CLI, MCP, HTTP)
// calls. Each operation takes an Input struct, applies defaults and bounds,
// and returns an Output struct or a CounselError.
package ops

import (
	"strings"

	"github.com/hpungsan/counsel/internal/automation"
	"github.com/hpungsan/counsel/internal/config"
	"github.com/hpungsan/counsel/internal/conversation"
	"github.com/hpungsan/counsel/internal/db"
	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/phase"
	"github.com/hpungsan/counsel/internal/rag"
	"github.com/hpungsan/counsel/internal/refresh"
	"github.com/hpungsan/counsel/internal/state"
	"github.com/hpungsan/counsel/internal/turn"
)

// Limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
	MaxBatchItems    = 100
	MaxMessageChars  = 20000
	DefaultSearchK   = 5
	MaxSearchK       = 50
	DefaultHistory   = 50
	MaxHistory       = 500
)

// Deps bundles the services operations run against. Store and Config are
// required; a nil service makes the operations needing it return a
// CONFIGURATION error.
type Deps struct {
	Store   *db.Store
	Config  *config.Config
	Turns   *turn.Orchestrator
	RAG     *rag.Service
	States  *state.Store
	Phases  *phase.Engine
	Runner  *automation.Runner
	Refresh *refresh.Scheduler
}

func (d *Deps) needTurns() error {
	if d.Turns == nil {
		return errors.NewConfiguration("turn processing is not configured")
	}
	return nil
}

func (d *Deps) needRAG() error {
	if d.RAG == nil {
		return errors.NewConfiguration("retrieval is not configured")
	}
	return nil
}

func (d *Deps) needRunner() error {
	if d.Runner == nil {
		return errors.NewConfiguration("automation is not configured")
	}
	return nil
}

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// clampLimit applies a default and an upper bound to a caller limit.
func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, maxLimit)
}

// normalizePhaseArg validates an optional caller-supplied phase name.
func normalizePhaseArg(field, p string) (string, error) {
	p = conversation.NormalizePhase(p)
	if p == "" {
		return "", nil
	}
	if !conversation.ValidPhaseName(p) {
		return "", errors.NewInvalidRequest(field + " must be upper-case letters and underscores")
	}
	return p, nil
}

func requireID(field, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.NewInvalidRequest(field + " is required")
	}
	return id, nil
}
