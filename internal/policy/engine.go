// Package policy provides the CEL-based submission gate engine.
// Gates decide whether an analyzed invoice may proceed to escrow
// submission unattended, needs operator confirmation, or is blocked.
package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/ibis/internal/domain"
)

// Engine compiles and evaluates submission gates.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledGates map[string]*CompiledGate
}

// CompiledGate holds a pre-compiled CEL program.
type CompiledGate struct {
	Config  *domain.GateConfig
	Program cel.Program
}

// NewEngine creates a gate engine with the analysis variables bound.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("risk_score", cel.IntType),
		cel.Variable("risk_level", cel.StringType),
		cel.Variable("confidence", cel.IntType),
		cel.Variable("payee_standing", cel.StringType),
		cel.Variable("anomaly_count", cel.IntType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("payee", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledGates: make(map[string]*CompiledGate),
	}, nil
}

// ValidateGate compiles a gate without loading it.
func (e *Engine) ValidateGate(cfg *domain.GateConfig) error {
	if cfg == nil {
		return fmt.Errorf("gate config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileGate(cfg)
	return err
}

// LoadGate compiles and loads a gate into the engine.
func (e *Engine) LoadGate(cfg *domain.GateConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileGate(cfg)
	if err != nil {
		return err
	}

	e.compiledGates[cfg.ID] = compiled
	return nil
}

// LoadGates compiles and loads all enabled gates.
func (e *Engine) LoadGates(configs []*domain.GateConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadGate(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveGate unloads a gate.
func (e *Engine) RemoveGate(gateID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.compiledGates, gateID)
}

// GatesCount returns the number of loaded gates.
func (e *Engine) GatesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledGates)
}

func (e *Engine) compileGate(cfg *domain.GateConfig) (*CompiledGate, error) {
	if cfg.Expression == "" {
		return nil, fmt.Errorf("gate %s: expression is required", cfg.ID)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("gate %s: compile failed: %w", cfg.ID, issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("gate %s: program creation failed: %w", cfg.ID, err)
	}

	return &CompiledGate{Config: cfg, Program: program}, nil
}

// Evaluate runs the loaded gates against an analysis in priority
// order (lowest number first). The first gate whose expression
// evaluates true decides the outcome; if none fires, the submission
// is allowed.
func (e *Engine) Evaluate(analysis *domain.RiskAnalysis, invoice *domain.Invoice) *domain.GateResult {
	e.mu.RLock()
	gates := make([]*CompiledGate, 0, len(e.compiledGates))
	for _, g := range e.compiledGates {
		gates = append(gates, g)
	}
	e.mu.RUnlock()

	sort.Slice(gates, func(i, j int) bool {
		return gates[i].Config.Priority < gates[j].Config.Priority
	})

	activation := map[string]any{
		"risk_score":     analysis.RiskScore,
		"risk_level":     analysis.RiskLevel,
		"confidence":     analysis.Confidence,
		"payee_standing": analysis.PayeeStanding,
		"anomaly_count":  len(analysis.Anomalies),
		"amount":         invoice.Amount,
		"payee":          invoice.Payee,
	}

	for _, gate := range gates {
		out, _, err := gate.Program.Eval(activation)
		if err != nil {
			// A broken gate must not silently wave submissions
			// through.
			return &domain.GateResult{
				GateID:  gate.Config.ID,
				Outcome: domain.GateConfirm,
				Reason:  fmt.Sprintf("gate evaluation error: %v", err),
			}
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			return &domain.GateResult{
				GateID:  gate.Config.ID,
				Outcome: gate.Config.Outcome,
				Reason:  gate.Config.Name,
			}
		}
	}

	return &domain.GateResult{Outcome: domain.GateAllow}
}

// DefaultGates returns the built-in submission policy: critical
// analyses are blocked, high scores need confirmation.
func DefaultGates() []*domain.GateConfig {
	return []*domain.GateConfig{
		{
			ID:          "gate-critical-block",
			Name:        "Critical risk blocked",
			Description: "Zero-amount and other critical analyses never reach escrow unattended",
			Expression:  `risk_level == 'critical'`,
			Outcome:     domain.GateBlock,
			Priority:    10,
			Enabled:     true,
		},
		{
			ID:          "gate-high-risk-confirm",
			Name:        "High risk requires confirmation",
			Description: "Scores above 70 need an explicit operator confirmation",
			Expression:  `risk_score > 70`,
			Outcome:     domain.GateConfirm,
			Priority:    20,
			Enabled:     true,
		},
		{
			ID:          "gate-poor-payee-confirm",
			Name:        "Poor payee standing requires confirmation",
			Expression:  `payee_standing == 'poor'`,
			Outcome:     domain.GateConfirm,
			Priority:    30,
			Enabled:     true,
		},
	}
}
