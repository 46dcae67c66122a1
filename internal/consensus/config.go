package consensus

import (
	"time"

	"rosterline/internal/domain"
)

// SeverityWeights controls how much each finding subtracts from the
// compliance agent's score.
type SeverityWeights struct {
	Violation int `json:"violation" yaml:"violation"`
	Warning   int `json:"warning" yaml:"warning"`
}

// Override is a partial config applied for one decision type. Nil fields
// keep the base value.
type Override struct {
	Weights                 map[domain.AgentRole]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
	MajorityThreshold       *float64                     `json:"majority_threshold,omitempty" yaml:"majority_threshold,omitempty"`
	RequireUnanimous        *bool                        `json:"require_unanimous,omitempty" yaml:"require_unanimous,omitempty"`
	EnableCrossEvaluation   *bool                        `json:"enable_cross_evaluation,omitempty" yaml:"enable_cross_evaluation,omitempty"`
	MaxDebateRounds         *int                         `json:"max_debate_rounds,omitempty" yaml:"max_debate_rounds,omitempty"`
	MinimumConfidence       *int                         `json:"minimum_confidence,omitempty" yaml:"minimum_confidence,omitempty"`
	EscalateOnDeadlock      *bool                        `json:"escalate_on_deadlock,omitempty" yaml:"escalate_on_deadlock,omitempty"`
	EscalateOnLowConfidence *bool                        `json:"escalate_on_low_confidence,omitempty" yaml:"escalate_on_low_confidence,omitempty"`
}

// Config governs one consensus run. Overrides are merged exactly once, at
// the start of orchestration, and the merged config is never mutated.
type Config struct {
	Weights                 map[domain.AgentRole]float64     `json:"weights" yaml:"weights"`
	MajorityThreshold       float64                          `json:"majority_threshold" yaml:"majority_threshold"`
	RequireUnanimous        bool                             `json:"require_unanimous" yaml:"require_unanimous"`
	EnableCrossEvaluation   bool                             `json:"enable_cross_evaluation" yaml:"enable_cross_evaluation"`
	MaxDebateRounds         int                              `json:"max_debate_rounds" yaml:"max_debate_rounds"`
	MinimumConfidence       int                              `json:"minimum_confidence" yaml:"minimum_confidence"`
	EscalateOnDeadlock      bool                             `json:"escalate_on_deadlock" yaml:"escalate_on_deadlock"`
	EscalateOnLowConfidence bool                             `json:"escalate_on_low_confidence" yaml:"escalate_on_low_confidence"`
	SeverityWeights         SeverityWeights                  `json:"severity_weights" yaml:"severity_weights"`
	AgentTimeoutSeconds     int                              `json:"agent_timeout_seconds,omitempty" yaml:"agent_timeout_seconds,omitempty"`
	Overrides               map[domain.DecisionType]Override `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// DefaultConfig returns the baseline consensus configuration. Callers
// parsing user config should overlay onto this so omitted keys keep their
// defaults.
func DefaultConfig() Config {
	return Config{
		Weights: map[domain.AgentRole]float64{
			domain.RoleCompliance:       1.5,
			domain.RoleEmployeeAdvocate: 1.2,
			domain.RoleCost:             1.0,
			domain.RoleOperations:       1.0,
		},
		MajorityThreshold:       0.66,
		EnableCrossEvaluation:   true,
		MaxDebateRounds:         3,
		MinimumConfidence:       60,
		EscalateOnDeadlock:      true,
		EscalateOnLowConfidence: true,
		SeverityWeights:         SeverityWeights{Violation: 25, Warning: 10},
		AgentTimeoutSeconds:     10,
		Overrides: map[domain.DecisionType]Override{
			domain.ComplianceOverride: {RequireUnanimous: boolPtr(true)},
		},
	}
}

func (c Config) Validate() error {
	if c.MajorityThreshold <= 0.5 || c.MajorityThreshold > 1 {
		return domain.ConfigurationError{Field: "majority_threshold", Reason: "must be in (0.5,1]"}
	}
	if c.MaxDebateRounds < 0 {
		return domain.ConfigurationError{Field: "max_debate_rounds", Reason: "cannot be negative"}
	}
	if c.MinimumConfidence < 0 || c.MinimumConfidence > 100 {
		return domain.ConfigurationError{Field: "minimum_confidence", Reason: "must be in [0,100]"}
	}
	if c.SeverityWeights.Violation < 0 || c.SeverityWeights.Warning < 0 {
		return domain.ConfigurationError{Field: "severity_weights", Reason: "cannot be negative"}
	}
	if c.AgentTimeoutSeconds < 0 {
		return domain.ConfigurationError{Field: "agent_timeout_seconds", Reason: "cannot be negative"}
	}
	for _, role := range domain.Roles() {
		w, ok := c.Weights[role]
		if !ok {
			return domain.ConfigurationError{Field: "weights", Reason: "missing weight for " + string(role)}
		}
		if w <= 0 {
			return domain.ConfigurationError{Field: "weights", Reason: "weight for " + string(role) + " must be positive"}
		}
	}
	for role := range c.Weights {
		if !validRole(role) {
			return domain.ConfigurationError{Field: "weights", Reason: "unknown role " + string(role)}
		}
	}
	for dt := range c.Overrides {
		if !dt.Known() {
			return domain.ConfigurationError{Field: "overrides", Reason: "unknown decision type " + string(dt)}
		}
	}
	return nil
}

// Resolve merges the override for the decision type, validates the result
// and returns it. The receiver is left untouched.
func (c Config) Resolve(dt domain.DecisionType) (Config, error) {
	out := c
	out.Weights = make(map[domain.AgentRole]float64, len(c.Weights))
	for role, w := range c.Weights {
		out.Weights[role] = w
	}
	if ov, ok := c.Overrides[dt]; ok {
		for role, w := range ov.Weights {
			out.Weights[role] = w
		}
		if ov.MajorityThreshold != nil {
			out.MajorityThreshold = *ov.MajorityThreshold
		}
		if ov.RequireUnanimous != nil {
			out.RequireUnanimous = *ov.RequireUnanimous
		}
		if ov.EnableCrossEvaluation != nil {
			out.EnableCrossEvaluation = *ov.EnableCrossEvaluation
		}
		if ov.MaxDebateRounds != nil {
			out.MaxDebateRounds = *ov.MaxDebateRounds
		}
		if ov.MinimumConfidence != nil {
			out.MinimumConfidence = *ov.MinimumConfidence
		}
		if ov.EscalateOnDeadlock != nil {
			out.EscalateOnDeadlock = *ov.EscalateOnDeadlock
		}
		if ov.EscalateOnLowConfidence != nil {
			out.EscalateOnLowConfidence = *ov.EscalateOnLowConfidence
		}
	}
	out.Overrides = nil
	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

func (c Config) agentTimeout() time.Duration {
	if c.AgentTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.AgentTimeoutSeconds) * time.Second
}

func validRole(r domain.AgentRole) bool {
	for _, known := range domain.Roles() {
		if r == known {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool { return &b }
