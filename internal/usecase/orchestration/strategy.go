package orchestration

import (
	"context"

	"mosaic-ai/internal/domain"
)

// Strategy is an orchestration plan. Evaluate scores how well it fits a
// turn; the highest score wins and ties go to the earlier declaration.
type Strategy interface {
	Name() string
	// Coordination is the coordination strategy the plan runs under.
	Coordination() domain.Strategy
	// Collaborative plans add supporting agents to the primary.
	Collaborative() bool
	Evaluate(ctx context.Context, oc domain.OrchestrationContext, agents []domain.AgentDescriptor) float64
}

// Strategy names.
const (
	StrategySingle        = "single"
	StrategyCollaborative = "collaborative"
	StrategyConsensus     = "consensus"
	StrategyHierarchical  = "hierarchical"
	StrategySequential    = "sequential"
	StrategyCrisis        = "crisis"
)

// MetadataMultiStep marks a turn that should be worked through agent by agent.
const MetadataMultiStep = "multi_step"

type strategy struct {
	name          string
	coordination  domain.Strategy
	collaborative bool
	evaluate      func(oc domain.OrchestrationContext, agents []domain.AgentDescriptor) float64
}

func (s strategy) Name() string                  { return s.name }
func (s strategy) Coordination() domain.Strategy { return s.coordination }
func (s strategy) Collaborative() bool           { return s.collaborative }

func (s strategy) Evaluate(_ context.Context, oc domain.OrchestrationContext, agents []domain.AgentDescriptor) float64 {
	return clamp01(s.evaluate(oc, agents))
}

// DefaultStrategies returns the built-in plans in declaration order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		strategy{
			name:         StrategySingle,
			coordination: domain.StrategyParallel,
			evaluate: func(_ domain.OrchestrationContext, agents []domain.AgentDescriptor) float64 {
				if len(agents) == 1 {
					return 1
				}
				return 0.5
			},
		},
		strategy{
			name:          StrategyCollaborative,
			coordination:  domain.StrategyParallel,
			collaborative: true,
			evaluate: func(oc domain.OrchestrationContext, agents []domain.AgentDescriptor) float64 {
				if len(agents) < 2 {
					return 0
				}
				score := 0.3
				if len(oc.RequiredCapabilities) >= 2 {
					score += 0.3
				}
				if len(oc.CulturalProfile) > 0 {
					score += 0.25
				}
				return score
			},
		},
		strategy{
			name:          StrategyConsensus,
			coordination:  domain.StrategyConsensus,
			collaborative: true,
			evaluate: func(oc domain.OrchestrationContext, agents []domain.AgentDescriptor) float64 {
				if len(agents) < 3 {
					return 0
				}
				if oc.Urgency == domain.UrgencyHigh {
					return 0.7
				}
				return 0.2
			},
		},
		strategy{
			name:          StrategyHierarchical,
			coordination:  domain.StrategyHierarchical,
			collaborative: true,
			evaluate: func(oc domain.OrchestrationContext, agents []domain.AgentDescriptor) float64 {
				if len(agents) < 2 || coordinatorOf(agents) == "" {
					return 0
				}
				if len(oc.RequiredCapabilities) >= 2 {
					return 0.65
				}
				return 0.4
			},
		},
		strategy{
			name:          StrategySequential,
			coordination:  domain.StrategySequential,
			collaborative: true,
			evaluate: func(oc domain.OrchestrationContext, agents []domain.AgentDescriptor) float64 {
				if len(agents) < 2 {
					return 0
				}
				if multi, _ := oc.Metadata[MetadataMultiStep].(bool); multi {
					return 0.9
				}
				return 0.1
			},
		},
	}
}

// selectStrategy returns the best scoring strategy. Nothing above zero
// falls back to single.
func selectStrategy(ctx context.Context, strategies []Strategy, oc domain.OrchestrationContext, agents []domain.AgentDescriptor) (Strategy, float64) {
	var (
		best      Strategy
		bestScore float64
	)
	for _, s := range strategies {
		if score := s.Evaluate(ctx, oc, agents); score > bestScore {
			best, bestScore = s, score
		}
	}
	if best == nil {
		return DefaultStrategies()[0], 0
	}
	return best, bestScore
}

// coordinatorOf returns the first agent whose ID carries the coordinator
// marker; hierarchical coordination leads with it.
func coordinatorOf(agents []domain.AgentDescriptor) string {
	for _, a := range agents {
		if domain.IsCoordinatorID(a.ID) {
			return a.ID
		}
	}
	return ""
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
