package coordination

import (
	"slices"
	"strings"

	"mosaic-ai/internal/domain"
)

const synthesisSeparator = "\n\n"

// Synthesize merges responses into one user-facing text.
//
//   - consensus keeps responses above highConfidence, or the top two when
//     none qualify
//   - hierarchical puts coordinatorID's content first
//   - everything else concatenates by descending confidence
func Synthesize(strategy domain.Strategy, responses []domain.AgentResponse, coordinatorID string, highConfidence float64) string {
	if len(responses) == 0 {
		return ""
	}
	ranked := slices.Clone(responses)
	slices.SortStableFunc(ranked, func(a, b domain.AgentResponse) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		}
		return 0
	})

	switch strategy {
	case domain.StrategyConsensus:
		var confident []domain.AgentResponse
		for _, r := range ranked {
			if r.Confidence > highConfidence {
				confident = append(confident, r)
			}
		}
		if len(confident) == 0 {
			confident = ranked[:min(2, len(ranked))]
		}
		return join(confident)
	case domain.StrategyHierarchical:
		if coordinatorID != "" {
			idx := slices.IndexFunc(ranked, func(r domain.AgentResponse) bool { return r.AgentID == coordinatorID })
			if idx > 0 {
				lead := ranked[idx]
				ranked = append([]domain.AgentResponse{lead}, slices.Delete(ranked, idx, idx+1)...)
			}
		}
	}
	return join(ranked)
}

func join(rs []domain.AgentResponse) string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		if c := strings.TrimSpace(r.Content); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, synthesisSeparator)
}
