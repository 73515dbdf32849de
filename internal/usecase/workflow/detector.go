package workflow

import (
	"strings"

	"mosaic-ai/internal/domain"
)

// Detector scans agent responses for escalation flags and crisis keywords.
type Detector struct {
	keywords []string
}

// NewDetector creates a Detector. Keywords match case-insensitively as
// substrings of response content.
func NewDetector(keywords []string) *Detector {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	return &Detector{keywords: lowered}
}

// Scan reports whether any response calls for emergency escalation and
// returns the indicators found ("escalation:<agent>" or "keyword:<word>").
func (d *Detector) Scan(responses []domain.AgentResponse) (bool, []string) {
	var indicators []string
	seen := make(map[string]struct{})
	add := func(ind string) {
		if _, ok := seen[ind]; !ok {
			seen[ind] = struct{}{}
			indicators = append(indicators, ind)
		}
	}
	for _, r := range responses {
		if r.EscalationNeeded {
			add("escalation:" + r.AgentID)
		}
		content := strings.ToLower(r.Content)
		for _, k := range d.keywords {
			if strings.Contains(content, k) {
				add("keyword:" + k)
			}
		}
	}
	return len(indicators) > 0, indicators
}

// MatchInput returns the crisis keywords found in free text.
func (d *Detector) MatchInput(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, k := range d.keywords {
		if strings.Contains(lower, k) {
			found = append(found, k)
		}
	}
	return found
}
