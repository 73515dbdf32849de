package multiagent

import (
	"log/slog"
	"strings"
)

// MentionResolver parses an @agent prefix from user input so a caller can
// name the agent it prefers. Names match agent IDs or display names,
// case-insensitively.
type MentionResolver struct {
	registry *Registry
	logger   *slog.Logger
}

// NewMentionResolver creates a resolver over registry.
func NewMentionResolver(registry *Registry, logger *slog.Logger) *MentionResolver {
	return &MentionResolver{registry: registry, logger: logger}
}

// Resolve returns the mentioned agent's ID and the input with the mention
// stripped. ok is false when the input has no @prefix or names no known agent,
// in which case input is returned unchanged.
func (m *MentionResolver) Resolve(input string) (agentID, rest string, ok bool) {
	content := strings.TrimSpace(input)
	if !strings.HasPrefix(content, "@") {
		return "", input, false
	}

	// Extract the name after @, up to the first space.
	name := content[1:]
	rest = ""
	if idx := strings.IndexByte(name, ' '); idx >= 0 {
		rest = strings.TrimSpace(name[idx+1:])
		name = name[:idx]
	}
	name = strings.ToLower(name)

	for _, d := range m.registry.Descriptors() {
		if strings.ToLower(d.ID) == name || strings.ToLower(d.Name) == name {
			m.logger.Debug("mention matched agent", "mention", name, "agent_id", d.ID)
			return d.ID, rest, true
		}
	}
	m.logger.Debug("unknown mention", "mention", name)
	return "", input, false
}
