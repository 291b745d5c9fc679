package coach

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/BTreeMap/AbeAI/internal/genai"
	"github.com/BTreeMap/AbeAI/internal/models"
	"github.com/BTreeMap/AbeAI/internal/rules"
)

// buildPrompt assembles the completion messages: one system message with the persona and
// the user's context, a bounded slice of history, then the current message.
func (c *Coach) buildPrompt(rec *models.Record, pillar *rules.PillarRule, message string) []genai.Message {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(c.rules.Persona))
	sb.WriteString("\n\n")

	if pillar != nil {
		fmt.Fprintf(&sb, "Topic pillar: %s\n", pillar.Name)
	}

	notes := make([]string, 0, len(c.rules.Pillars))
	for _, p := range c.rules.Pillars {
		value := rec.SafetyContext[p.Name]
		if value == "" {
			value = "none"
		}
		notes = append(notes, fmt.Sprintf("%s: %s", humanize(p.ContextKey), value))
	}
	fmt.Fprintf(&sb, "User safety notes: %s\n", strings.Join(notes, "; "))

	if profile := describeProfile(rec.Profile); profile != "" {
		fmt.Fprintf(&sb, "User profile: %s\n", profile)
	}
	fmt.Fprintf(&sb, "Subscription tier: %s\n", rec.Tier)
	if v := c.rules.ParamsFor(rec.Tier).Verbosity; v != "" {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	if rec.IsAustralian && c.rules.AustralianInstruction != "" {
		sb.WriteString(c.rules.AustralianInstruction)
		sb.WriteString("\n")
	}

	history := rec.RecentHistory(c.promptHistory)
	msgs := make([]genai.Message, 0, len(history)+2)
	msgs = append(msgs, genai.Message{Role: genai.RoleSystem, Content: strings.TrimSpace(sb.String())})
	for _, h := range history {
		role := genai.RoleUser
		if h.Role == models.RoleAssistant {
			role = genai.RoleAssistant
		}
		msgs = append(msgs, genai.Message{Role: role, Content: h.Content})
	}
	msgs = append(msgs, genai.Message{Role: genai.RoleUser, Content: message})
	return msgs
}

func describeProfile(p models.Profile) string {
	var parts []string
	if p.FitnessLevel != "" {
		parts = append(parts, "fitness level "+p.FitnessLevel)
	}
	if p.MotivationLevel != "" {
		parts = append(parts, "motivation "+p.MotivationLevel)
	}
	if p.Age > 0 {
		parts = append(parts, fmt.Sprintf("age %d", p.Age))
	}
	return strings.Join(parts, ", ")
}

// humanize turns a context key such as "mentalHealth" into "Mental health".
func humanize(key string) string {
	var sb strings.Builder
	for i, r := range key {
		switch {
		case i == 0:
			sb.WriteRune(unicode.ToUpper(r))
		case unicode.IsUpper(r):
			sb.WriteRune(' ')
			sb.WriteRune(unicode.ToLower(r))
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
