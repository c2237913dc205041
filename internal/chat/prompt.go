package chat

import (
	"slices"
	"strings"
)

const coachPrompt = `You are the Growth Lab coach, an assistant that helps lawyers build their practice through business development.
Give practical, specific advice on client relationships, referrals, thought leadership and pipeline planning.
Keep answers short. Use bullet points for lists and **bold** for key actions. Link to sources when you cite them.`

// SystemPrompt returns the coaching prompt followed by the caller supplied
// context (workbook name, field label, current answer ...), sorted by key.
func SystemPrompt(context map[string]string) string {
	if len(context) == 0 {
		return coachPrompt
	}
	keys := make([]string, 0, len(context))
	for k := range context {
		if strings.TrimSpace(context[k]) != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return coachPrompt
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(coachPrompt)
	b.WriteString("\n\nContext for this conversation:")
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(strings.ReplaceAll(k, "_", " "))
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(context[k]))
	}
	return b.String()
}
