package agent

import (
	"strings"

	"github.com/ashureev/agent-bridge/internal/domain"
)

// Classify splits an assistant message's fragments into answer text,
// reasoning, and tool activity. The answer text is never empty: when nothing
// textual exists a placeholder is used and marked as such.
func Classify(fragments []domain.Fragment) domain.StructuredAnswer {
	var (
		text      strings.Builder
		reasoning []string
		fallback  []string
		tools     []domain.Fragment
	)

	for _, f := range fragments {
		switch f.Kind {
		case domain.FragmentText:
			text.WriteString(f.Content)
		case domain.FragmentReasoning:
			if f.Content != "" {
				reasoning = append(reasoning, f.Content)
			}
		default:
			if f.IsToolActivity() {
				tools = append(tools, f)
			}
			if p := f.Payload(); strings.TrimSpace(p) != "" {
				fallback = append(fallback, p)
			}
		}
	}

	answer := domain.StructuredAnswer{
		Text:         text.String(),
		Reasoning:    strings.Join(reasoning, "\n\n"),
		ToolActivity: tools,
	}
	if strings.TrimSpace(answer.Text) == "" {
		answer.Text = strings.Join(fallback, " ")
	}
	if strings.TrimSpace(answer.Text) == "" {
		answer.Text = placeholderAnswer
		answer.Placeholder = true
	}
	return answer
}
