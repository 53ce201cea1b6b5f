package classifier

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are an expert at analyzing and classifying social media content.
Decide whether a post matches the given criteria and which category it belongs to.
Always answer with strict JSON.`

// buildPrompt renders the user message for one classification request.
func buildPrompt(text string, cfg Config) string {
	base := cfg.Prompt
	if base == "" {
		base = "Analyze this post."
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nPost text:\n\"\"\"")
	b.WriteString(text)
	b.WriteString("\"\"\"\n\n")
	fmt.Fprintf(&b, "Available categories: %s\n\n", strings.Join(cfg.Categories, ", "))
	b.WriteString(`Analyze the text and reply with JSON:
{
  "is_relevant": true/false (does the post match the criteria),
  "category": "a category from the list, or 'Other'",
  "confidence": 0.0-1.0 (your confidence),
  "reason": "short explanation of the decision"
}`)
	return b.String()
}
