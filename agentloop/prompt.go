package agentloop

import (
	"fmt"
	"sort"
	"strings"
)

// PromptContext is everything the model sees for one turn.
type PromptContext struct {
	SessionID    string
	Turn         int
	SystemPrompt string

	// Hints are caller-supplied facts such as a working directory.
	Hints   map[string]string
	History []Message
	Message string
}

// Render returns the outbound user message: the hints block, if any,
// followed by Message.
func (p PromptContext) Render() string {
	if len(p.Hints) == 0 {
		return p.Message
	}
	return BuildContextBlock(p.Hints) + "\n\n" + p.Message
}

// BuildContextBlock renders hints as a <context> block with keys sorted.
func BuildContextBlock(hints map[string]string) string {
	keys := make([]string, 0, len(hints))
	for k := range hints {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("<context>\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", humanizeKey(k), hints[k])
	}
	sb.WriteString("</context>")
	return sb.String()
}

func humanizeKey(key string) string {
	key = strings.ReplaceAll(snakeCase(key), "_", " ")
	if key == "" {
		return key
	}
	return strings.ToUpper(key[:1]) + key[1:]
}
