package process

import (
	"sort"
	"strings"

	"github.com/fkiller/GnuNae-sub001/internal/host/config"
)

const (
	askGuardrail = "[MODE: ASK] You are in read-only mode. Inspect pages and answer questions only. " +
		"Do not click buttons that change anything, submit forms, make purchases, send messages or modify data."

	agentGuardrail = "[MODE: AGENT] You may navigate and interact with pages to complete the task. " +
		"Before any critical action (payment, purchase, sending a message, submitting personal data, " +
		"deleting or publishing content) stop and ask the user for explicit confirmation."
)

// guardrail returns the framing text prepended for mode. Unknown modes get the
// agent framing.
func guardrail(mode Mode) string {
	switch mode {
	case ModeAsk:
		return askGuardrail
	case ModeFullAccess:
		return ""
	default:
		return agentGuardrail
	}
}

// ComposeInstruction builds the text written to the agent's stdin.
func ComposeInstruction(instruction string, mode Mode, prePrompt string) string {
	parts := make([]string, 0, 3)
	if g := guardrail(mode); g != "" {
		parts = append(parts, g)
	}
	if p := strings.TrimSpace(prePrompt); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, instruction)
	return strings.Join(parts, "\n\n")
}

// mergeEnv overlays extra onto base. Host settings cannot be injected.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[key]; overridden {
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		if k == "" || strings.HasPrefix(k, config.EnvPrefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
