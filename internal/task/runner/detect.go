package runner

import (
	"regexp"
	"strings"
)

// BlockType classifies a condition that needs a human before the run can go on.
type BlockType string

const (
	BlockAuth         BlockType = "auth"
	BlockVerification BlockType = "verification"
	BlockGeneric      BlockType = "generic"
)

// blockMarker lets the agent report a block explicitly:
//
//	@@blocked auth Sign-in required for mail.example.com
const blockMarker = "@@blocked"

// Block is a detected blocking condition.
type Block struct {
	Type    BlockType `json:"type"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

// Reason is the value persisted as the task's block reason.
func (b Block) Reason() string {
	return string(b.Type) + ": " + b.Message
}

// Hint returns the user-facing next step for a block type.
func Hint(t BlockType) string {
	switch t {
	case BlockAuth:
		return "Sign in to the site in the browser, then run the task again."
	case BlockVerification:
		return "Complete the verification challenge in the browser, then run the task again."
	}
	return "The site blocked the automation. Resolve it in the browser, then run the task again."
}

// BlockDetector inspects one line of agent output.
type BlockDetector interface {
	Detect(line string) (Block, bool)
}

// Rule maps an output pattern onto a block type.
type Rule struct {
	Type    BlockType
	Pattern *regexp.Regexp
	Message string
}

// DefaultRules recognises common authentication walls and verification
// challenges in agent output.
func DefaultRules() []Rule {
	return []Rule{
		{BlockVerification, regexp.MustCompile(`(?i)\b(re|h)?captcha\b`), "CAPTCHA challenge"},
		{BlockVerification, regexp.MustCompile(`(?i)\bverify (that )?you(’|')?(re| are) (a )?human\b`), "human verification required"},
		{BlockVerification, regexp.MustCompile(`(?i)\b(two[- ]factor|2fa|verification code|one[- ]time (code|password))\b`), "verification code required"},
		{BlockAuth, regexp.MustCompile(`(?i)\b(sign[- ]?in|log[- ]?in|authenticat\w*)\b.*\b(required|needed|to continue)\b`), "sign-in required"},
		{BlockAuth, regexp.MustCompile(`(?i)\bsession (has )?expired\b`), "session expired"},
		{BlockGeneric, regexp.MustCompile(`(?i)\b(access denied|too many requests|rate[- ]limited)\b`), "access blocked by the site"},
	}
}

// PatternDetector matches output lines against an ordered rule list. The
// explicit "@@blocked <type> <message>" marker always wins.
type PatternDetector struct {
	rules []Rule
}

// NewPatternDetector creates a detector; with no rules it uses DefaultRules.
func NewPatternDetector(rules ...Rule) *PatternDetector {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &PatternDetector{rules: rules}
}

func (d *PatternDetector) Detect(line string) (Block, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Block{}, false
	}
	if b, ok := parseBlockMarker(trimmed); ok {
		return b, true
	}
	for _, r := range d.rules {
		if r.Pattern.MatchString(trimmed) {
			return Block{Type: r.Type, Message: r.Message, Detail: trimmed}, true
		}
	}
	return Block{}, false
}

func parseBlockMarker(line string) (Block, bool) {
	rest, ok := strings.CutPrefix(line, blockMarker)
	if !ok || (rest != "" && rest[0] != ' ') {
		return Block{}, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Block{Type: BlockGeneric, Message: "blocked", Detail: line}, true
	}

	t := BlockType(strings.ToLower(fields[0]))
	msg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), fields[0]))
	switch t {
	case BlockAuth, BlockVerification, BlockGeneric:
	default:
		t = BlockGeneric
		msg = strings.TrimSpace(rest)
	}
	if msg == "" {
		msg = "blocked"
	}
	return Block{Type: t, Message: msg, Detail: line}, true
}
