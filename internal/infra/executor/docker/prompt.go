package docker

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

// [PROMPT] Expand search to archived mailboxes? (yes/no) [default: no]
var promptLine = regexp.MustCompile(`^\s*\[PROMPT\]\s*(.+?)\s*\(([^()]+)\)\s*(?:\[default:\s*([^\]]+)\])?\s*$`)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// ParsePrompt recognises a tool question. The key is derived from the
// question text.
func ParsePrompt(line string) (*domain.DecisionNeeded, bool) {
	m := promptLine.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}

	var options []domain.Option
	seen := map[string]bool{}
	for _, v := range strings.Split(m[2], "/") {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		options = append(options, domain.Option{Label: label(v), Value: v})
	}
	if len(options) == 0 {
		return nil, false
	}

	key := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(m[1]), "-"), "-")
	return &domain.DecisionNeeded{
		Key:      key,
		Question: m[1],
		Options:  options,
		Default:  strings.TrimSpace(m[3]),
	}, true
}

func label(v string) string {
	r, size := utf8.DecodeRuneInString(v)
	return string(unicode.ToUpper(r)) + v[size:]
}
