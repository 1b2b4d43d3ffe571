package main

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxLineLength is the width of comment output.
	MaxLineLength = 80
	RuleChar      = "─"
)

// createHorizontalRule builds a comment header like
// "── alice ─ 2024-01-15 14:30 ─ synced ─────────" padded to MaxLineLength.
func createHorizontalRule(leadingDashes int, fields ...string) string {
	header := strings.Join(fields, " "+RuleChar+" ")
	trailing := MaxLineLength - leadingDashes - utf8.RuneCountInString(header) - 2 // -2 for spaces
	if trailing < 3 {
		trailing = 3
	}
	return strings.Repeat(RuleChar, leadingDashes) + " " + header + " " + strings.Repeat(RuleChar, trailing)
}

// indentLines prefixes every non-empty line of text.
func indentLines(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// parseLabel parses a vote such as "Code-Review=+2" or "Verified=-1".
func parseLabel(s string) (string, int, error) {
	name, value, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", 0, fmt.Errorf("label %q is not of the form Name=value", s)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(value), "+"))
	if err != nil {
		return "", 0, fmt.Errorf("label %q: value must be an integer", s)
	}
	return name, n, nil
}

func parseLabels(in []string) (map[string]int, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]int, len(in))
	for _, s := range in {
		name, n, err := parseLabel(s)
		if err != nil {
			return nil, err
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("label %s given twice", name)
		}
		out[name] = n
	}
	return out, nil
}

// formatLabels renders votes in name order, e.g. "Code-Review=+2 Verified=-1".
func formatLabels(labels map[string]int) string {
	parts := make([]string, 0, len(labels))
	for _, name := range slices.Sorted(maps.Keys(labels)) {
		parts = append(parts, fmt.Sprintf("%s=%+d", name, labels[name]))
	}
	return strings.Join(parts, " ")
}
