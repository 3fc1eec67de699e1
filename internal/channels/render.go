package channels

import (
	"fmt"
	"sort"
	"strings"

	"notifyd/internal/model"
)

var priorityPrefix = map[model.Priority]string{
	model.PriorityCritical: "[CRITICAL] ",
	model.PriorityHigh:     "[HIGH] ",
}

// Render returns the plain text form of p used by text-only adapters.
func Render(p Payload) string {
	var b strings.Builder
	b.WriteString(priorityPrefix[p.Priority])
	b.WriteString(p.Title)
	if p.Body != "" {
		b.WriteString("\n")
		b.WriteString(p.Body)
	}
	if len(p.Attributes) > 0 {
		keys := make([]string, 0, len(p.Attributes))
		for k := range p.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %s", k, p.Attributes[k])
		}
	}
	for i, it := range p.Items {
		fmt.Fprintf(&b, "\n%d. %s%s", i+1, priorityPrefix[it.Priority], it.Title)
		if !it.CreatedAt.IsZero() {
			fmt.Fprintf(&b, " (%s)", it.CreatedAt.UTC().Format("2006-01-02 15:04"))
		}
	}
	return b.String()
}

// splitText splits long text into chunks of at most limit runes, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
