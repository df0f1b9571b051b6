// Package rank orders search results by trust and assembles the
// token-budgeted context block injected into LLM prompts.
package rank

import (
	"fmt"
	"sort"
	"strings"

	"github.com/originos/memod/internal/index"
)

// CharsPerToken approximates how many characters fit in one token.
const CharsPerToken = 4

// Filter drops results that fail the requested type or minimum authority.
func Filter(results []index.SearchResult, memoryType string, minAuthority int) []index.SearchResult {
	var out []index.SearchResult
	for _, r := range results {
		if memoryType != "" && string(r.Type) != memoryType {
			continue
		}
		if r.Authority < minAuthority {
			continue
		}
		out = append(out, r)
	}
	return out
}

// CandidateCount returns how many raw candidates to request from the
// index for a desired topK. Filtering discards results after the
// similarity search, so filtered queries over-fetch threefold.
func CandidateCount(topK int, filtered bool) int {
	if filtered {
		return 3 * topK
	}
	return topK
}

// Order sorts results by descending authority, ties broken by descending
// similarity score. Authority dominates: a constraint outranks a better
// scoring hypothesis. The sort is stable.
func Order(results []index.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Authority != results[j].Authority {
			return results[i].Authority > results[j].Authority
		}
		return results[i].Score > results[j].Score
	})
}

// AssembleContext formats ordered results into a context block no larger
// than maxChars of entry text. Entries are appended greedily; the first
// entry that would overflow the budget stops assembly, and entries are
// never truncated mid-string. Returns "" when there are no results.
func AssembleContext(results []index.SearchResult, maxChars int) string {
	if len(results) == 0 {
		return ""
	}

	lines := []string{"<relevant_memories>"}
	total := 0
	for _, r := range results {
		entry := formatEntry(r)
		if total+len(entry) > maxChars {
			break
		}
		lines = append(lines, entry)
		total += len(entry)
	}
	lines = append(lines, "</relevant_memories>")
	return strings.Join(lines, "\n")
}

func formatEntry(r index.SearchResult) string {
	return fmt.Sprintf("[%s|auth:%d|score:%.2f] %s", r.Type, r.Authority, r.Score, r.Content)
}

// FormatResults renders results as a readable list for the CLI.
func FormatResults(results []index.SearchResult) string {
	if len(results) == 0 {
		return "No relevant memories found."
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. [%s] (score: %.3f, auth: %d)\n", i+1, r.Type, r.Score, r.Authority)
		content := r.Content
		if len(content) > 100 {
			content = content[:100] + "..."
		}
		fmt.Fprintf(&b, "   %s\n", content)
		if len(r.Tags) > 0 {
			fmt.Fprintf(&b, "   tags: %s\n", strings.Join(r.Tags, ", "))
		}
	}
	return b.String()
}
