package suggest

import "strings"

const maxSuggestions = 4

var catalog = []string{
	"What are my rights as a tenant in Kenya?",
	"How do I file for divorce?",
	"What is the process for registering a business?",
	"How do I write a valid will?",
	"What are my rights if I am arrested?",
	"How do I file a small claims case?",
	"What are the employment laws regarding termination?",
	"How do I transfer land ownership?",
	"What should I do after a road traffic accident?",
	"How do I apply for child custody?",
}

// Catalog returns a copy of the canned questions in catalog order.
func Catalog() []string {
	return append([]string(nil), catalog...)
}

// Generate returns up to four catalog questions matching the input. A match is the
// whole input or any of its words appearing in the question, ignoring case.
// Empty input and inputs without matches get the first four questions.
func Generate(input string) []string {
	q := strings.ToLower(strings.TrimSpace(input))
	if q == "" {
		return firstN(maxSuggestions)
	}
	tokens := strings.Fields(q)

	out := make([]string, 0, maxSuggestions)
	for _, entry := range catalog {
		if matches(strings.ToLower(entry), q, tokens) {
			out = append(out, entry)
			if len(out) == maxSuggestions {
				break
			}
		}
	}
	if len(out) == 0 {
		return firstN(maxSuggestions)
	}
	return out
}

func matches(entry, whole string, tokens []string) bool {
	if strings.Contains(entry, whole) {
		return true
	}
	for _, tok := range tokens {
		if strings.Contains(entry, tok) {
			return true
		}
	}
	return false
}

func firstN(n int) []string {
	if n > len(catalog) {
		n = len(catalog)
	}
	return append([]string(nil), catalog[:n]...)
}
