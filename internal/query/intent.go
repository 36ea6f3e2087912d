package query

import (
	"regexp"
	"strings"
)

// Capability classifies what a question asks the engine to do. It steers the
// answer framing, not retrieval.
type Capability string

const (
	CapSearch             Capability = "search"
	CapExplain            Capability = "explain"
	CapFindImplementation Capability = "find_implementation"
	CapFindUsages         Capability = "find_usages"
	CapFindSimilar        Capability = "find_similar"
)

// Intent captures what a natural-language question implies: the asked-for
// capability, a language scope ("the python code that...") and path patterns
// ("in the auth service", "what does a.py do"). Filters only narrow the
// search; when a narrowed search comes up empty the engine retries without
// them.
type Intent struct {
	Capability   Capability
	Language     string
	PathPatterns []string
	Terms        []string // Salient words left after stripping filler
}

// capabilityKeywords is checked in order; the first match wins.
var capabilityKeywords = []struct {
	keyword    string
	capability Capability
}{
	{"who calls", CapFindUsages},
	{"call sites", CapFindUsages},
	{"callers", CapFindUsages},
	{"usages", CapFindUsages},
	{"used by", CapFindUsages},
	{"referenced", CapFindUsages},
	{"similar to", CapFindSimilar},
	{"code like", CapFindSimilar},
	{"where is", CapFindImplementation},
	{"where does", CapFindImplementation},
	{"implemented", CapFindImplementation},
	{"implementation of", CapFindImplementation},
	{"defined", CapFindImplementation},
	{"definition of", CapFindImplementation},
	{"how does", CapExplain},
	{"how do", CapExplain},
	{"how are", CapExplain},
	{"what does", CapExplain},
	{"what happens", CapExplain},
	{"explain", CapExplain},
	{"why", CapExplain},
}

// languageMentions maps spoken language names to the identifiers stored on
// chunks. Ordered so that "javascript" wins over its "java" substring.
var languageMentions = []struct {
	mention  string
	language string
}{
	{"typescript", "typescript"},
	{"javascript", "javascript"},
	{"golang", "go"},
	{"python", "python"},
	{"java", "java"},
	{"rust", "rust"},
	{"ruby", "ruby"},
}

// topicPatterns maps question topics to path globs worth narrowing to.
var topicPatterns = map[string][]string{
	"test":      {"*_test.*", "*test*"},
	"config":    {"*config*"},
	"migration": {"*migration*", "*schema*"},
	"auth":      {"*auth*"},
	"api":       {"*api*", "*route*", "*handler*", "*controller*"},
	"model":     {"*model*", "*entit*"},
}

// stopwords are question filler that carries no retrieval signal.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "this": true, "that": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"do": true, "does": true, "did": true, "done": true,
	"how": true, "what": true, "where": true, "when": true, "why": true,
	"who": true, "which": true,
	"in": true, "on": true, "of": true, "for": true, "to": true,
	"from": true, "with": true, "and": true, "or": true, "not": true,
	"it": true, "its": true, "by": true, "at": true, "as": true,
	"can": true, "could": true, "would": true, "should": true,
	"me": true, "my": true, "our": true, "we": true, "you": true,
	"code": true, "file": true, "files": true, "find": true, "show": true,
	"explain": true, "implemented": true, "defined": true, "used": true,
	"work": true, "works": true, "here": true, "there": true,
}

// termWord matches identifier-like words worth keeping as search terms.
var termWord = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]{2,}`)

// fileMention matches explicit file references like "a.py" or "internal/server.go".
var fileMention = regexp.MustCompile(`[\w./-]+\.(go|py|js|jsx|ts|tsx|java|rb|rs|c|h|cpp|cs|php|swift|kt|scala|sql|sh|yaml|yml|json|md)\b`)

// AnalyzeQuery infers search filters from the question text.
func AnalyzeQuery(question string) Intent {
	lower := strings.ToLower(question)
	intent := Intent{Capability: CapSearch}

	for _, k := range capabilityKeywords {
		if strings.Contains(lower, k.keyword) {
			intent.Capability = k.capability
			break
		}
	}

	for _, m := range languageMentions {
		if strings.Contains(lower, m.mention) {
			intent.Language = m.language
			break
		}
	}

	intent.Terms = extractTerms(question)

	// Explicit file mentions beat topic heuristics
	for _, file := range fileMention.FindAllString(question, -1) {
		intent.PathPatterns = append(intent.PathPatterns, file, "*/"+file)
	}
	if len(intent.PathPatterns) > 0 {
		return intent
	}

	for topic, patterns := range topicPatterns {
		if strings.Contains(lower, topic) {
			intent.PathPatterns = append(intent.PathPatterns, patterns...)
		}
	}
	return intent
}

// extractTerms keeps the question's salient words in order, deduplicated.
// Symbol names keep their original casing.
func extractTerms(question string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, word := range termWord.FindAllString(question, -1) {
		lower := strings.ToLower(word)
		if stopwords[lower] || seen[lower] {
			continue
		}
		seen[lower] = true
		terms = append(terms, word)
	}
	return terms
}
