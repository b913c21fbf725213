// Package tags derives keyword labels from bug text.
package tags

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// DefaultLimit caps the number of generated tags.
const DefaultLimit = 5

var phraseTags = map[string]string{
	"c++":                "lang_cpp",
	"c#":                 "lang_csharp",
	"f#":                 "lang_fsharp",
	".net":               "framework_dotnet",
	"vs code":            "product_vscode",
	"visual studio code": "product_vscode",
	"node.js":            "tech_nodejs",
	"vue.js":             "tech_vuejs",
}

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a about above after again against all am an and any are as at be because been
before being below between both but by can cannot could did do does doing down during each few for from
further had has have having he her here hers herself him himself his how i if in into is it its itself
just let me more most my myself nor of off on once only or other ought our ours ourselves out over own
same she should so some such than that the their theirs them themselves then there these they this
those through to too under until up very was we were what when where which while who whom why will with
would you your yours yourself yourselves also get got use using used when want like still even try tried
please thanks thank hi hello see seems seem one two way make makes made`) {
		stopWords[w] = struct{}{}
	}
}

// Tokenize folds text and splits it on anything but letters, digits and underscore.
func Tokenize(text string) []string {
	folded := cases.Fold().String(text)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// Generate picks up to limit tags from title and body: known phrases first,
// then the most frequent non-stopword tokens, ties broken alphabetically.
func Generate(title, body string, limit int) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	text := title + " " + body
	lower := cases.Fold().String(text)

	var out []string
	seen := map[string]struct{}{}
	phrases := make([]string, 0, len(phraseTags))
	for p := range phraseTags {
		phrases = append(phrases, p)
	}
	sort.Strings(phrases)
	for _, p := range phrases {
		tag := phraseTags[p]
		if _, ok := seen[tag]; ok {
			continue
		}
		if strings.Contains(lower, p) {
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}

	counts := map[string]int{}
	for _, tok := range Tokenize(text) {
		if len(tok) < 3 || isNumber(tok) {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		counts[tok]++
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	for _, w := range words {
		if len(out) >= limit {
			break
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
