package directory

import (
	"strings"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"

	"triageline/internal/domain"
)

// FuzzyThreshold is the minimum similarity for a non-exact match.
const FuzzyThreshold = 0.85

type MatchStatus string

const (
	MatchExact     MatchStatus = "exact"
	MatchFuzzy     MatchStatus = "fuzzy"
	MatchAmbiguous MatchStatus = "ambiguous"
	MatchNone      MatchStatus = "none"
)

// Match is the outcome of resolving a free-form name.
type Match struct {
	Developer *domain.Developer
	Score     float64
	Status    MatchStatus
}

// Found reports whether exactly one developer was resolved.
func (m Match) Found() bool { return m.Developer != nil }

// Matcher resolves names against full name, username and email prefix.
type Matcher struct {
	devs []domain.Developer
}

func NewMatcher(devs []domain.Developer) *Matcher {
	return &Matcher{devs: devs}
}

var placeholderNames = map[string]struct{}{
	"": {}, "unassigned": {}, "none": {}, "null": {}, "no assignee found": {},
}

// Match prefers a unique exact match, then a unique best fuzzy match.
// Ties at either level resolve to ambiguous.
func (m *Matcher) Match(name string) Match {
	in := NormalizeName(name)
	if _, ok := placeholderNames[in]; ok {
		return Match{Status: MatchNone}
	}

	best := map[int]float64{}
	exact := map[int]bool{}
	for i, dev := range m.devs {
		for _, key := range candidateKeys(dev) {
			if key == "" {
				continue
			}
			if key == in {
				exact[i] = true
				best[i] = 1
				break
			}
			if s := Similarity(in, key); s >= FuzzyThreshold && s > best[i] {
				best[i] = s
			}
		}
	}

	if len(exact) > 1 {
		return Match{Score: 1, Status: MatchAmbiguous}
	}
	for i := range exact {
		dev := m.devs[i]
		return Match{Developer: &dev, Score: 1, Status: MatchExact}
	}
	if len(best) == 0 {
		return Match{Status: MatchNone}
	}

	top, topScore, tied := -1, 0.0, false
	for i, s := range best {
		switch {
		case s > topScore:
			top, topScore, tied = i, s, false
		case s == topScore:
			tied = true
		}
	}
	if tied {
		return Match{Score: topScore, Status: MatchAmbiguous}
	}
	dev := m.devs[top]
	return Match{Developer: &dev, Score: topScore, Status: MatchFuzzy}
}

func candidateKeys(dev domain.Developer) []string {
	keys := []string{NormalizeName(dev.FullName), NormalizeName(dev.Username)}
	if prefix, _, ok := strings.Cut(dev.Email, "@"); ok {
		keys = append(keys, NormalizeName(prefix))
	}
	return keys
}

// NormalizeName folds case, maps '-' and '_' to spaces, drops other
// punctuation and collapses whitespace.
func NormalizeName(name string) string {
	folded := cases.Fold().String(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range folded {
		switch {
		case r == '-' || r == '_' || r == ' ' || r == '\t':
			b.WriteByte(' ')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Similarity is 1 minus the edit distance over the longer length.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
