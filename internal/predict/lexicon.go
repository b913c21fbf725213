package predict

import (
	"context"
	"errors"
	"sort"

	"triageline/internal/domain"
	"triageline/internal/tags"
)

// LexiconProvider scores developers by keyword hits in the bug text.
// Confidence is a developer's share of all hits; with no hits every
// developer gets an equal share.
type LexiconProvider struct {
	developers []string
	keywords   map[string]map[string]struct{}
}

func NewLexicon(lexicon map[string][]string) *LexiconProvider {
	p := &LexiconProvider{keywords: make(map[string]map[string]struct{}, len(lexicon))}
	for dev, words := range lexicon {
		set := make(map[string]struct{}, len(words))
		for _, w := range words {
			for _, tok := range tags.Tokenize(w) {
				set[tok] = struct{}{}
			}
		}
		p.keywords[dev] = set
		p.developers = append(p.developers, dev)
	}
	sort.Strings(p.developers)
	return p
}

func (p *LexiconProvider) Name() string { return "lexicon" }

func (p *LexiconProvider) Ready(context.Context) error {
	if len(p.developers) == 0 {
		return errors.New("lexicon is empty")
	}
	return nil
}

func (p *LexiconProvider) Predict(ctx context.Context, title, body string, topN int) ([]domain.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.developers) == 0 {
		return nil, errors.New("lexicon is empty")
	}
	hits := make(map[string]int, len(p.developers))
	total := 0
	for _, tok := range tags.Tokenize(title + " " + body) {
		for _, dev := range p.developers {
			if _, ok := p.keywords[dev][tok]; ok {
				hits[dev]++
				total++
			}
		}
	}
	preds := make([]domain.Prediction, 0, len(p.developers))
	for _, dev := range p.developers {
		conf := 1 / float64(len(p.developers))
		if total > 0 {
			conf = float64(hits[dev]) / float64(total)
		}
		preds = append(preds, domain.Prediction{Developer: dev, Confidence: conf})
	}
	sort.SliceStable(preds, func(i, j int) bool { return preds[i].Confidence > preds[j].Confidence })
	if topN > 0 && len(preds) > topN {
		preds = preds[:topN]
	}
	return preds, nil
}
