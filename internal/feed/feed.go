// Package feed reads candidate bug reports from external sources.
package feed

import "context"

// Item is one bug report offered for import. ExternalRef is stable per
// source item and is used for deduplication.
type Item struct {
	Title       string `json:"title" yaml:"title"`
	Body        string `json:"body" yaml:"body"`
	ExternalRef string `json:"external_ref" yaml:"external_ref"`
}

// Feed yields up to limit items. It may return fewer. When it fails part
// way it returns the items read so far together with the error.
type Feed interface {
	Name() string
	Fetch(ctx context.Context, limit int) ([]Item, error)
}
