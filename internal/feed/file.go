package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"triageline/internal/domain"
)

const SourceLocal = "local"

// FileFeed reads a JSON or YAML list of bug reports from disk.
type FileFeed struct {
	Path string
}

type fileRecord struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Body        string `json:"body" yaml:"body"`
	ExternalRef string `json:"external_ref" yaml:"external_ref"`
}

func (f FileFeed) Name() string { return SourceLocal }

// Fetch returns the first limit records. Records without an external ref
// are keyed by file name and id, or position when id is absent.
func (f FileFeed) Fetch(ctx context.Context, limit int) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, &domain.ImportSourceError{Source: SourceLocal, Err: err}
	}
	var records []fileRecord
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &records)
	default:
		err = json.Unmarshal(data, &records)
	}
	if err != nil {
		return nil, &domain.ImportSourceError{Source: SourceLocal, Err: fmt.Errorf("parse %s: %w", f.Path, err)}
	}
	base := filepath.Base(f.Path)
	items := make([]Item, 0, min(limit, len(records)))
	for i, rec := range records {
		if len(items) >= limit {
			break
		}
		ref := strings.TrimSpace(rec.ExternalRef)
		if ref == "" {
			key := strings.TrimSpace(rec.ID)
			if key == "" {
				key = fmt.Sprintf("%d", i+1)
			}
			ref = fmt.Sprintf("local:%s#%s", base, key)
		}
		items = append(items, Item{Title: rec.Title, Body: rec.Body, ExternalRef: ref})
	}
	return items, nil
}
