package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"triageline/internal/config"
	"triageline/internal/domain"
	"triageline/internal/httpclient"
	"triageline/internal/logging"
)

const (
	SourceGitHub   = "github"
	githubPageSize = 100
)

// GitHubFeed lists issues from a fixed set of repositories.
type GitHubFeed struct {
	Repos       []string
	State       string
	Concurrency int
	Logger      *slog.Logger

	client *httpclient.Client
}

type githubIssue struct {
	Number      int              `json:"number"`
	Title       string           `json:"title"`
	Body        *string          `json:"body"`
	PullRequest *json.RawMessage `json:"pull_request"`
}

// NewGitHub builds a feed from config. hc may be nil.
func NewGitHub(cfg config.GitHubImportConfig, token string, hc *http.Client, logger *slog.Logger) *GitHubFeed {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	opts := []httpclient.Option{
		httpclient.WithHeader("X-GitHub-Api-Version", "2022-11-28"),
		httpclient.WithRetries(2, time.Second),
	}
	if cfg.Timeout.Duration > 0 {
		opts = append(opts, httpclient.WithTimeout(cfg.Timeout.Duration))
	}
	if hc != nil {
		opts = append(opts, httpclient.WithHTTPClient(hc))
	}
	state := cfg.State
	if state == "" {
		state = "open"
	}
	return &GitHubFeed{
		Repos:       cfg.Repos,
		State:       state,
		Concurrency: cfg.Concurrency,
		Logger:      logger,
		client:      httpclient.New(strings.TrimRight(base, "/"), token, opts...),
	}
}

func (f *GitHubFeed) Name() string { return SourceGitHub }

// Quotas splits limit across n repositories; the last takes the static
// remainder. Fetch tops the last one up to cover any shortfall.
func Quotas(limit, n int) []int {
	if n <= 0 || limit <= 0 {
		return nil
	}
	per := limit / n
	if per < 1 {
		per = 1
	}
	quotas := make([]int, n)
	remaining := limit
	for i := 0; i < n && remaining > 0; i++ {
		q := per
		if i == n-1 || q > remaining {
			q = remaining
		}
		quotas[i] = q
		remaining -= q
	}
	return quotas
}

// Fetch queries every repository but the last in parallel, then asks the
// last one for whatever the others fell short of. Items come back in
// repository order; a failed repository contributes the items it fetched
// before failing, and the first error is returned alongside them.
func (f *GitHubFeed) Fetch(ctx context.Context, limit int) ([]Item, error) {
	if len(f.Repos) == 0 {
		return nil, &domain.ImportSourceError{Source: SourceGitHub, Err: fmt.Errorf("no repositories configured")}
	}
	quotas := Quotas(limit, len(f.Repos))
	results := make([][]Item, len(f.Repos))
	last := len(f.Repos) - 1

	var g errgroup.Group
	if f.Concurrency > 0 {
		g.SetLimit(f.Concurrency)
	}
	for i, repo := range f.Repos[:last] {
		if quotas[i] == 0 {
			continue
		}
		g.Go(func() error {
			items, err := f.fetchRepo(ctx, repo, quotas[i])
			results[i] = items
			if err != nil {
				return fmt.Errorf("%s: %w", repo, err)
			}
			return nil
		})
	}
	err := g.Wait()

	collected := 0
	for _, items := range results[:last] {
		collected += len(items)
	}
	if rest := limit - collected; rest > 0 && ctx.Err() == nil {
		items, lastErr := f.fetchRepo(ctx, f.Repos[last], rest)
		results[last] = items
		if lastErr != nil && err == nil {
			err = fmt.Errorf("%s: %w", f.Repos[last], lastErr)
		}
	}

	var out []Item
	for _, items := range results {
		out = append(out, items...)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	if err != nil {
		return out, &domain.ImportSourceError{Source: SourceGitHub, Err: err}
	}
	return out, nil
}

func (f *GitHubFeed) fetchRepo(ctx context.Context, repo string, quota int) ([]Item, error) {
	logger := logging.Or(f.Logger)
	perPage := quota
	if perPage > githubPageSize {
		perPage = githubPageSize
	}
	var items []Item
	for page := 1; len(items) < quota; page++ {
		q := url.Values{}
		q.Set("state", f.State)
		q.Set("per_page", strconv.Itoa(perPage))
		q.Set("page", strconv.Itoa(page))
		var issues []githubIssue
		if err := f.client.GetJSON(ctx, "/repos/"+repo+"/issues", q, &issues); err != nil {
			return items, err
		}
		if len(issues) == 0 {
			break
		}
		for _, is := range issues {
			if is.PullRequest != nil {
				continue
			}
			body := ""
			if is.Body != nil {
				body = *is.Body
			}
			items = append(items, Item{
				Title:       is.Title,
				Body:        body,
				ExternalRef: fmt.Sprintf("github:%s#%d", repo, is.Number),
			})
			if len(items) >= quota {
				break
			}
		}
	}
	logger.Debug("github repo fetched", "repo", repo, "items", len(items), "quota", quota)
	return items, nil
}
