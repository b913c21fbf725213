package predict

import (
	"context"
	"strings"
	"time"

	"triageline/internal/domain"
	"triageline/internal/httpclient"
)

// HTTPProvider calls a remote classifier:
// POST {title, body, top_n} -> {predictions: [{developer, confidence}]}.
type HTTPProvider struct {
	client   *httpclient.Client
	endpoint string
}

type predictRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	TopN  int    `json:"top_n"`
}

type predictResponse struct {
	Predictions []domain.Prediction `json:"predictions"`
}

// NewHTTP targets endpoint; its health check is endpoint's sibling /health.
func NewHTTP(endpoint string, timeout time.Duration, opts ...httpclient.Option) *HTTPProvider {
	base := strings.TrimRight(endpoint, "/")
	if timeout > 0 {
		opts = append([]httpclient.Option{httpclient.WithTimeout(timeout)}, opts...)
	}
	return &HTTPProvider{
		client:   httpclient.New(base, "", append(opts, httpclient.WithRetries(1, 200*time.Millisecond))...),
		endpoint: base,
	}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) Predict(ctx context.Context, title, body string, topN int) ([]domain.Prediction, error) {
	var res predictResponse
	if err := p.client.PostJSON(ctx, "", predictRequest{Title: title, Body: body, TopN: topN}, &res); err != nil {
		return nil, err
	}
	if topN > 0 && len(res.Predictions) > topN {
		res.Predictions = res.Predictions[:topN]
	}
	return res.Predictions, nil
}

func (p *HTTPProvider) Ready(ctx context.Context) error {
	base := p.endpoint
	if i := strings.LastIndex(base, "/"); i > len("https://") {
		base = base[:i]
	}
	return httpclient.New(base, "", httpclient.WithRetries(0, 0)).GetJSON(ctx, "/health", nil, nil)
}
