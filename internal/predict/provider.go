// Package predict supplies ranked developer predictions for bug text.
package predict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"triageline/internal/config"
	"triageline/internal/domain"
	"triageline/internal/telemetry"
)

// Provider ranks developers for a bug. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Predict(ctx context.Context, title, body string, topN int) ([]domain.Prediction, error)
	// Ready reports whether the provider can serve predictions.
	Ready(ctx context.Context) error
}

// ErrNoPredictions is returned when a provider yields an empty list.
var ErrNoPredictions = errors.New("provider returned no predictions")

// New builds the provider selected by cfg.Kind, wrapped with its timeout.
func New(cfg config.PredictorConfig) (Provider, error) {
	var p Provider
	switch cfg.Kind {
	case "lexicon":
		p = NewLexicon(cfg.Lexicon)
	case "http":
		p = NewHTTP(cfg.Endpoint, cfg.Timeout.Duration)
	default:
		return nil, fmt.Errorf("unknown predictor kind %q", cfg.Kind)
	}
	return WithTimeout(p, cfg.Timeout.Duration), nil
}

type bounded struct {
	Provider
	timeout time.Duration
}

// WithTimeout bounds every Predict call and records it as a span.
func WithTimeout(p Provider, d time.Duration) Provider {
	return bounded{Provider: p, timeout: d}
}

func (b bounded) Predict(ctx context.Context, title, body string, topN int) ([]domain.Prediction, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "predict")
	defer span.End()
	span.SetAttributes(attribute.String("predictor", b.Name()), attribute.Int("top_n", topN))

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	preds, err := b.Provider.Predict(ctx, title, body, topN)
	if err == nil && len(preds) == 0 {
		err = ErrNoPredictions
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("predictions", len(preds)))
	return preds, nil
}
