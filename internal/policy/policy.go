// Package policy turns a ranked prediction list into an assignment decision.
package policy

import (
	"fmt"
	"math"
	"sort"

	"triageline/internal/domain"
)

// DefaultThreshold is the confidence cutoff used when none is configured.
const DefaultThreshold = 0.50

// Decision is the outcome of Decide. Predictions are in normalized order.
type Decision struct {
	AutoAssign  bool                `json:"is_auto_assigned"`
	Predictions []domain.Prediction `json:"predictions"`
	Threshold   float64             `json:"threshold"`
	Top         domain.Prediction   `json:"top"`
}

// Decide auto-assigns the top candidate when its confidence meets the threshold.
// The input slice is not modified.
func Decide(preds []domain.Prediction, threshold float64) (Decision, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return Decision{}, err
	}
	sorted, err := Normalize(preds)
	if err != nil {
		return Decision{}, err
	}
	top := sorted[0]
	return Decision{
		AutoAssign:  top.Confidence >= threshold,
		Predictions: sorted,
		Threshold:   threshold,
		Top:         top,
	}, nil
}

// Normalize validates a prediction list and returns a copy sorted by
// confidence descending, keeping input order on ties.
func Normalize(preds []domain.Prediction) ([]domain.Prediction, error) {
	if len(preds) == 0 {
		return nil, domain.Invalid("predictions", "must not be empty")
	}
	verr := &domain.ValidationError{}
	for i, p := range preds {
		if !inUnitRange(p.Confidence) {
			verr.Add(fmt.Sprintf("predictions[%d].confidence", i), "must be within [0,1]")
		}
		if p.Developer == "" {
			verr.Add(fmt.Sprintf("predictions[%d].developer", i), "is required")
		}
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	out := make([]domain.Prediction, len(preds))
	copy(out, preds)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

// ValidateThreshold rejects cutoffs outside [0,1].
func ValidateThreshold(threshold float64) error {
	if !inUnitRange(threshold) {
		return domain.Invalid("threshold", "must be within [0,1]")
	}
	return nil
}

func inUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
