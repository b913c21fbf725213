package policy_test

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"triageline/internal/domain"
	"triageline/internal/policy"
)

func TestDecideAutoAssign(t *testing.T) {
	d, err := policy.Decide([]domain.Prediction{{Developer: "Alice", Confidence: 0.92}, {Developer: "Bob", Confidence: 0.3}}, 0.7)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !d.AutoAssign || d.Top.Developer != "Alice" {
		t.Fatalf("expected auto-assign to Alice, got %+v", d)
	}
	if d.Threshold != 0.7 {
		t.Fatalf("threshold not carried: %v", d.Threshold)
	}
}

func TestDecideManualReview(t *testing.T) {
	d, err := policy.Decide([]domain.Prediction{{Developer: "Alice", Confidence: 0.4}, {Developer: "Bob", Confidence: 0.3}}, 0.7)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.AutoAssign {
		t.Fatalf("expected manual review")
	}
}

func TestDecideBoundaryIsInclusive(t *testing.T) {
	d, err := policy.Decide([]domain.Prediction{{Developer: "Alice", Confidence: 0.5}}, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if !d.AutoAssign {
		t.Fatalf("confidence equal to threshold must auto-assign")
	}
}

func TestDecideSortsUnorderedInput(t *testing.T) {
	in := []domain.Prediction{{Developer: "Bob", Confidence: 0.2}, {Developer: "Carol", Confidence: 0.9}, {Developer: "Alice", Confidence: 0.5}}
	d, err := policy.Decide(in, 0.95)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Carol", "Alice", "Bob"}
	for i, p := range d.Predictions {
		if p.Developer != want[i] {
			t.Fatalf("position %d: got %s want %s", i, p.Developer, want[i])
		}
	}
	if in[0].Developer != "Bob" {
		t.Fatalf("input slice was reordered")
	}
}

func TestDecideTiesKeepInputOrder(t *testing.T) {
	d, err := policy.Decide([]domain.Prediction{{Developer: "Bob", Confidence: 0.6}, {Developer: "Alice", Confidence: 0.6}, {Developer: "Carol", Confidence: 0.1}}, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if d.Top.Developer != "Bob" {
		t.Fatalf("tie must resolve to the first candidate, got %s", d.Top.Developer)
	}
}

func TestDecideRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name      string
		preds     []domain.Prediction
		threshold float64
		field     string
	}{
		{"empty", nil, 0.5, "predictions"},
		{"above one", []domain.Prediction{{Developer: "Alice", Confidence: 1.2}}, 0.5, "predictions[0].confidence"},
		{"negative", []domain.Prediction{{Developer: "Alice", Confidence: 0.4}, {Developer: "Bob", Confidence: -0.1}}, 0.5, "predictions[1].confidence"},
		{"nan", []domain.Prediction{{Developer: "Alice", Confidence: math.NaN()}}, 0.5, "predictions[0].confidence"},
		{"threshold", []domain.Prediction{{Developer: "Alice", Confidence: 0.4}}, 1.5, "threshold"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := policy.Decide(tc.preds, tc.threshold)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.FieldNames()[0] != tc.field {
				t.Fatalf("expected field %s, got %v", tc.field, verr.FieldNames())
			}
		})
	}
}

func TestDecideProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	names := []string{"a", "b", "c", "d", "e", "f"}
	for iter := 0; iter < 2000; iter++ {
		n := 1 + rng.Intn(len(names))
		preds := make([]domain.Prediction, n)
		for i := range preds {
			// coarse buckets so ties are common
			preds[i] = domain.Prediction{Developer: names[i], Confidence: float64(rng.Intn(11)) / 10}
		}
		threshold := float64(rng.Intn(101)) / 100

		d, err := policy.Decide(preds, threshold)
		if err != nil {
			t.Fatalf("iter %d: %v", iter, err)
		}
		best := 0
		for i, p := range preds {
			if p.Confidence > preds[best].Confidence {
				best = i
			}
		}
		if d.Top != preds[best] {
			t.Fatalf("iter %d: top %+v, want %+v", iter, d.Top, preds[best])
		}
		if d.AutoAssign != (preds[best].Confidence >= threshold) {
			t.Fatalf("iter %d: auto=%v for top %.2f threshold %.2f", iter, d.AutoAssign, preds[best].Confidence, threshold)
		}
		if len(d.Predictions) != n {
			t.Fatalf("iter %d: lost predictions", iter)
		}
		for i := 1; i < n; i++ {
			if d.Predictions[i-1].Confidence < d.Predictions[i].Confidence {
				t.Fatalf("iter %d: not sorted: %+v", iter, d.Predictions)
			}
		}
		again, _ := policy.Decide(preds, threshold)
		if again.Top != d.Top || again.AutoAssign != d.AutoAssign {
			t.Fatalf("iter %d: nondeterministic decision", iter)
		}
	}
}
