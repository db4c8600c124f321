package repository

import (
	"encoding/json"
	"math"
)

// DefaultMinConfidence is the verification threshold used when callers give none.
const DefaultMinConfidence = 0.7

// MatchResult is the outcome of a nearest-match scan.
type MatchResult struct {
	Found      bool
	UserID     string
	Confidence float64
	Metadata   json.RawMessage
}

// Match scans every stored embedding and returns the closest record whose
// confidence is at least minConfidence.
//
// Confidence is 1 - L2 distance. It is not a normalized similarity: it can be
// negative, and existing thresholds depend on exactly this formula.
// Ties keep the record inserted first. The scan is linear in users × dimension.
func (r *EmbeddingRepository) Match(query []float64, minConfidence float64) (MatchResult, error) {
	if err := checkFinite(query); err != nil {
		return MatchResult{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best MatchResult
	for _, id := range r.order {
		rec := r.records[id]
		distance, err := euclideanDistance(query, rec.Embedding)
		if err != nil {
			err.UserID = id
			return MatchResult{}, err
		}

		confidence := 1 - distance
		if confidence < minConfidence {
			continue
		}
		if !best.Found || confidence > best.Confidence {
			best = MatchResult{
				Found:      true,
				UserID:     id,
				Confidence: confidence,
				Metadata:   append(json.RawMessage(nil), rec.Metadata...),
			}
		}
	}
	return best, nil
}

func euclideanDistance(a, b []float64) (float64, *ShapeError) {
	if len(a) != len(b) {
		return 0, &ShapeError{Want: len(b), Got: len(a)}
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}
