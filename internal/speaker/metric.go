package speaker

import (
	"math"

	"github.com/MrWong99/captioner/pkg/features"
)

const (
	// DefaultDistanceThreshold is the weighted-Euclidean distance below which
	// a vector joins an existing speaker.
	DefaultDistanceThreshold = 0.5

	// DefaultSimilarityThreshold is the cosine similarity at or above which an
	// embedding joins an existing speaker.
	DefaultSimilarityThreshold = 0.85
)

// Metric compares two speaker vectors. A metric is either a distance (lower
// is closer) or a similarity (higher is closer) and carries its own
// threshold, so thresholds for the two kinds can never be mixed up.
type Metric struct {
	// Name identifies the metric in logs and config.
	Name string

	// Score compares a and b.
	Score func(a, b []float64) float64

	// Similarity is true when higher scores mean closer vectors.
	Similarity bool

	// Threshold is the score a candidate must beat to count as the same
	// speaker: strictly below it for distances, at or above it for
	// similarities.
	Threshold float64
}

// WeightedEuclidean returns the distance metric used with hand-crafted
// feature vectors. Nil weights select [features.DefaultWeights]; a
// non-positive threshold selects [DefaultDistanceThreshold].
func WeightedEuclidean(weights []float64, threshold float64) Metric {
	if weights == nil {
		weights = features.DefaultWeights
	}
	if threshold <= 0 {
		threshold = DefaultDistanceThreshold
	}
	return Metric{
		Name: "euclidean",
		Score: func(a, b []float64) float64 {
			return features.Distance(a, b, weights)
		},
		Threshold: threshold,
	}
}

// Cosine returns the similarity metric used with learned embeddings. A
// non-positive threshold selects [DefaultSimilarityThreshold].
func Cosine(threshold float64) Metric {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return Metric{
		Name:       "cosine",
		Score:      CosineSimilarity,
		Similarity: true,
		Threshold:  threshold,
	}
}

// CosineSimilarity returns the cosine of the angle between a and b. Zero
// vectors and mismatched lengths score -1.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// closer reports whether score x is a better match than y.
func (m Metric) closer(x, y float64) bool {
	if m.Similarity {
		return x > y
	}
	return x < y
}

// matches reports whether score passes the same-speaker threshold.
func (m Metric) matches(score float64) bool {
	if m.Similarity {
		return score >= m.Threshold
	}
	return score < m.Threshold
}

// worst is the score every real comparison beats.
func (m Metric) worst() float64 {
	if m.Similarity {
		return math.Inf(-1)
	}
	return math.Inf(1)
}
