package aggregate

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
)

func result(item, value string, confidence float64, frame int) domain.ClassificationResult {
	return domain.ClassificationResult{Item: item, Value: value, Confidence: confidence, FrameIndex: frame}
}

func TestConfidenceWeightedMajority(t *testing.T) {
	// 15 reads of "7" at 0.9 vs 5 reads of "1" at 0.6:
	// 7 wins with 13.5/(13.5+3.0) ≈ 0.818.
	var results []domain.ClassificationResult
	for i := 0; i < 15; i++ {
		results = append(results, result("question_1", "7", 0.9, i))
	}
	for i := 15; i < 20; i++ {
		results = append(results, result("question_1", "1", 0.6, i))
	}

	scores := Aggregate(1, results)
	require.Len(t, scores, 2) // question_1 + total_score

	q1 := scores[0]
	assert.Equal(t, "question_1", q1.Item)
	assert.Equal(t, "7", q1.Value)
	assert.InDelta(t, 0.818, q1.Confidence, 0.001)
	assert.Len(t, q1.Sources, 15)
}

func TestEmptyGroupYieldsUnresolved(t *testing.T) {
	// question_2 has zero contributing results: unresolved sentinel, zero
	// confidence, never a fabricated value.
	scores := Aggregate(2, []domain.ClassificationResult{
		result("question_1", "8", 0.9, 0),
		result("total_score", "8", 0.9, 0),
	})
	require.Len(t, scores, 3)

	q2 := scores[1]
	assert.Equal(t, "question_2", q2.Item)
	assert.False(t, q2.Resolved())
	assert.Equal(t, domain.UnresolvedValue, q2.Value)
	assert.Zero(t, q2.Confidence)
	assert.Empty(t, q2.Sources)
}

func TestNoResultsAtAll(t *testing.T) {
	scores := Aggregate(3, nil)
	require.Len(t, scores, 4)
	for _, s := range scores {
		assert.False(t, s.Resolved())
	}
}

func TestSingleResultWinsOutright(t *testing.T) {
	scores := Aggregate(1, []domain.ClassificationResult{
		result("question_1", "4.5", 0.55, 7),
	})
	q1 := scores[0]
	assert.Equal(t, "4.5", q1.Value)
	assert.Equal(t, 1.0, q1.Confidence)
	require.Len(t, q1.Sources, 1)
	assert.Equal(t, 7, q1.Sources[0].FrameIndex)
}

func TestMassTieFallsBackToPeakConfidence(t *testing.T) {
	// Equal mass (0.9 each); "3" carries the single strongest read.
	scores := Aggregate(1, []domain.ClassificationResult{
		result("question_1", "8", 0.45, 0),
		result("question_1", "8", 0.45, 1),
		result("question_1", "3", 0.9, 2),
	})
	assert.Equal(t, "3", scores[0].Value)
	assert.InDelta(t, 0.5, scores[0].Confidence, 1e-9)
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	base := []domain.ClassificationResult{
		result("question_1", "7", 0.9, 0),
		result("question_1", "1", 0.6, 1),
		result("question_1", "7", 0.8, 2),
		result("question_2", "12", 0.7, 0),
		result("question_2", "12", 0.7, 1),
		result("question_2", "2", 0.95, 2),
		result("total_score", "19", 0.85, 1),
	}
	want := Aggregate(2, base)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 25; i++ {
		shuffled := make([]domain.ClassificationResult, len(base))
		copy(shuffled, base)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		assert.Equal(t, want, Aggregate(2, shuffled))
	}
}

func TestAggregateNearTieIsOrderIndependent(t *testing.T) {
	// 0.1+0.2+0.3 and 0.3+0.2+0.1 round differently in float64, so summing
	// in input order would make "7" (mass ~0.6) and "1" (mass exactly 0.6)
	// swap winners under reordering.
	base := []domain.ClassificationResult{
		result("question_1", "7", 0.1, 0),
		result("question_1", "7", 0.2, 1),
		result("question_1", "7", 0.3, 2),
		result("question_1", "1", 0.6, 3),
	}
	reversed := make([]domain.ClassificationResult, len(base))
	for i, r := range base {
		reversed[len(base)-1-i] = r
	}

	want := Aggregate(1, base)
	assert.Equal(t, want, Aggregate(1, reversed))
	assert.Equal(t, "7", want[0].Value)
}

func TestAggregateIsIdempotent(t *testing.T) {
	input := []domain.ClassificationResult{
		result("question_1", "7", 0.9, 0),
		result("question_1", "7", 0.9, 1),
	}
	first := Aggregate(1, input)
	second := Aggregate(1, input)
	assert.Equal(t, first, second)
}

func TestEveryResolvedScoreTracesToASource(t *testing.T) {
	scores := Aggregate(2, []domain.ClassificationResult{
		result("question_1", "7", 0.9, 0),
		result("question_2", "3", 0.8, 0),
		result("total_score", "10", 0.7, 0),
	})
	for _, s := range scores {
		if s.Resolved() {
			assert.NotEmpty(t, s.Sources, "item %s", s.Item)
		}
	}
}

func TestStats(t *testing.T) {
	scores := []domain.AssessmentScore{
		{Item: "question_1", Value: "2", Confidence: 1},
		{Item: "question_2", Value: "4", Confidence: 1},
		{Item: "question_3", Value: "6", Confidence: 1},
		{Item: "question_4", Value: domain.UnresolvedValue},
	}
	stats := Stats(scores)
	assert.Equal(t, 3, stats.Count)
	assert.InDelta(t, 4.0, stats.Mean, 1e-9)
	assert.InDelta(t, 4.0, stats.Median, 1e-9)
	assert.InDelta(t, 1.63299, stats.StdDev, 1e-4)
	assert.Equal(t, 2.0, stats.Min)
	assert.Equal(t, 6.0, stats.Max)
}

func TestStatsEmpty(t *testing.T) {
	assert.Zero(t, Stats(nil))
	assert.Zero(t, Stats([]domain.AssessmentScore{{Item: "question_1"}}))
}
