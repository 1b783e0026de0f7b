// Package aggregate consolidates per-frame classifications into one final
// score per assessment item. Aggregation is pure: identical inputs always
// produce identical output, regardless of input order.
package aggregate

import (
	"math"
	"sort"
	"strconv"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
)

// Aggregate resolves one AssessmentScore per expected item of a sheet with
// itemCount question rows. Within an item, exact-value agreement is scored
// by total confidence mass; the value with the highest mass wins and its
// aggregate confidence is its share of the item's total mass. An item with
// no contributing results yields the unresolved sentinel with zero
// confidence, which is a valid outcome for downstream review, not an error.
func Aggregate(itemCount int, results []domain.ClassificationResult) []domain.AssessmentScore {
	groups := make(map[string][]domain.ClassificationResult)
	for _, r := range results {
		groups[r.Item] = append(groups[r.Item], r)
	}

	items := domain.ExpectedItems(itemCount)
	scores := make([]domain.AssessmentScore, 0, len(items))
	for _, item := range items {
		scores = append(scores, resolve(item, groups[item]))
	}
	return scores
}

// resolve picks the winning value for one item's group.
func resolve(item string, group []domain.ClassificationResult) domain.AssessmentScore {
	if len(group) == 0 {
		return domain.AssessmentScore{
			Item:       item,
			Value:      domain.UnresolvedValue,
			Confidence: 0,
		}
	}

	// Tally in a fixed order: float addition is not associative, so summing
	// in input order would let near-tied masses compare differently when the
	// same results arrive reordered.
	ordered := make([]domain.ClassificationResult, len(group))
	copy(ordered, group)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Value != ordered[j].Value {
			return ordered[i].Value < ordered[j].Value
		}
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence < ordered[j].Confidence
		}
		return ordered[i].FrameIndex < ordered[j].FrameIndex
	})

	type tally struct {
		mass float64
		peak float64
	}
	tallies := make(map[string]*tally)
	totalMass := 0.0
	for _, r := range ordered {
		t, ok := tallies[r.Value]
		if !ok {
			t = &tally{}
			tallies[r.Value] = t
		}
		t.mass += r.Confidence
		t.peak = math.Max(t.peak, r.Confidence)
		totalMass += r.Confidence
	}

	// Highest mass wins; ties fall back to the single highest-confidence
	// result, then to the smaller value string so the outcome is stable
	// under reordering.
	var winner string
	var best *tally
	for value, t := range tallies {
		switch {
		case best == nil,
			t.mass > best.mass,
			t.mass == best.mass && t.peak > best.peak,
			t.mass == best.mass && t.peak == best.peak && value < winner:
			winner = value
			best = t
		}
	}

	confidence := 0.0
	if totalMass > 0 {
		confidence = best.mass / totalMass
	}

	sources := make([]domain.ClassificationResult, 0, len(group))
	for _, r := range group {
		if r.Value == winner {
			sources = append(sources, r)
		}
	}
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].FrameIndex < sources[j].FrameIndex
	})

	return domain.AssessmentScore{
		Item:       item,
		Value:      winner,
		Confidence: confidence,
		Sources:    sources,
	}
}

// Stats summarizes the resolved numeric values of a score set.
func Stats(scores []domain.AssessmentScore) domain.ResultStats {
	var values []float64
	for _, s := range scores {
		if !s.Resolved() {
			continue
		}
		v, err := strconv.ParseFloat(s.Value, 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}

	if len(values) == 0 {
		return domain.ResultStats{}
	}

	sort.Float64s(values)

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	mid := len(values) / 2
	median := values[mid]
	if len(values)%2 == 0 {
		median = (values[mid-1] + values[mid]) / 2
	}

	return domain.ResultStats{
		Count:  len(values),
		Mean:   mean,
		Median: median,
		StdDev: math.Sqrt(variance),
		Min:    values[0],
		Max:    values[len(values)-1],
	}
}
