package evaluate

import (
	"sort"

	"github.com/promptforge/promptforge/pkg/models"
)

// Pure score-aggregation helpers over already-aggregated evaluation rows.

// WeightedAverage computes Σ(score×weight) / Σ(weight) over the criteria
// present in scores. A criterion missing from weights counts as weight 1.
// Returns 0 when the total weight is 0 (defined edge case, not an error).
func WeightedAverage(scoresByCriterion map[int]float64, weightsByCriterion map[int]int) float64 {
	var weightedSum float64
	var totalWeight int

	for critID, score := range scoresByCriterion {
		w, ok := weightsByCriterion[critID]
		if !ok || w == 0 {
			w = 1
		}
		weightedSum += score * float64(w)
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return weightedSum / float64(totalWeight)
}

// Aggregate builds one leaderboard row per variation: per-criterion mean
// scores, the weighted average over criteria, and the best-performing
// evaluator pairing.
func Aggregate(
	variations []models.PromptVariation,
	results []models.EvaluationResult,
	criteria []models.EvaluationCriterion,
) []models.AggregatedVariationResult {
	weights := make(map[int]int, len(criteria))
	for _, c := range criteria {
		weights[c.ID] = c.Weight
	}

	rows := make([]models.AggregatedVariationResult, 0, len(variations))
	for _, v := range variations {
		var own []models.EvaluationResult
		for _, r := range results {
			if r.VariationID == v.ID {
				own = append(own, r)
			}
		}

		sums := make(map[int]float64)
		counts := make(map[int]int)
		for _, r := range own {
			sums[r.CriterionID] += r.Score
			counts[r.CriterionID]++
		}
		scores := make(map[int]float64, len(sums))
		for critID, sum := range sums {
			scores[critID] = sum / float64(counts[critID])
		}

		rows = append(rows, models.AggregatedVariationResult{
			VariationID:  v.ID,
			Content:      v.Content,
			AverageScore: WeightedAverage(scores, weights),
			Scores:       scores,
			BestModel:    BestModelForVariation(own),
		})
	}
	return rows
}

// Rank orders rows by weighted average descending; equal scores rank by
// ascending variation id. The explicit tie-break keeps the order stable.
func Rank(rows []models.AggregatedVariationResult) []models.AggregatedVariationResult {
	out := append([]models.AggregatedVariationResult(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AverageScore != out[j].AverageScore {
			return out[i].AverageScore > out[j].AverageScore
		}
		return out[i].VariationID < out[j].VariationID
	})
	return out
}

// BestModelForVariation sums raw scores per evaluator tag across the
// variation's rows and picks the largest total, normalized by the
// variation's row count. Unweighted on purpose: this measures aggregate raw
// model performance, a separate axis from the weighted criterion average.
func BestModelForVariation(results []models.EvaluationResult) models.BestModel {
	if len(results) == 0 {
		return models.BestModel{}
	}

	totals := make(map[string]float64)
	order := make([]string, 0)
	for _, r := range results {
		if _, seen := totals[r.EvaluatorModel]; !seen {
			order = append(order, r.EvaluatorModel)
		}
		totals[r.EvaluatorModel] += r.Score
	}

	bestTag := ""
	for _, tag := range order {
		if bestTag == "" || totals[tag] > totals[bestTag] {
			bestTag = tag
		}
	}
	return models.BestModel{Model: bestTag, Score: totals[bestTag] / float64(len(results))}
}
