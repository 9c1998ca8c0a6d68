package orchestrator

import (
	"sort"

	"agentrouter/internal/domain/collaboration"
	"agentrouter/pkg/errors"
)

// Agreement functions selectable by configuration
const (
	AgreementPlurality = "plurality"
	AgreementPairwise  = "pairwise"
)

// Scorer turns one round of contributions into an agreement score in [0,1].
// weights maps role name to roster weight.
type Scorer interface {
	Score(contribs []collaboration.Contribution, weights map[string]float64) float64
}

// ScorerFunc adapts a function to Scorer
type ScorerFunc func(contribs []collaboration.Contribution, weights map[string]float64) float64

func (f ScorerFunc) Score(contribs []collaboration.Contribution, weights map[string]float64) float64 {
	return f(contribs, weights)
}

// NewScorer returns the named agreement function
func NewScorer(name string) (Scorer, error) {
	switch name {
	case "", AgreementPlurality:
		return ScorerFunc(Plurality), nil
	case AgreementPairwise:
		return ScorerFunc(Pairwise), nil
	default:
		return nil, errors.NewValidationError("SESSION_AGREEMENT", "unknown agreement function", name)
	}
}

// voteWeights resolves each contribution's weight. When every weight is zero all votes count equally.
func voteWeights(contribs []collaboration.Contribution, weights map[string]float64) []float64 {
	out := make([]float64, len(contribs))
	var total float64
	for i, c := range contribs {
		out[i] = weights[c.Role]
		total += out[i]
	}
	if total <= 0 {
		for i := range out {
			out[i] = 1
		}
	}
	return out
}

// Plurality is the weighted share of votes behind the leading direction
func Plurality(contribs []collaboration.Contribution, weights map[string]float64) float64 {
	if len(contribs) == 0 {
		return 0
	}
	_, share := Leading(contribs, weights)
	return share
}

// Pairwise is the weighted mean similarity over all pairs of calls: 1 for the same
// direction, 0.5 when one side is neutral, 0 for opposite calls. A single voice agrees with itself.
func Pairwise(contribs []collaboration.Contribution, weights map[string]float64) float64 {
	switch len(contribs) {
	case 0:
		return 0
	case 1:
		return 1
	}
	w := voteWeights(contribs, weights)

	var num, den float64
	for i := 0; i < len(contribs); i++ {
		for j := i + 1; j < len(contribs); j++ {
			pw := w[i] * w[j]
			num += pw * similarity(contribs[i].Direction, contribs[j].Direction)
			den += pw
		}
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func similarity(a, b collaboration.Direction) float64 {
	switch {
	case a == b:
		return 1
	case a == collaboration.DirectionNeutral || b == collaboration.DirectionNeutral:
		return 0.5
	default:
		return 0
	}
}

// Leading returns the direction with the largest weighted vote and its share.
// Ties go to neutral, and a bullish/bearish tie without neutral support is neutral too.
func Leading(contribs []collaboration.Contribution, weights map[string]float64) (collaboration.Direction, float64) {
	if len(contribs) == 0 {
		return collaboration.DirectionNeutral, 0
	}
	w := voteWeights(contribs, weights)

	tally := map[collaboration.Direction]float64{}
	var total float64
	for i, c := range contribs {
		tally[c.Direction] += w[i]
		total += w[i]
	}

	best := collaboration.DirectionNeutral
	bestVotes := tally[collaboration.DirectionNeutral]
	tied := false
	for _, d := range []collaboration.Direction{collaboration.DirectionBullish, collaboration.DirectionBearish} {
		switch v := tally[d]; {
		case v > bestVotes:
			best, bestVotes, tied = d, v, false
		case v == bestVotes && v > 0 && best != collaboration.DirectionNeutral:
			tied = true
		}
	}
	if tied {
		best = collaboration.DirectionNeutral
		bestVotes = tally[collaboration.DirectionNeutral]
	}
	if total == 0 {
		return best, 0
	}
	return best, bestVotes / total
}

func sortByOrder(contribs []collaboration.Contribution, order map[string]int) {
	sort.SliceStable(contribs, func(i, j int) bool { return order[contribs[i].Role] < order[contribs[j].Role] })
}
