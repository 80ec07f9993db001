package registry

import (
	"sort"
	"time"
)

// ScoringWeights weigh the load-balancing score:
//
//	score = Load·(1 − load/max) + Success·(successRate/100) + Response·(1/(1+avgResponseSeconds))
type ScoringWeights struct {
	Load     float64 `json:"load" yaml:"load"`
	Success  float64 `json:"success" yaml:"success"`
	Response float64 `json:"response" yaml:"response"`
}

// DefaultScoringWeights returns the default 0.4/0.4/0.2 weighting
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{Load: 0.4, Success: 0.4, Response: 0.2}
}

// Candidate is the part of an agent record the scorer looks at
type Candidate struct {
	ID              string
	Load            int
	MaxConcurrency  int
	SuccessRate     float64
	AvgResponseTime time.Duration
}

// Score computes the load-balancing score of a candidate
func (w ScoringWeights) Score(c Candidate) float64 {
	headroom := 0.0
	if c.MaxConcurrency > 0 {
		headroom = 1 - float64(c.Load)/float64(c.MaxConcurrency)
	}
	return w.Load*headroom +
		w.Success*(c.SuccessRate/100) +
		w.Response*(1/(1+c.AvgResponseTime.Seconds()))
}

// selectBest picks among candidates already sorted by id. Without load
// balancing the first candidate wins; otherwise the highest score wins and
// ties go to the smallest id.
func selectBest(candidates []Candidate, weights ScoringWeights, loadBalance bool) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	if !loadBalance {
		return candidates[0].ID, true
	}

	best := candidates[0]
	bestScore := weights.Score(best)
	for _, c := range candidates[1:] {
		if s := weights.Score(c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best.ID, true
}

type idSet map[string]struct{}

// intersect returns the ids present in every set, sorted
func intersect(sets []idSet) []string {
	if len(sets) == 0 {
		return nil
	}
	sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })

	var out []string
outer:
	for id := range sets[0] {
		for _, s := range sets[1:] {
			if _, ok := s[id]; !ok {
				continue outer
			}
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// union returns the ids present in any set, sorted
func union(sets []idSet) []string {
	seen := make(idSet)
	for _, s := range sets {
		for id := range s {
			seen[id] = struct{}{}
		}
	}
	return sortedIDs(seen)
}

func sortedIDs(s idSet) []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func toSet(ids []string) idSet {
	s := make(idSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
