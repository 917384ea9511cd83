package reconcile

import (
	"math"
	"strings"

	"fitgpt/internal/domain"
)

// Weights are the scoring constants of BestMatch.
type Weights struct {
	LabelInName     float64
	NameInLabel     float64
	DurationClose   float64
	DurationNear    float64
	CloseTolerance  float64
	NearTolerance   float64
	MergeThreshold  float64
	SingleThreshold float64
}

// DefaultWeights returns the reference scoring constants.
func DefaultWeights() Weights {
	return Weights{
		LabelInName:     0.6,
		NameInLabel:     0.4,
		DurationClose:   0.4,
		DurationNear:    0.2,
		CloseTolerance:  0.05,
		NearTolerance:   0.15,
		MergeThreshold:  0.8,
		SingleThreshold: 0.6,
	}
}

// ManualProjection is the part of a manual entry the scorer looks at.
type ManualProjection struct {
	Type    string
	Details string
}

// Candidate is a tracked activity together with its position in the
// collaborator-provided list.
type Candidate struct {
	Index    int
	Activity domain.TrackedActivity
}

// Match is the best-scoring candidate of a BestMatch call.
type Match struct {
	Candidate Candidate
	Pos       int
	Score     float64
}

// Candidates wraps tracked activities with their original indices.
func Candidates(tracked []domain.TrackedActivity) []Candidate {
	out := make([]Candidate, len(tracked))
	for i, a := range tracked {
		out[i] = Candidate{Index: i, Activity: a}
	}
	return out
}

// BestMatch scores every candidate against entry and returns the highest
// scorer. Ties keep the earliest candidate. ok is false when no candidate
// scored above zero.
func BestMatch(entry ManualProjection, candidates []Candidate, w Weights) (Match, bool) {
	label := strings.ToLower(strings.TrimSpace(entry.Type))
	hint, hasHint := ExtractDurationMinutes(entry.Details)
	if hint == 0 {
		hasHint = false
	}

	best := Match{Pos: -1}
	for pos, c := range candidates {
		score := labelScore(label, strings.ToLower(c.Activity.ActivityName), w)
		if hasHint {
			score += durationScore(c.Activity.DurationMinutes(), float64(hint), w)
		}
		if score > best.Score {
			best = Match{Candidate: c, Pos: pos, Score: score}
		}
	}
	if best.Pos < 0 {
		return Match{}, false
	}
	return best, true
}

func labelScore(label, name string, w Weights) float64 {
	switch {
	case label != "" && strings.Contains(name, label):
		return w.LabelInName
	case name != "" && strings.Contains(label, name):
		return w.NameInLabel
	}
	return 0
}

func durationScore(candidateMin, hintMin float64, w Weights) float64 {
	diff := math.Abs(candidateMin-hintMin) / math.Max(math.Max(candidateMin, hintMin), 1)
	switch {
	case diff <= w.CloseTolerance:
		return w.DurationClose
	case diff <= w.NearTolerance:
		return w.DurationNear
	}
	return 0
}
