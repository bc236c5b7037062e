// Package matching pairs waiting queue entries. It is pure: the same snapshot
// of entries, entitlements and time always yields the same pairing.
package matching

import (
	"math"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
)

const (
	// PriorityBonus is subtracted from a pair's score when either side has an
	// active paid tier.
	PriorityBonus = 50.0
	// WaitWeight is subtracted per minute the candidate partner has waited.
	WaitWeight = 10.0
)

// Candidate is a waiting entry with its user's entitlement.
type Candidate struct {
	Entry       models.QueueEntry
	Entitlement models.Entitlement
}

func (c Candidate) priority() int {
	if c.Entitlement.HasPriority() {
		return 1
	}
	return 0
}

// Pair is two entries that should share a lobby. A is the entry whose scan
// chose B.
type Pair struct {
	A Candidate
	B Candidate
}

// Result holds the disjoint pairs of one pass and the entries left over.
type Result struct {
	Pairs    []Pair
	Residual []Candidate
}

// Score rates pairing i with j; lower is better. The wait bonus only counts
// j's wait, matching the scan direction.
func Score(i, j Candidate, now time.Time) float64 {
	score := math.Abs(i.Entry.SkillRating-j.Entry.SkillRating) - WaitWeight*j.Entry.WaitMinutes(now)
	if i.priority() == 1 || j.priority() == 1 {
		score -= PriorityBonus
	}
	return score
}

// Order returns candidates in iteration order: priority first, then ascending
// skill. Equal keys keep their input order.
func Order(cands []Candidate) []Candidate {
	return pie.SortStableUsing(cands, func(a, b Candidate) bool {
		if a.priority() != b.priority() {
			return a.priority() > b.priority()
		}
		return a.Entry.SkillRating < b.Entry.SkillRating
	})
}

// Match greedily pairs each unconsumed candidate with the later unconsumed
// candidate of lowest score. Ties go to the earliest in iteration order. This
// is not a globally optimal matching.
func Match(cands []Candidate, now time.Time) Result {
	if len(cands) < 2 {
		return Result{Residual: cands}
	}

	ordered := Order(cands)
	consumed := make([]bool, len(ordered))
	var res Result

	for i := range ordered {
		if consumed[i] {
			continue
		}
		best := -1
		bestScore := math.Inf(1)
		for j := i + 1; j < len(ordered); j++ {
			if consumed[j] {
				continue
			}
			if s := Score(ordered[i], ordered[j], now); s < bestScore {
				best, bestScore = j, s
			}
		}
		if best < 0 {
			continue
		}
		consumed[i], consumed[best] = true, true
		res.Pairs = append(res.Pairs, Pair{A: ordered[i], B: ordered[best]})
	}

	for i, c := range ordered {
		if !consumed[i] {
			res.Residual = append(res.Residual, c)
		}
	}
	return res
}

// UserIDs lists every user in the result's pairs.
func (r Result) UserIDs() []string {
	ids := make([]string, 0, 2*len(r.Pairs))
	for _, p := range r.Pairs {
		ids = append(ids, p.A.Entry.UserID.String(), p.B.Entry.UserID.String())
	}
	return ids
}
