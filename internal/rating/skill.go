// internal/rating/skill.go
package rating

import "github.com/jason-s-yu/cambia-matchmaking/internal/models"

const (
	// WinRateWeight scales the win rate in [0..1] into rating points.
	WinRateWeight = 1000.0
	// RankWeight is the rating contribution of each rung on the rank ladder.
	RankWeight = 500.0
	// ExperienceWeight rewards volume of play.
	ExperienceWeight = 0.1
)

// ComputeSkill returns a scalar matchmaking rating:
//
//	winRate*1000 + rankWeight*500 + gamesPlayed*0.1
//
// winRate is wins/gamesPlayed, or 0 for a player with no games. The result is
// pure and deterministic for identical inputs.
func ComputeSkill(wins, gamesPlayed int, rank models.Rank) float64 {
	winRate := 0.0
	if gamesPlayed > 0 {
		winRate = float64(wins) / float64(gamesPlayed)
	}
	return winRate*WinRateWeight + float64(rank.Weight())*RankWeight + float64(gamesPlayed)*ExperienceWeight
}

// SkillOf computes the rating for a profile.
func SkillOf(p models.Profile) float64 {
	return ComputeSkill(p.Wins, p.GamesPlayed, p.Rank)
}
