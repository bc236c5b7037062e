package models

import "github.com/google/uuid"

// Rank is a position on the competitive ladder.
type Rank string

// RankLadder is ordered lowest to highest. A rank's index is its weight in the
// skill formula.
var RankLadder = []Rank{
	"bronze",
	"silver",
	"gold",
	"platinum",
	"diamond",
	"master",
	"grandmaster",
}

// Weight returns the ordinal of r on RankLadder, or 0 for unknown ranks.
func (r Rank) Weight() int {
	for i, rung := range RankLadder {
		if rung == r {
			return i
		}
	}
	return 0
}

// Profile is the slice of a user's profile matchmaking depends on.
type Profile struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Wins        int       `json:"wins"`
	GamesPlayed int       `json:"games_played"`
	Rank        Rank      `json:"rank"`
}
