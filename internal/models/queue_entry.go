package models

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus is the state of a matchmaking ticket.
type QueueStatus string

const (
	QueueWaiting QueueStatus = "waiting"
	QueueMatched QueueStatus = "matched"
)

// QueueEntry is a waiting player's matchmaking ticket. At most one exists per user.
type QueueEntry struct {
	ID          string      `json:"id"`
	UserID      uuid.UUID   `json:"user_id"`
	DisplayName string      `json:"display_name"`
	SkillRating float64     `json:"skill_rating"`
	JoinedAt    time.Time   `json:"joined_at"`
	TimeoutAt   time.Time   `json:"timeout_at"`
	Status      QueueStatus `json:"status"`
}

// WaitMinutes is the fractional number of minutes the entry has waited at now.
func (e QueueEntry) WaitMinutes(now time.Time) float64 {
	return float64(now.Sub(e.JoinedAt).Milliseconds()) / 60000
}
