package store

import (
	"time"

	"github.com/epilab/vaccgame/internal/game"
)

// Session is one experiment run. It owns a set of groups that progress
// through rounds independently of each other.
type Session struct {
	ID              string  `gorm:"primaryKey;size:36" json:"id"`
	Name            string  `json:"name"`
	GroupSize       int     `json:"groupSize"`
	Rounds          int     `json:"rounds"`
	StartingBalance float64 `json:"startingBalance"`
	CostModel       string  `json:"costModel"`
	State           string  `gorm:"default:'lobby'" json:"state"` // lobby | running | finished

	CreatedAt time.Time `json:"createdAt"`
}

// Group is a fixed-size partition of a session's participants. Groups
// share no mutable state with each other.
type Group struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	SessionID   string `gorm:"index;size:36" json:"sessionId"`
	Number      int    `json:"number"`
	RoundNumber int    `gorm:"default:1" json:"roundNumber"`
	Phase       string `gorm:"default:'lobby'" json:"phase"`
}

// Participant is one player, bound to a group for the session's lifetime.
type Participant struct {
	ID         string  `gorm:"primaryKey;size:36" json:"id"`
	SessionID  string  `gorm:"index;size:36" json:"sessionId"`
	GroupID    string  `gorm:"index;size:36" json:"groupId"`
	Code       string  `gorm:"uniqueIndex;size:10" json:"code"`
	PType      int     `json:"ptype"`
	JoinNumber int     `json:"joinNumber"` // 1..N within the group
	Joined     bool    `json:"joined"`
	Balance    float64 `json:"balance"`
	ReadyRound int     `json:"readyRound"` // highest round acknowledged
	Completed  bool    `json:"completed"`

	CreatedAt time.Time `json:"createdAt"`
}

// Decision is one participant's choice for one round. The finalization
// fields stay null until the round settles and are written exactly once;
// TotalCost doubles as the finalized marker.
type Decision struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	GroupID       string    `gorm:"index:idx_decisions_group_round;size:36" json:"groupId"`
	ParticipantID string    `gorm:"uniqueIndex:ux_participant_round;size:36" json:"participantId"`
	RoundNumber   int       `gorm:"uniqueIndex:ux_participant_round;index:idx_decisions_group_round" json:"roundNumber"`
	Choice        string    `gorm:"size:1" json:"choice"`
	Forfeited     bool      `json:"forfeited"`
	SubmittedAt   time.Time `json:"submittedAt"`

	OthersAlt      *int     `json:"othersAlt"`
	OthersFraction *float64 `json:"othersFraction"`
	TotalCost      *float64 `json:"totalCost"`
	Payout         *float64 `json:"payout"`
}

// Finalized reports whether the decision's outcome fields are committed.
func (d *Decision) Finalized() bool { return d.TotalCost != nil }

// Entry converts a decision into settlement input.
func (d *Decision) Entry(ptype int) game.Entry {
	return game.Entry{
		ParticipantID: d.ParticipantID,
		PType:         ptype,
		Choice:        game.Choice(d.Choice),
	}
}
