package server

import (
	"encoding/json"
	"time"
)

// Message represents the base WebSocket message structure
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(messageType MessageType, data interface{}) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      messageType,
		Data:      dataBytes,
		Timestamp: time.Now(),
	}, nil
}

// Client → Server Messages

type JoinData struct {
	Code string `json:"code"`
}

type SubmitChoiceData struct {
	Round  int    `json:"round"`
	Choice string `json:"choice"`
}

type ConfirmReadyData struct {
	Round int `json:"round"`
}

// Server → Client Messages

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type JoinedData struct {
	ParticipantID string  `json:"participantId"`
	SessionID     string  `json:"sessionId"`
	GroupID       string  `json:"groupId"`
	JoinNumber    int     `json:"joinNumber"`
	PType         int     `json:"ptype"`
	GroupSize     int     `json:"groupSize"`
	Rounds        int     `json:"rounds"`
	Balance       float64 `json:"balance"`
}

// MemberState is what a participant may see about a groupmate: whether
// they are present and whether they have submitted this round, never
// what they chose.
type MemberState struct {
	JoinNumber int  `json:"joinNumber"`
	Joined     bool `json:"joined"`
	Submitted  bool `json:"submitted"`
}

type GameStateData struct {
	Round      int           `json:"round"`
	Rounds     int           `json:"rounds"`
	Phase      string        `json:"phase"`
	GroupSize  int           `json:"groupSize"`
	Joined     int           `json:"joinedCount"`
	Submitted  int           `json:"submittedCount"`
	Ready      int           `json:"readyCount"`
	Balance    float64       `json:"balance"`
	YourChoice string        `json:"yourChoice,omitempty"`
	Members    []MemberState `json:"members,omitempty"`
}

type RoundResultData struct {
	Round          int     `json:"round"`
	Choice         string  `json:"choice"`
	Forfeited      bool    `json:"forfeited"`
	OthersAlt      int     `json:"othersAlt"`
	OthersFraction float64 `json:"othersFraction"`
	Cost           float64 `json:"cost"`
	Payout         float64 `json:"payout"`
	Balance        float64 `json:"balance"`
}

type GameOverData struct {
	Rounds       int     `json:"rounds"`
	FinalBalance float64 `json:"finalBalance"`
}
