package server

// MessageType represents a WebSocket message type with type safety
type MessageType string

// WebSocket message type constants
// These are used for client-server communication protocol
const (
	// Client to server messages
	MessageTypeJoin         MessageType = "join"
	MessageTypeSubmitChoice MessageType = "submit_choice"
	MessageTypeConfirmReady MessageType = "confirm_ready"
	MessageTypeState        MessageType = "state"

	// Server to client messages
	MessageTypeJoined      MessageType = "joined"
	MessageTypeGameState   MessageType = "game_state"
	MessageTypeRoundResult MessageType = "round_result"
	MessageTypeGameOver    MessageType = "game_over"
	MessageTypeError       MessageType = "error"
)

// String returns the string representation of the message type
func (mt MessageType) String() string {
	return string(mt)
}
