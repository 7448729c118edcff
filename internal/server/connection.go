package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/epilab/vaccgame/internal/game"
	"github.com/epilab/vaccgame/internal/store"
)

// Connection represents a WebSocket connection to a participant
type Connection struct {
	conn          *websocket.Conn
	send          chan *Message
	participantID string
	groupID       string
	logger        *log.Logger
	ctx           context.Context
	cancel        context.CancelFunc
	mu            sync.RWMutex
	closeOnce     sync.Once
	gameService   *GameService
}

// NewConnection creates a new connection wrapper
func NewConnection(conn *websocket.Conn, logger *log.Logger, gameService *GameService) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		conn:        conn,
		send:        make(chan *Message, 256),
		logger:      logger.WithPrefix("conn"),
		ctx:         ctx,
		cancel:      cancel,
		gameService: gameService,
	}
}

// Start begins handling the connection
func (c *Connection) Start() {
	go c.writePump()
	go c.readPump()
}

// Close closes the connection
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.send)
		err = c.conn.Close()
	})
	return err
}

// SendMessage sends a message to the client
func (c *Connection) SendMessage(msg *Message) error {
	defer func() {
		if r := recover(); r != nil {
			// Channel was closed, this is expected during shutdown
			c.logger.Debug("Attempted to send message on closed connection", "error", r)
		}
	}()

	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn("Connection send buffer full, closing connection")
		_ = c.Close()
		return ErrConnectionClosed
	}
}

// SetParticipant associates this connection with a participant
func (c *Connection) SetParticipant(participantID, groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participantID = participantID
	c.groupID = groupID
}

// GetParticipant returns the associated participant ID
func (c *Connection) GetParticipant() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participantID
}

// GetGroup returns the associated group ID
func (c *Connection) GetGroup() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groupID
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192
)

var (
	ErrConnectionClosed = websocket.ErrCloseSent
)

// readPump handles incoming messages from the client
func (c *Connection) readPump() {
	defer func() { _ = c.Close() }()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", "error", err)
			}
			break
		}

		c.handleMessage(&msg)
	}
}

// writePump handles outgoing messages to the client
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Error("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// handleMessage processes incoming messages from the client
func (c *Connection) handleMessage(msg *Message) {
	c.logger.Debug("Received message", "type", msg.Type, "participant", c.GetParticipant())

	switch msg.Type {
	case MessageTypeJoin:
		var data JoinData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid_message", "Failed to parse join data")
			return
		}
		c.handleJoin(data)

	case MessageTypeSubmitChoice:
		var data SubmitChoiceData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid_message", "Failed to parse choice data")
			return
		}
		c.handleSubmitChoice(data)

	case MessageTypeConfirmReady:
		var data ConfirmReadyData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid_message", "Failed to parse ready data")
			return
		}
		c.handleConfirmReady(data)

	case MessageTypeState:
		c.handleState()

	default:
		c.sendError("unknown_message_type", "Unknown message type: "+msg.Type.String())
	}
}

// sendError sends an error message to the client
func (c *Connection) sendError(code, message string) {
	errorMsg, err := NewMessage(MessageTypeError, ErrorData{
		Code:    code,
		Message: message,
	})
	if err != nil {
		c.logger.Error("Failed to create error message", "error", err)
		return
	}

	_ = c.SendMessage(errorMsg)
}

// sendServiceError maps engine and store errors to protocol error codes.
func (c *Connection) sendServiceError(err error) {
	switch {
	case errors.Is(err, game.ErrInvalidChoice):
		c.sendError("invalid_choice", err.Error())
	case errors.Is(err, game.ErrWrongPhase):
		c.sendError("wrong_phase", err.Error())
	case errors.Is(err, game.ErrWrongRound):
		c.sendError("wrong_round", err.Error())
	case errors.Is(err, game.ErrGameOver):
		c.sendError("game_over", err.Error())
	case errors.Is(err, store.ErrDuplicateDecision):
		c.sendError("duplicate_decision", err.Error())
	case errors.Is(err, store.ErrStoreBusy):
		c.sendError("store_busy", err.Error())
	case errors.Is(err, store.ErrNotFound):
		c.sendError("not_found", err.Error())
	default:
		c.sendError("internal_error", err.Error())
	}
}

func (c *Connection) handleJoin(data JoinData) {
	c.logger.Info("Join request", "code", data.Code)

	if c.gameService == nil {
		c.sendError("service_unavailable", "Game service not available")
		return
	}

	joined, err := c.gameService.Join(c.ctx, data.Code)
	if err != nil {
		c.sendServiceError(err)
		return
	}

	c.SetParticipant(joined.ParticipantID, joined.GroupID)

	response, _ := NewMessage(MessageTypeJoined, joined)
	_ = c.SendMessage(response)

	// Reconnecting participants need the current state immediately;
	// they may have missed a reveal or an advance while offline.
	c.handleState()
}

func (c *Connection) handleSubmitChoice(data SubmitChoiceData) {
	c.logger.Info("Choice submitted", "participant", c.GetParticipant(), "round", data.Round)

	if c.gameService == nil {
		c.sendError("service_unavailable", "Game service not available")
		return
	}

	participantID := c.GetParticipant()
	if participantID == "" {
		c.sendError("not_joined", "Must join with a code first")
		return
	}

	if err := c.gameService.SubmitChoice(c.ctx, participantID, data.Round, data.Choice); err != nil {
		c.sendServiceError(err)
		return
	}
}

func (c *Connection) handleConfirmReady(data ConfirmReadyData) {
	c.logger.Info("Ready confirmed", "participant", c.GetParticipant(), "round", data.Round)

	if c.gameService == nil {
		c.sendError("service_unavailable", "Game service not available")
		return
	}

	participantID := c.GetParticipant()
	if participantID == "" {
		c.sendError("not_joined", "Must join with a code first")
		return
	}

	if err := c.gameService.ConfirmReady(c.ctx, participantID, data.Round); err != nil {
		c.sendServiceError(err)
		return
	}
}

func (c *Connection) handleState() {
	if c.gameService == nil {
		c.sendError("service_unavailable", "Game service not available")
		return
	}

	participantID := c.GetParticipant()
	if participantID == "" {
		c.sendError("not_joined", "Must join with a code first")
		return
	}

	state, err := c.gameService.Snapshot(c.ctx, participantID)
	if err != nil {
		c.sendServiceError(err)
		return
	}

	response, _ := NewMessage(MessageTypeGameState, state)
	_ = c.SendMessage(response)

	// A reveal pushed while the client was offline is gone; re-send the
	// unacknowledged result so the reconciled view matches what a
	// connected client saw live.
	result, err := c.gameService.MissedResult(c.ctx, participantID)
	if err != nil {
		c.logger.Debug("Missed result lookup failed", "participant", participantID, "error", err)
		return
	}
	if result != nil {
		msg, _ := NewMessage(MessageTypeRoundResult, result)
		_ = c.SendMessage(msg)
	}
}
