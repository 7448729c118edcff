package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/epilab/vaccgame/cmd/vaccgame/shared"
	"github.com/epilab/vaccgame/internal/server"
)

// LoadtestCmd drives a full cohort of simulated participants through a
// session to shake out finalization races and store saturation.
type LoadtestCmd struct {
	Server     string        `kong:"default='http://localhost:8080',help='Base URL of the game server'"`
	AdminToken string        `kong:"required,help='Admin token used to provision the session'"`
	Groups     int           `kong:"default='4',help='Number of groups'"`
	GroupSize  int           `kong:"default='6',help='Participants per group'"`
	Rounds     int           `kong:"default='20',help='Rounds per group'"`
	Think      time.Duration `kong:"default='50ms',help='Maximum simulated thinking time per decision'"`
	Seed       *int64        `kong:"help='Deterministic RNG seed (optional)'"`
	Debug      bool          `kong:"help='Enable debug logging'"`
}

func (c *LoadtestCmd) Run() error {
	logger := shared.SetupLogger(c.Debug)

	seed := time.Now().UnixNano()
	if c.Seed != nil {
		seed = *c.Seed
	}
	logger.Info("Starting load test",
		"server", c.Server,
		"groups", c.Groups,
		"group_size", c.GroupSize,
		"rounds", c.Rounds,
		"seed", seed)

	created, err := c.createSession()
	if err != nil {
		return fmt.Errorf("provisioning session: %w", err)
	}
	logger.Info("Session provisioned", "session", created.Session.ID)

	ctx := shared.SetupSignalHandlerWithLogger(logger)
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	i := 0
	for groupID, codes := range created.Codes {
		for _, code := range codes {
			p := &simulatedParticipant{
				wsURL:  wsURL(c.Server),
				code:   code,
				think:  c.Think,
				rng:    rand.New(rand.NewSource(seed + int64(i))),
				logger: logger.With("group", groupID[:8], "code", code),
			}
			i++
			g.Go(func() error { return p.play(ctx) })
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Load test complete",
		"participants", c.Groups*c.GroupSize,
		"rounds", c.Rounds,
		"elapsed", time.Since(start))
	return nil
}

func (c *LoadtestCmd) createSession() (*server.CreatedSession, error) {
	body, err := json.Marshal(server.CreateSessionRequest{
		Name:      fmt.Sprintf("loadtest-%d", time.Now().Unix()),
		Groups:    c.Groups,
		GroupSize: c.GroupSize,
		Rounds:    c.Rounds,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.Server+"/admin/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Admin-Token", c.AdminToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var created server.CreatedSession
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, err
	}
	return &created, nil
}

func wsURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/ws"
}

// simulatedParticipant joins with one code and plays every round:
// random choice, random think time, immediate ready acknowledgement.
type simulatedParticipant struct {
	wsURL  string
	code   string
	think  time.Duration
	rng    *rand.Rand
	logger *log.Logger
}

func (p *simulatedParticipant) play(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", p.wsURL, err)
	}
	defer conn.Close()

	if err := p.send(conn, server.MessageTypeJoin, server.JoinData{Code: p.code}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
		var msg server.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("reading: %w", err)
		}

		switch msg.Type {
		case server.MessageTypeGameState:
			var state server.GameStateData
			if err := json.Unmarshal(msg.Data, &state); err != nil {
				return err
			}
			if state.Phase == "collecting" && state.YourChoice == "" {
				if err := p.submit(ctx, conn, state.Round); err != nil {
					return err
				}
			}

		case server.MessageTypeRoundResult:
			var result server.RoundResultData
			if err := json.Unmarshal(msg.Data, &result); err != nil {
				return err
			}
			p.logger.Debug("Round settled", "round", result.Round, "payout", result.Payout)
			if err := p.send(conn, server.MessageTypeConfirmReady, server.ConfirmReadyData{Round: result.Round}); err != nil {
				return err
			}

		case server.MessageTypeGameOver:
			var over server.GameOverData
			if err := json.Unmarshal(msg.Data, &over); err != nil {
				return err
			}
			p.logger.Info("Finished", "rounds", over.Rounds, "balance", over.FinalBalance)
			return nil

		case server.MessageTypeError:
			var e server.ErrorData
			_ = json.Unmarshal(msg.Data, &e)
			// Duplicate submissions happen when a state push and our
			// own submit cross on the wire; anything else is fatal.
			if e.Code == "duplicate_decision" {
				continue
			}
			return fmt.Errorf("server error: %s: %s", e.Code, e.Message)
		}
	}
}

func (p *simulatedParticipant) submit(ctx context.Context, conn *websocket.Conn, round int) error {
	if p.think > 0 {
		delay := time.Duration(p.rng.Int63n(int64(p.think)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	choice := "A"
	if p.rng.Intn(2) == 1 {
		choice = "B"
	}
	return p.send(conn, server.MessageTypeSubmitChoice, server.SubmitChoiceData{
		Round:  round,
		Choice: choice,
	})
}

func (p *simulatedParticipant) send(conn *websocket.Conn, mt server.MessageType, data any) error {
	msg, err := server.NewMessage(mt, data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
