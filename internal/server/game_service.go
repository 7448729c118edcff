package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/epilab/vaccgame/internal/game"
	"github.com/epilab/vaccgame/internal/joincode"
	"github.com/epilab/vaccgame/internal/store"
)

// ptypeCount is how many participant types the cost table defines.
// Types are dealt round-robin in join-code order.
const ptypeCount = 6

// GameService owns the per-group runners and routes participant
// operations to them. It is the seam between the transport layer and
// the round engine.
type GameService struct {
	store       store.Store
	broadcaster Broadcaster
	runnerCfg   RunnerConfig
	clock       quartz.Clock
	logger      *log.Logger
	monitor     RoundMonitor
	codes       *joincode.Generator

	mu      sync.RWMutex
	runners map[string]*RoundRunner // groupID -> runner
}

// NewGameService creates a new game service
func NewGameService(st store.Store, b Broadcaster, cfg RunnerConfig, clock quartz.Clock, logger *log.Logger, monitor RoundMonitor) *GameService {
	gs := &GameService{
		store:       st,
		broadcaster: b,
		runnerCfg:   cfg,
		clock:       clock,
		logger:      logger.WithPrefix("game-service"),
		codes:       joincode.NewGenerator(nil),
		runners:     make(map[string]*RoundRunner),
	}
	gs.monitor = &sessionLifecycle{service: gs, next: monitor}
	return gs
}

// SessionSpec describes a session to create.
type SessionSpec struct {
	Name      string
	Groups    int
	GroupSize int
	Rounds    int
}

// CreatedSession is the admin-facing result of session creation,
// including the join codes to hand out.
type CreatedSession struct {
	Session *store.Session      `json:"session"`
	Groups  []*store.Group      `json:"groups"`
	Codes   map[string][]string `json:"codes"` // groupID -> join codes
}

// CreateSession provisions a session with its groups, participants and
// join codes in one transaction.
func (gs *GameService) CreateSession(ctx context.Context, spec SessionSpec) (*CreatedSession, error) {
	if spec.Groups < 1 {
		return nil, fmt.Errorf("session needs at least one group")
	}
	if spec.GroupSize < 2 {
		return nil, fmt.Errorf("group size must be at least 2")
	}
	if spec.Rounds < 1 {
		return nil, fmt.Errorf("session needs at least one round")
	}

	sess := &store.Session{
		ID:              uuid.NewString(),
		Name:            spec.Name,
		GroupSize:       spec.GroupSize,
		Rounds:          spec.Rounds,
		StartingBalance: gs.runnerCfg.StartingBalance,
		CostModel:       gs.runnerCfg.Model.Name(),
		State:           "lobby",
		CreatedAt:       gs.clock.Now(),
	}

	seen := make(map[string]bool, spec.Groups*spec.GroupSize)
	nextCode := func() string {
		for {
			code := gs.codes.Generate()
			if !seen[code] {
				seen[code] = true
				return code
			}
		}
	}

	groups := make([]*store.Group, spec.Groups)
	participants := make([]*store.Participant, 0, spec.Groups*spec.GroupSize)
	codesByGroup := make(map[string][]string, spec.Groups)

	for g := range groups {
		grp := &store.Group{
			ID:          uuid.NewString(),
			SessionID:   sess.ID,
			Number:      g + 1,
			RoundNumber: 1,
			Phase:       game.PhaseLobby.String(),
		}
		groups[g] = grp

		for n := 1; n <= spec.GroupSize; n++ {
			code := nextCode()
			participants = append(participants, &store.Participant{
				ID:         uuid.NewString(),
				SessionID:  sess.ID,
				GroupID:    grp.ID,
				Code:       code,
				PType:      (n-1)%ptypeCount + 1,
				JoinNumber: n,
				Balance:    gs.runnerCfg.StartingBalance,
				CreatedAt:  gs.clock.Now(),
			})
			codesByGroup[grp.ID] = append(codesByGroup[grp.ID], code)
		}
	}

	if err := gs.store.CreateSession(ctx, sess, groups, participants); err != nil {
		return nil, err
	}

	gs.logger.Info("Created session", "id", sess.ID, "name", sess.Name,
		"groups", spec.Groups, "groupSize", spec.GroupSize, "rounds", spec.Rounds)

	return &CreatedSession{Session: sess, Groups: groups, Codes: codesByGroup}, nil
}

// Join resolves a join code, marks the participant present and returns
// their identity payload. Rejoining with the same code is allowed at
// any time and is how reconnection works.
func (gs *GameService) Join(ctx context.Context, code string) (*JoinedData, error) {
	p, err := gs.store.ParticipantByCode(ctx, joincode.Normalize(code))
	if err != nil {
		return nil, err
	}

	sess, err := gs.store.Session(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}

	runner, err := gs.runnerFor(ctx, p.GroupID)
	if err != nil {
		return nil, err
	}

	if err := runner.HandleJoin(ctx, p.ID); err != nil {
		return nil, err
	}

	return &JoinedData{
		ParticipantID: p.ID,
		SessionID:     p.SessionID,
		GroupID:       p.GroupID,
		JoinNumber:    p.JoinNumber,
		PType:         p.PType,
		GroupSize:     sess.GroupSize,
		Rounds:        sess.Rounds,
		Balance:       p.Balance,
	}, nil
}

// SubmitChoice records a participant's decision for a round.
func (gs *GameService) SubmitChoice(ctx context.Context, participantID string, round int, choice string) error {
	c, err := game.ParseChoice(choice)
	if err != nil {
		return err
	}

	p, err := gs.store.Participant(ctx, participantID)
	if err != nil {
		return err
	}

	runner, err := gs.runnerFor(ctx, p.GroupID)
	if err != nil {
		return err
	}
	return runner.Submit(ctx, participantID, round, c)
}

// ConfirmReady acknowledges a revealed round result.
func (gs *GameService) ConfirmReady(ctx context.Context, participantID string, round int) error {
	p, err := gs.store.Participant(ctx, participantID)
	if err != nil {
		return err
	}

	runner, err := gs.runnerFor(ctx, p.GroupID)
	if err != nil {
		return err
	}
	return runner.ConfirmReady(ctx, participantID, round)
}

// Snapshot builds a participant's full view of the game from the store.
// Reconnecting clients call this to reconcile after missed pushes.
func (gs *GameService) Snapshot(ctx context.Context, participantID string) (*GameStateData, error) {
	p, err := gs.store.Participant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	sess, err := gs.store.Session(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	grp, err := gs.store.Group(ctx, p.GroupID)
	if err != nil {
		return nil, err
	}
	members, err := gs.store.ParticipantsByGroup(ctx, p.GroupID)
	if err != nil {
		return nil, err
	}
	decisions, err := gs.store.DecisionsForRound(ctx, p.GroupID, grp.RoundNumber)
	if err != nil {
		return nil, err
	}

	submitted := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		submitted[d.ParticipantID] = true
	}

	data := &GameStateData{
		Round:     grp.RoundNumber,
		Rounds:    sess.Rounds,
		Phase:     grp.Phase,
		GroupSize: sess.GroupSize,
		Submitted: len(decisions),
		Balance:   p.Balance,
	}
	for _, m := range members {
		if m.Joined {
			data.Joined++
		}
		if m.ReadyRound >= grp.RoundNumber {
			data.Ready++
		}
		data.Members = append(data.Members, MemberState{
			JoinNumber: m.JoinNumber,
			Joined:     m.Joined,
			Submitted:  submitted[m.ID],
		})
	}
	if submitted[p.ID] {
		for _, d := range decisions {
			if d.ParticipantID == p.ID {
				data.YourChoice = d.Choice
				break
			}
		}
	}

	return data, nil
}

// MissedResult returns the revealed outcome of the group's current
// round when the participant's decision is finalized but they have not
// yet acknowledged it. Reconnecting clients receive it after their
// snapshot, covering a reveal pushed while they were offline.
func (gs *GameService) MissedResult(ctx context.Context, participantID string) (*RoundResultData, error) {
	p, err := gs.store.Participant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	grp, err := gs.store.Group(ctx, p.GroupID)
	if err != nil {
		return nil, err
	}

	phase := game.Phase(grp.Phase)
	if phase != game.PhaseRevealed && phase != game.PhaseReadyWait {
		return nil, nil
	}
	if p.ReadyRound >= grp.RoundNumber {
		return nil, nil
	}

	decisions, err := gs.store.DecisionsForRound(ctx, p.GroupID, grp.RoundNumber)
	if err != nil {
		return nil, err
	}
	for _, d := range decisions {
		if d.ParticipantID != p.ID || !d.Finalized() {
			continue
		}
		return &RoundResultData{
			Round:          grp.RoundNumber,
			Choice:         d.Choice,
			Forfeited:      d.Forfeited,
			OthersAlt:      *d.OthersAlt,
			OthersFraction: *d.OthersFraction,
			Cost:           *d.TotalCost,
			Payout:         *d.Payout,
			Balance:        p.Balance,
		}, nil
	}
	return nil, nil
}

// HandleDisconnect is called when a participant's connection drops.
// State lives in the store, so nothing is torn down; the participant
// rejoins with the same code and reconciles from a snapshot.
func (gs *GameService) HandleDisconnect(participantID string) {
	if participantID == "" {
		return
	}
	gs.logger.Info("Participant disconnected", "participant", participantID)
}

// Recheck forces a group's runner to re-evaluate its progress against
// the store. Exposed to operators via the admin API.
func (gs *GameService) Recheck(ctx context.Context, groupID string) error {
	runner, err := gs.runnerFor(ctx, groupID)
	if err != nil {
		return err
	}
	return runner.Recheck(ctx)
}

// SessionStatus reports a session with its groups and participants.
type SessionStatus struct {
	Session      *store.Session       `json:"session"`
	Groups       []*store.Group       `json:"groups"`
	Participants []*store.Participant `json:"participants"`
}

// ListSessions returns every session, newest first.
func (gs *GameService) ListSessions(ctx context.Context) ([]*store.Session, error) {
	return gs.store.Sessions(ctx)
}

func (gs *GameService) SessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	sess, err := gs.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	groups, err := gs.store.GroupsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	status := &SessionStatus{Session: sess, Groups: groups}
	for _, g := range groups {
		members, err := gs.store.ParticipantsByGroup(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		status.Participants = append(status.Participants, members...)
	}
	return status, nil
}

// runnerFor returns the group's runner, creating it from stored state
// on first use. Runner creation is the only cross-group critical
// section; everything after goes through the per-group runner.
func (gs *GameService) runnerFor(ctx context.Context, groupID string) (*RoundRunner, error) {
	gs.mu.RLock()
	runner, ok := gs.runners[groupID]
	gs.mu.RUnlock()
	if ok {
		return runner, nil
	}

	grp, err := gs.store.Group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	sess, err := gs.store.Session(ctx, grp.SessionID)
	if err != nil {
		return nil, err
	}
	members, err := gs.store.ParticipantsByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	gs.mu.Lock()
	if existing, ok := gs.runners[groupID]; ok {
		gs.mu.Unlock()
		return existing, nil
	}

	runner = NewRoundRunner(grp, members, gs.store, gs.runnerCfg, gs.broadcaster, gs.clock, gs.logger, gs.monitor)
	runner.SetRounds(sess.Rounds)
	gs.runners[groupID] = runner
	gs.mu.Unlock()

	gs.logger.Info("Runner created", "group", groupID, "round", grp.RoundNumber, "phase", grp.Phase)

	// A restart can leave a round with any number of decisions already
	// persisted; the fresh runner reloads them, re-arms the deadline
	// and settles immediately when the round turns out complete. The
	// phase check covers stored finalizing too, which the runner
	// normalizes back to collecting.
	if runner.Phase() == game.PhaseCollecting {
		if err := runner.ResumeCollecting(ctx); err != nil {
			gs.logger.Warn("Resume repair failed", "group", groupID, "error", err)
		}
	}
	return runner, nil
}

// sessionLifecycle advances the session state as its groups progress:
// running once the first group starts, finished once every group has
// completed. It wraps the operator monitor so the runners need only
// one callback sink.
type sessionLifecycle struct {
	service *GameService
	next    RoundMonitor
}

func (sl *sessionLifecycle) OnGroupStart(groupID string, groupSize, rounds int) {
	sl.service.markSessionRunning(groupID)
	if sl.next != nil {
		sl.next.OnGroupStart(groupID, groupSize, rounds)
	}
}

func (sl *sessionLifecycle) OnRoundFinalized(groupID string, round int, outcomes []game.Outcome) {
	if sl.next != nil {
		sl.next.OnRoundFinalized(groupID, round, outcomes)
	}
}

func (sl *sessionLifecycle) OnGroupComplete(groupID string, rounds int) {
	sl.service.markSessionFinished(groupID)
	if sl.next != nil {
		sl.next.OnGroupComplete(groupID, rounds)
	}
}

func (gs *GameService) markSessionRunning(groupID string) {
	ctx := context.Background()
	grp, err := gs.store.Group(ctx, groupID)
	if err != nil {
		return
	}
	sess, err := gs.store.Session(ctx, grp.SessionID)
	if err != nil || sess.State != "lobby" {
		return
	}
	if err := gs.store.SetSessionState(ctx, sess.ID, "running"); err != nil {
		gs.logger.Error("Failed to mark session running", "session", sess.ID, "error", err)
	}
}

func (gs *GameService) markSessionFinished(groupID string) {
	ctx := context.Background()
	grp, err := gs.store.Group(ctx, groupID)
	if err != nil {
		return
	}
	groups, err := gs.store.GroupsBySession(ctx, grp.SessionID)
	if err != nil {
		return
	}
	for _, g := range groups {
		if !game.Phase(g.Phase).Terminal() {
			return
		}
	}
	if err := gs.store.SetSessionState(ctx, grp.SessionID, "finished"); err != nil {
		gs.logger.Error("Failed to mark session finished", "session", grp.SessionID, "error", err)
	}
}

// Stop cancels every runner's pending timers.
func (gs *GameService) Stop() {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	for _, r := range gs.runners {
		r.Stop()
	}
}
