package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/epilab/vaccgame/internal/game"
	"github.com/epilab/vaccgame/internal/store"
)

// Broadcaster delivers messages to connected participants. The Server
// implements it; tests substitute a recorder.
type Broadcaster interface {
	BroadcastToGroup(groupID string, msg *Message)
	SendToParticipant(participantID string, msg *Message) error
}

// How long to back off between retries when the store governor rejects
// a finalization write.
const (
	finalizeRetries = 5
	finalizeBackoff = 200 * time.Millisecond
)

// RoundRunner drives one group through its rounds. Each group has
// exactly one runner; groups never share a runner or a lock.
//
// The mutex guards only the in-memory phase trackers. It is never held
// across a store call, so a slow database cannot serialize the groups
// behind each other.
type RoundRunner struct {
	groupID   string
	sessionID string
	groupSize int
	rounds    int

	store       store.Store
	model       game.CostModel
	baseline    float64
	forfeit     game.Choice
	decideAfter time.Duration // 0 disables the decision deadline
	readyAfter  time.Duration
	broadcaster Broadcaster
	clock       quartz.Clock
	logger      *log.Logger
	monitor     RoundMonitor

	mu        sync.Mutex
	round     int
	phase     game.Phase
	settling  bool // a finalize claim is in flight
	joined    map[string]bool
	submitted map[string]bool
	ready     map[string]bool
	deadline  *quartz.Timer
	readyTick *quartz.Timer
	members   []*store.Participant
}

// RunnerConfig bundles the per-group knobs a RoundRunner needs.
type RunnerConfig struct {
	Model            game.CostModel
	StartingBalance  float64
	ForfeitChoice    game.Choice
	DecisionDeadline time.Duration
	ReadyTimeout     time.Duration
}

// NewRoundRunner builds a runner for the given group, resuming from
// whatever round and phase the store last recorded.
func NewRoundRunner(grp *store.Group, members []*store.Participant, st store.Store, cfg RunnerConfig, b Broadcaster, clock quartz.Clock, logger *log.Logger, monitor RoundMonitor) *RoundRunner {
	r := &RoundRunner{
		groupID:     grp.ID,
		sessionID:   grp.SessionID,
		groupSize:   len(members),
		rounds:      0, // set via SetRounds once the session is loaded
		store:       st,
		model:       cfg.Model,
		baseline:    cfg.StartingBalance,
		forfeit:     cfg.ForfeitChoice,
		decideAfter: cfg.DecisionDeadline,
		readyAfter:  cfg.ReadyTimeout,
		broadcaster: b,
		clock:       clock,
		logger:      logger.WithPrefix("runner").With("group", grp.ID),
		monitor:     monitor,
		round:       grp.RoundNumber,
		phase:       game.Phase(grp.Phase),
		joined:      make(map[string]bool),
		submitted:   make(map[string]bool),
		ready:       make(map[string]bool),
		members:     members,
	}

	// Normalize phases that cannot be resumed mid-flight. An
	// interrupted finalization reopens as collecting and gets repaired
	// by the next trigger or a recheck; revealed becomes ready_wait so
	// acknowledgements are accepted again.
	switch r.phase {
	case game.PhaseFinalizing:
		r.phase = game.PhaseCollecting
	case game.PhaseRevealed:
		r.phase = game.PhaseReadyWait
	}

	for _, m := range members {
		if m.Joined {
			r.joined[m.ID] = true
		}
		if m.ReadyRound >= grp.RoundNumber {
			r.ready[m.ID] = true
		}
	}

	return r
}

// SetRounds records the session's round count. Called once by the
// service before the runner handles any traffic.
func (r *RoundRunner) SetRounds(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds = n
}

// Round returns the current round number.
func (r *RoundRunner) Round() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round
}

// Phase returns the current phase.
func (r *RoundRunner) Phase() game.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// HandleJoin marks a participant present and starts the first round
// once the whole group has arrived. A completed group no longer
// accepts its codes.
func (r *RoundRunner) HandleJoin(ctx context.Context, participantID string) error {
	r.mu.Lock()
	if r.phase.Terminal() {
		r.mu.Unlock()
		return game.ErrGameOver
	}
	r.mu.Unlock()

	if err := r.store.MarkJoined(ctx, participantID); err != nil {
		return err
	}

	r.mu.Lock()
	r.joined[participantID] = true
	begin := r.phase == game.PhaseLobby && len(r.joined) >= r.groupSize
	if begin {
		r.phase = game.PhaseCollecting
	}
	round := r.round
	joinedCount := len(r.joined)
	r.mu.Unlock()

	r.logger.Info("Participant joined", "participant", participantID, "joined", joinedCount, "size", r.groupSize)

	if !begin {
		r.broadcastState(ctx)
		return nil
	}

	if err := r.store.SetGroupPhase(ctx, r.groupID, round, game.PhaseCollecting); err != nil {
		r.logger.Error("Failed to record collecting phase", "error", err)
	}
	if r.monitor != nil {
		r.monitor.OnGroupStart(r.groupID, r.groupSize, r.rounds)
	}
	r.logger.Info("Group complete, starting first round", "round", round)
	r.armDeadline(round)
	r.broadcastState(ctx)
	return nil
}

// Submit records a participant's choice for the given round. The last
// submission of the round triggers finalization on the caller's
// goroutine.
func (r *RoundRunner) Submit(ctx context.Context, participantID string, round int, choice game.Choice) error {
	r.mu.Lock()
	switch {
	case r.phase.Terminal():
		r.mu.Unlock()
		return game.ErrGameOver
	case r.phase != game.PhaseCollecting:
		r.mu.Unlock()
		return game.ErrWrongPhase
	case round != r.round:
		r.mu.Unlock()
		return game.ErrWrongRound
	}
	r.mu.Unlock()

	err := r.store.InsertDecision(ctx, &store.Decision{
		GroupID:       r.groupID,
		ParticipantID: participantID,
		RoundNumber:   round,
		Choice:        choice.String(),
		SubmittedAt:   r.clock.Now(),
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.submitted[participantID] = true
	complete := len(r.submitted) >= r.groupSize && r.round == round
	r.mu.Unlock()

	r.logger.Debug("Decision recorded", "participant", participantID, "round", round)

	if complete {
		r.finalize(ctx, round, "all submitted")
	} else {
		r.broadcastState(ctx)
	}
	return nil
}

// ConfirmReady acknowledges a revealed result. Once every member has
// acknowledged, the group advances to the next round.
func (r *RoundRunner) ConfirmReady(ctx context.Context, participantID string, round int) error {
	r.mu.Lock()
	switch {
	case r.phase.Terminal():
		r.mu.Unlock()
		return game.ErrGameOver
	case r.phase != game.PhaseReadyWait && r.phase != game.PhaseRevealed:
		r.mu.Unlock()
		return game.ErrWrongPhase
	case round != r.round:
		r.mu.Unlock()
		return game.ErrWrongRound
	}
	r.mu.Unlock()

	if err := r.store.SetReady(ctx, participantID, round); err != nil {
		return err
	}

	r.mu.Lock()
	r.ready[participantID] = true
	all := len(r.ready) >= r.groupSize && r.round == round
	r.mu.Unlock()

	if all {
		r.advance(ctx, round)
	} else {
		r.broadcastState(ctx)
	}
	return nil
}

// Recheck re-evaluates the group's progress against the store. It is
// the repair path for missed triggers: if every decision for the
// current round is already persisted but the round never settled, it
// finalizes now. Safe to call at any time from any goroutine.
func (r *RoundRunner) Recheck(ctx context.Context) error {
	r.mu.Lock()
	phase := r.phase
	round := r.round
	r.mu.Unlock()

	switch phase {
	case game.PhaseCollecting:
		decisions, err := r.store.DecisionsForRound(ctx, r.groupID, round)
		if err != nil {
			return err
		}
		if len(decisions) >= r.groupSize {
			r.finalize(ctx, round, "recheck")
		}
	case game.PhaseFinalizing, game.PhaseRevealed:
		// A crashed or rejected finalization left the round hung.
		// Re-running it is safe: rows already committed are skipped.
		// A finalize still in flight is left alone; re-entering it
		// would wipe acks collected after its reveal.
		r.mu.Lock()
		if r.settling || (r.phase != game.PhaseFinalizing && r.phase != game.PhaseRevealed) {
			r.mu.Unlock()
			return nil
		}
		r.phase = game.PhaseCollecting
		r.mu.Unlock()
		r.finalize(ctx, round, "recheck repair")
	}
	return nil
}

// ResumeCollecting restores mid-round intake state after a restart:
// decisions already persisted count as submitted and the decision
// deadline is re-armed. A round that turns out fully submitted
// settles immediately.
func (r *RoundRunner) ResumeCollecting(ctx context.Context) error {
	r.mu.Lock()
	if r.phase != game.PhaseCollecting {
		r.mu.Unlock()
		return nil
	}
	round := r.round
	r.mu.Unlock()

	decisions, err := r.store.DecisionsForRound(ctx, r.groupID, round)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, d := range decisions {
		r.submitted[d.ParticipantID] = true
	}
	complete := len(r.submitted) >= r.groupSize
	r.mu.Unlock()

	if complete {
		r.finalize(ctx, round, "resume")
		return nil
	}
	r.armDeadline(round)
	return nil
}

// finalize settles one round: it claims the collecting→finalizing
// transition, forfeits missing decisions, computes payoffs, commits
// them, and reveals the results. Every trigger path funnels through
// here, and the phase claim below admits exactly one of them.
func (r *RoundRunner) finalize(ctx context.Context, round int, trigger string) {
	r.mu.Lock()
	if r.phase != game.PhaseCollecting || r.round != round {
		r.mu.Unlock()
		return
	}
	r.phase = game.PhaseFinalizing
	r.settling = true
	if r.deadline != nil {
		r.deadline.Stop()
		r.deadline = nil
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.settling = false
		r.mu.Unlock()
	}()

	r.logger.Info("Finalizing round", "round", round, "trigger", trigger)

	if err := r.store.SetGroupPhase(ctx, r.groupID, round, game.PhaseFinalizing); err != nil {
		r.logger.Error("Failed to record finalizing phase", "error", err)
	}

	r.forfeitMissing(ctx, round)

	decisions, err := r.store.DecisionsForRound(ctx, r.groupID, round)
	if err != nil {
		r.logger.Error("Failed to load decisions, round held in finalizing", "round", round, "error", err)
		return
	}
	if len(decisions) < r.groupSize {
		r.logger.Warn("Round incomplete after forfeits, reopening", "round", round, "have", len(decisions))
		r.reopen(ctx, round)
		return
	}

	ptypes := make(map[string]int, len(r.members))
	for _, m := range r.members {
		ptypes[m.ID] = m.PType
	}
	entries := make([]game.Entry, len(decisions))
	for i, d := range decisions {
		entries[i] = d.Entry(ptypes[d.ParticipantID])
	}
	outcomes := game.Settle(r.model, r.groupSize, r.baseline, entries)

	if err := r.commitOutcomes(ctx, round, outcomes); err != nil {
		// The round stays in finalizing. A recheck re-runs the commit;
		// rows that already landed are skipped by the conditional write.
		r.logger.Error("Failed to commit outcomes, round held in finalizing", "round", round, "error", err)
		return
	}

	if err := r.store.SetGroupPhase(ctx, r.groupID, round, game.PhaseRevealed); err != nil {
		r.logger.Error("Failed to record revealed phase", "error", err)
	}

	r.mu.Lock()
	r.phase = game.PhaseReadyWait
	r.ready = make(map[string]bool)
	r.mu.Unlock()

	r.revealResults(ctx, round, decisions, outcomes)

	if r.monitor != nil {
		r.monitor.OnRoundFinalized(r.groupID, round, outcomes)
	}

	if r.readyAfter > 0 {
		t := r.clock.AfterFunc(r.readyAfter, func() {
			r.logger.Info("Ready timeout, advancing", "round", round)
			r.advance(context.Background(), round)
		})
		r.mu.Lock()
		r.readyTick = t
		r.mu.Unlock()
	}
}

// commitOutcomes writes the settlement through the store, backing off
// and retrying when the governor reports the store saturated. The write
// is conditional per row, so a retry after a partial commit only
// touches the rows that are still open.
func (r *RoundRunner) commitOutcomes(ctx context.Context, round int, outcomes []game.Outcome) error {
	var err error
	for attempt := 0; attempt < finalizeRetries; attempt++ {
		if attempt > 0 {
			wait := r.clock.NewTimer(finalizeBackoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				wait.Stop()
				return ctx.Err()
			case <-wait.C:
			}
		}

		var applied int
		applied, err = r.store.FinalizeRound(ctx, r.groupID, round, outcomes)
		if err == nil {
			r.logger.Debug("Outcomes committed", "round", round, "applied", applied)
			return nil
		}
		if !errors.Is(err, store.ErrStoreBusy) {
			return err
		}
		r.logger.Warn("Store busy during finalization, retrying", "round", round, "attempt", attempt+1)
	}
	return err
}

// forfeitMissing inserts the configured forfeit choice for every member
// without a decision this round. A duplicate error means the member
// submitted while we were looking, which is fine.
func (r *RoundRunner) forfeitMissing(ctx context.Context, round int) {
	decisions, err := r.store.DecisionsForRound(ctx, r.groupID, round)
	if err != nil {
		r.logger.Error("Failed to load decisions for forfeit check", "error", err)
		return
	}

	have := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		have[d.ParticipantID] = true
	}

	for _, m := range r.members {
		if have[m.ID] {
			continue
		}
		err := r.store.InsertDecision(ctx, &store.Decision{
			GroupID:       r.groupID,
			ParticipantID: m.ID,
			RoundNumber:   round,
			Choice:        r.forfeit.String(),
			Forfeited:     true,
			SubmittedAt:   r.clock.Now(),
		})
		if err != nil && !errors.Is(err, store.ErrDuplicateDecision) {
			r.logger.Error("Failed to record forfeit", "participant", m.ID, "error", err)
			continue
		}
		if err == nil {
			r.logger.Info("Forfeited missing decision", "participant", m.ID, "round", round, "choice", r.forfeit)
		}
	}
}

// reopen puts the runner back into collecting when a finalize claim
// turns out to be premature, so intake and triggers resume normally.
func (r *RoundRunner) reopen(ctx context.Context, round int) {
	r.mu.Lock()
	if r.round == round && r.phase == game.PhaseFinalizing {
		r.phase = game.PhaseCollecting
	}
	r.mu.Unlock()

	if err := r.store.SetGroupPhase(ctx, r.groupID, round, game.PhaseCollecting); err != nil {
		r.logger.Error("Failed to record reopened phase", "error", err)
	}
}

// revealResults sends each member their personal outcome.
func (r *RoundRunner) revealResults(ctx context.Context, round int, decisions []*store.Decision, outcomes []game.Outcome) {
	byID := make(map[string]*store.Decision, len(decisions))
	for _, d := range decisions {
		byID[d.ParticipantID] = d
	}

	for _, o := range outcomes {
		balance := r.baseline
		if p, err := r.store.Participant(ctx, o.ParticipantID); err == nil {
			balance = p.Balance
		}

		forfeited := false
		if d := byID[o.ParticipantID]; d != nil {
			forfeited = d.Forfeited
		}

		msg, err := NewMessage(MessageTypeRoundResult, RoundResultData{
			Round:          round,
			Choice:         o.Choice.String(),
			Forfeited:      forfeited,
			OthersAlt:      o.OthersAlt,
			OthersFraction: o.OthersFraction,
			Cost:           o.Cost,
			Payout:         o.Payout,
			Balance:        balance,
		})
		if err != nil {
			r.logger.Error("Failed to create round result message", "error", err)
			continue
		}
		if err := r.broadcaster.SendToParticipant(o.ParticipantID, msg); err != nil {
			// Disconnected; they reconcile from a snapshot on reconnect.
			r.logger.Debug("Result not delivered", "participant", o.ParticipantID, "error", err)
		}
	}
}

// advance claims the ready_wait→next-round transition. The ready timer
// and the final ack can race here; the phase check admits one of them.
func (r *RoundRunner) advance(ctx context.Context, round int) {
	r.mu.Lock()
	if r.phase != game.PhaseReadyWait || r.round != round {
		r.mu.Unlock()
		return
	}
	if r.readyTick != nil {
		r.readyTick.Stop()
		r.readyTick = nil
	}
	last := round >= r.rounds
	if last {
		r.phase = game.PhaseCompleted
	} else {
		r.round = round + 1
		r.phase = game.PhaseCollecting
		r.submitted = make(map[string]bool)
		r.ready = make(map[string]bool)
	}
	r.mu.Unlock()

	if last {
		r.complete(ctx)
		return
	}

	// The store update is conditional on the old round number, so a
	// duplicate advance from a stale trigger is a no-op there too.
	if err := r.store.AdvanceGroup(ctx, r.groupID, round); err != nil {
		r.logger.Error("Failed to advance group", "round", round, "error", err)
	}

	r.logger.Info("Advancing to next round", "round", round+1)
	r.armDeadline(round + 1)
	r.broadcastState(ctx)
}

func (r *RoundRunner) complete(ctx context.Context) {
	r.logger.Info("Group completed all rounds", "rounds", r.rounds)

	if err := r.store.SetGroupPhase(ctx, r.groupID, r.rounds, game.PhaseCompleted); err != nil {
		r.logger.Error("Failed to record completed phase", "error", err)
	}
	if err := r.store.MarkCompleted(ctx, r.groupID); err != nil {
		r.logger.Error("Failed to mark participants completed", "error", err)
	}

	for _, m := range r.members {
		balance := r.baseline
		if p, err := r.store.Participant(ctx, m.ID); err == nil {
			balance = p.Balance
		}
		msg, err := NewMessage(MessageTypeGameOver, GameOverData{
			Rounds:       r.rounds,
			FinalBalance: balance,
		})
		if err != nil {
			continue
		}
		_ = r.broadcaster.SendToParticipant(m.ID, msg)
	}

	if r.monitor != nil {
		r.monitor.OnGroupComplete(r.groupID, r.rounds)
	}
}

// armDeadline starts the decision deadline timer for a round, if the
// deadline is enabled.
func (r *RoundRunner) armDeadline(round int) {
	if r.decideAfter <= 0 {
		return
	}
	t := r.clock.AfterFunc(r.decideAfter, func() {
		r.logger.Info("Decision deadline reached", "round", round)
		r.finalize(context.Background(), round, "deadline")
	})
	r.mu.Lock()
	if r.deadline != nil {
		r.deadline.Stop()
	}
	r.deadline = t
	r.mu.Unlock()
}

// broadcastState pushes the shared view of the group's progress. It
// carries no per-participant fields; those come from Snapshot.
func (r *RoundRunner) broadcastState(ctx context.Context) {
	r.mu.Lock()
	data := GameStateData{
		Round:     r.round,
		Rounds:    r.rounds,
		Phase:     r.phase.String(),
		GroupSize: r.groupSize,
		Joined:    len(r.joined),
		Submitted: len(r.submitted),
		Ready:     len(r.ready),
	}
	r.mu.Unlock()

	msg, err := NewMessage(MessageTypeGameState, data)
	if err != nil {
		r.logger.Error("Failed to create game state message", "error", err)
		return
	}
	r.broadcaster.BroadcastToGroup(r.groupID, msg)
}

// Stop cancels any pending timers.
func (r *RoundRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deadline != nil {
		r.deadline.Stop()
		r.deadline = nil
	}
	if r.readyTick != nil {
		r.readyTick.Stop()
		r.readyTick = nil
	}
}
