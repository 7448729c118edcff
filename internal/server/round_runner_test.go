package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epilab/vaccgame/internal/game"
	"github.com/epilab/vaccgame/internal/store"
)

func TestRoundLifecycle(t *testing.T) {
	tg := newTestGame(t, 3, 2, RunnerConfig{})
	ctx := context.Background()
	joined := tg.joinAll(t)

	runner := tg.runner(t)
	assert.Equal(t, game.PhaseCollecting, runner.Phase())
	assert.Equal(t, 1, runner.Round())

	// Round 1: two A, one B. The third submission settles the round.
	for i, j := range joined {
		choice := "A"
		if i == 2 {
			choice = "B"
		}
		require.NoError(t, tg.service.SubmitChoice(ctx, j.ParticipantID, 1, choice))
	}

	assert.Equal(t, game.PhaseReadyWait, runner.Phase())

	// Every participant got a personal result.
	for _, j := range joined {
		results := tg.bcast.sentOfType(j.ParticipantID, MessageTypeRoundResult)
		require.Len(t, results, 1, "participant %d", j.JoinNumber)
	}

	// Decisions are committed in the store.
	decisions, err := tg.store.DecisionsForRound(ctx, tg.group.ID, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 3)
	for _, d := range decisions {
		assert.True(t, d.Finalized())
	}

	// All ready acknowledgements advance to round 2.
	for _, j := range joined {
		require.NoError(t, tg.service.ConfirmReady(ctx, j.ParticipantID, 1))
	}
	assert.Equal(t, 2, runner.Round())
	assert.Equal(t, game.PhaseCollecting, runner.Phase())

	grp, err := tg.store.Group(ctx, tg.group.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, grp.RoundNumber)

	// Round 2 is the last: after it, the group completes.
	for _, j := range joined {
		require.NoError(t, tg.service.SubmitChoice(ctx, j.ParticipantID, 2, "A"))
	}
	for _, j := range joined {
		require.NoError(t, tg.service.ConfirmReady(ctx, j.ParticipantID, 2))
	}

	assert.Equal(t, game.PhaseCompleted, runner.Phase())
	for _, j := range joined {
		over := tg.bcast.sentOfType(j.ParticipantID, MessageTypeGameOver)
		require.Len(t, over, 1)
	}

	p, err := tg.store.Participant(ctx, joined[0].ParticipantID)
	require.NoError(t, err)
	assert.True(t, p.Completed)

	// A completed group's codes are no longer accepted.
	_, err = tg.service.Join(ctx, tg.codes[0])
	assert.ErrorIs(t, err, game.ErrGameOver)
}

func TestSubmitValidation(t *testing.T) {
	tg := newTestGame(t, 3, 1, RunnerConfig{})
	ctx := context.Background()

	// First participant joins; group is still in the lobby.
	j0, err := tg.service.Join(ctx, tg.codes[0])
	require.NoError(t, err)

	err = tg.service.SubmitChoice(ctx, j0.ParticipantID, 1, "A")
	assert.ErrorIs(t, err, game.ErrWrongPhase)

	j1, err := tg.service.Join(ctx, tg.codes[1])
	require.NoError(t, err)
	j2, err := tg.service.Join(ctx, tg.codes[2])
	require.NoError(t, err)

	// Invalid choice never reaches the store.
	err = tg.service.SubmitChoice(ctx, j0.ParticipantID, 1, "C")
	assert.ErrorIs(t, err, game.ErrInvalidChoice)

	// Wrong round number.
	err = tg.service.SubmitChoice(ctx, j0.ParticipantID, 2, "A")
	assert.ErrorIs(t, err, game.ErrWrongRound)

	require.NoError(t, tg.service.SubmitChoice(ctx, j0.ParticipantID, 1, "A"))

	// Second submission for the same round is rejected, first one wins.
	err = tg.service.SubmitChoice(ctx, j0.ParticipantID, 1, "B")
	assert.ErrorIs(t, err, store.ErrDuplicateDecision)

	// Ready before the round revealed.
	err = tg.service.ConfirmReady(ctx, j0.ParticipantID, 1)
	assert.ErrorIs(t, err, game.ErrWrongPhase)

	require.NoError(t, tg.service.SubmitChoice(ctx, j1.ParticipantID, 1, "B"))
	require.NoError(t, tg.service.SubmitChoice(ctx, j2.ParticipantID, 1, "B"))

	for _, j := range []*JoinedData{j0, j1, j2} {
		require.NoError(t, tg.service.ConfirmReady(ctx, j.ParticipantID, 1))
	}

	// Single-round game is over now.
	err = tg.service.SubmitChoice(ctx, j0.ParticipantID, 1, "A")
	assert.ErrorIs(t, err, game.ErrGameOver)
}

func TestDecisionDeadlineForfeits(t *testing.T) {
	tg := newTestGame(t, 3, 1, RunnerConfig{DecisionDeadline: 30 * time.Second})
	ctx := context.Background()
	joined := tg.joinAll(t)
	runner := tg.runner(t)

	// Two of three submit; the third goes silent.
	require.NoError(t, tg.service.SubmitChoice(ctx, joined[0].ParticipantID, 1, "B"))
	require.NoError(t, tg.service.SubmitChoice(ctx, joined[1].ParticipantID, 1, "B"))
	assert.Equal(t, game.PhaseCollecting, runner.Phase())

	tg.clock.Advance(30 * time.Second).MustWait(ctx)

	assert.Equal(t, game.PhaseReadyWait, runner.Phase())

	decisions, err := tg.store.DecisionsForRound(ctx, tg.group.ID, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 3)

	var forfeited *store.Decision
	for _, d := range decisions {
		if d.ParticipantID == joined[2].ParticipantID {
			forfeited = d
		}
	}
	require.NotNil(t, forfeited)
	assert.True(t, forfeited.Forfeited)
	assert.Equal(t, game.ChoiceA.String(), forfeited.Choice)
	assert.True(t, forfeited.Finalized())
}

func TestReadyTimeoutAdvances(t *testing.T) {
	tg := newTestGame(t, 2, 2, RunnerConfig{ReadyTimeout: 15 * time.Second})
	ctx := context.Background()
	joined := tg.joinAll(t)
	runner := tg.runner(t)

	require.NoError(t, tg.service.SubmitChoice(ctx, joined[0].ParticipantID, 1, "A"))
	require.NoError(t, tg.service.SubmitChoice(ctx, joined[1].ParticipantID, 1, "B"))
	require.Equal(t, game.PhaseReadyWait, runner.Phase())

	// Only one participant acknowledges; the timeout covers the other.
	require.NoError(t, tg.service.ConfirmReady(ctx, joined[0].ParticipantID, 1))
	assert.Equal(t, 1, runner.Round())

	tg.clock.Advance(15 * time.Second).MustWait(ctx)

	assert.Equal(t, 2, runner.Round())
	assert.Equal(t, game.PhaseCollecting, runner.Phase())
}

func TestConcurrentSubmissionsFinalizeOnce(t *testing.T) {
	tg := newTestGame(t, 6, 1, RunnerConfig{})
	ctx := context.Background()
	joined := tg.joinAll(t)

	// All six submit at once; whichever lands last runs finalization,
	// and it must run exactly once.
	var wg sync.WaitGroup
	for i, j := range joined {
		wg.Add(1)
		go func(i int, pid string) {
			defer wg.Done()
			choice := "A"
			if i%2 == 1 {
				choice = "B"
			}
			assert.NoError(t, tg.service.SubmitChoice(ctx, pid, 1, choice))
		}(i, j.ParticipantID)
	}
	wg.Wait()

	runner := tg.runner(t)
	assert.Equal(t, game.PhaseReadyWait, runner.Phase())

	for _, j := range joined {
		results := tg.bcast.sentOfType(j.ParticipantID, MessageTypeRoundResult)
		assert.Len(t, results, 1, "participant should see exactly one result")
	}

	decisions, err := tg.store.DecisionsForRound(ctx, tg.group.ID, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 6)
	for _, d := range decisions {
		assert.True(t, d.Finalized())
	}
}

func TestRecheckFinalizesPersistedDecisions(t *testing.T) {
	tg := newTestGame(t, 2, 1, RunnerConfig{})
	ctx := context.Background()
	joined := tg.joinAll(t)
	runner := tg.runner(t)

	// Decisions land in the store without going through the runner,
	// as if the process restarted between the writes and the trigger.
	for _, j := range joined {
		require.NoError(t, tg.store.InsertDecision(ctx, &store.Decision{
			GroupID:       tg.group.ID,
			ParticipantID: j.ParticipantID,
			RoundNumber:   1,
			Choice:        "B",
		}))
	}
	require.Equal(t, game.PhaseCollecting, runner.Phase())

	require.NoError(t, tg.service.Recheck(ctx, tg.group.ID))

	assert.Equal(t, game.PhaseReadyWait, runner.Phase())
	decisions, err := tg.store.DecisionsForRound(ctx, tg.group.ID, 1)
	require.NoError(t, err)
	for _, d := range decisions {
		assert.True(t, d.Finalized())
	}
}

// flakyStore fails FinalizeRound while tripped and passes everything
// else through.
type flakyStore struct {
	store.Store
	tripped atomic.Bool
}

func (f *flakyStore) FinalizeRound(ctx context.Context, groupID string, round int, outcomes []game.Outcome) (int, error) {
	if f.tripped.Load() {
		return 0, errors.New("write failed")
	}
	return f.Store.FinalizeRound(ctx, groupID, round, outcomes)
}

func TestFinalizeFailureHeldForRecheck(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem}
	flaky.tripped.Store(true)

	bcast := newFakeBroadcaster()
	clock := quartz.NewMock(t)
	svc := NewGameService(flaky, bcast, RunnerConfig{
		Model:           game.DefaultTypeTable(),
		StartingBalance: 500,
		ForfeitChoice:   game.ChoiceA,
	}, clock, testLogger(), nil)
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, SessionSpec{Name: "t", Groups: 1, GroupSize: 2, Rounds: 1})
	require.NoError(t, err)
	grp := created.Groups[0]

	var joined []*JoinedData
	for _, code := range created.Codes[grp.ID] {
		j, err := svc.Join(ctx, code)
		require.NoError(t, err)
		joined = append(joined, j)
	}

	require.NoError(t, svc.SubmitChoice(ctx, joined[0].ParticipantID, 1, "A"))
	require.NoError(t, svc.SubmitChoice(ctx, joined[1].ParticipantID, 1, "B"))

	// Finalization failed; the round is held in finalizing so a
	// recheck can retry the commit instead of reopening intake.
	runner, err := svc.runnerFor(ctx, grp.ID)
	require.NoError(t, err)
	assert.Equal(t, game.PhaseFinalizing, runner.Phase())

	flaky.tripped.Store(false)
	require.NoError(t, svc.Recheck(ctx, grp.ID))

	assert.Equal(t, game.PhaseReadyWait, runner.Phase())
	decisions, err := mem.DecisionsForRound(ctx, grp.ID, 1)
	require.NoError(t, err)
	for _, d := range decisions {
		assert.True(t, d.Finalized())
	}
}

// busyStore reports the governor saturated a fixed number of times.
type busyStore struct {
	store.Store
	remaining atomic.Int32
}

func (b *busyStore) FinalizeRound(ctx context.Context, groupID string, round int, outcomes []game.Outcome) (int, error) {
	if b.remaining.Add(-1) >= 0 {
		return 0, store.ErrStoreBusy
	}
	return b.Store.FinalizeRound(ctx, groupID, round, outcomes)
}

func TestFinalizeRetriesWhenStoreBusy(t *testing.T) {
	busy := &busyStore{Store: store.NewMemoryStore()}
	busy.remaining.Store(2)

	bcast := newFakeBroadcaster()
	svc := NewGameService(busy, bcast, RunnerConfig{
		Model:           game.DefaultTypeTable(),
		StartingBalance: 500,
		ForfeitChoice:   game.ChoiceA,
	}, quartz.NewReal(), testLogger(), nil)
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, SessionSpec{Name: "t", Groups: 1, GroupSize: 2, Rounds: 1})
	require.NoError(t, err)
	grp := created.Groups[0]

	var joined []*JoinedData
	for _, code := range created.Codes[grp.ID] {
		j, err := svc.Join(ctx, code)
		require.NoError(t, err)
		joined = append(joined, j)
	}

	require.NoError(t, svc.SubmitChoice(ctx, joined[0].ParticipantID, 1, "A"))
	require.NoError(t, svc.SubmitChoice(ctx, joined[1].ParticipantID, 1, "B"))

	// The backoff absorbed the rejections and the round still settled.
	runner, err := svc.runnerFor(ctx, grp.ID)
	require.NoError(t, err)
	assert.Equal(t, game.PhaseReadyWait, runner.Phase())
}

func TestGroupsProgressIndependently(t *testing.T) {
	st := store.NewMemoryStore()
	bcast := newFakeBroadcaster()
	clock := quartz.NewMock(t)
	svc := NewGameService(st, bcast, RunnerConfig{
		Model:           game.DefaultTypeTable(),
		StartingBalance: 500,
		ForfeitChoice:   game.ChoiceA,
	}, clock, testLogger(), nil)
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, SessionSpec{Name: "t", Groups: 2, GroupSize: 2, Rounds: 2})
	require.NoError(t, err)
	require.Len(t, created.Groups, 2)

	fast, slow := created.Groups[0], created.Groups[1]

	var fastJoined []*JoinedData
	for _, code := range created.Codes[fast.ID] {
		j, err := svc.Join(ctx, code)
		require.NoError(t, err)
		fastJoined = append(fastJoined, j)
	}

	// Only one member of the slow group ever shows up.
	_, err = svc.Join(ctx, created.Codes[slow.ID][0])
	require.NoError(t, err)

	// The fast group plays a full round while the slow group idles in
	// the lobby.
	require.NoError(t, svc.SubmitChoice(ctx, fastJoined[0].ParticipantID, 1, "A"))
	require.NoError(t, svc.SubmitChoice(ctx, fastJoined[1].ParticipantID, 1, "B"))
	require.NoError(t, svc.ConfirmReady(ctx, fastJoined[0].ParticipantID, 1))
	require.NoError(t, svc.ConfirmReady(ctx, fastJoined[1].ParticipantID, 1))

	fastRunner, err := svc.runnerFor(ctx, fast.ID)
	require.NoError(t, err)
	slowRunner, err := svc.runnerFor(ctx, slow.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, fastRunner.Round())
	assert.Equal(t, game.PhaseLobby, slowRunner.Phase())
	assert.Equal(t, 1, slowRunner.Round())
}

// gatedStore blocks finalization writes until released and counts them.
type gatedStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedStore) FinalizeRound(ctx context.Context, groupID string, round int, outcomes []game.Outcome) (int, error) {
	g.calls.Add(1)
	g.entered <- struct{}{}
	<-g.release
	return g.Store.FinalizeRound(ctx, groupID, round, outcomes)
}

func TestRecheckLeavesInFlightFinalizeAlone(t *testing.T) {
	gated := &gatedStore{
		Store:   store.NewMemoryStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	bcast := newFakeBroadcaster()
	svc := NewGameService(gated, bcast, RunnerConfig{
		Model:           game.DefaultTypeTable(),
		StartingBalance: 500,
		ForfeitChoice:   game.ChoiceA,
	}, quartz.NewReal(), testLogger(), nil)
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, SessionSpec{Name: "t", Groups: 1, GroupSize: 2, Rounds: 1})
	require.NoError(t, err)
	grp := created.Groups[0]

	var joined []*JoinedData
	for _, code := range created.Codes[grp.ID] {
		j, err := svc.Join(ctx, code)
		require.NoError(t, err)
		joined = append(joined, j)
	}

	require.NoError(t, svc.SubmitChoice(ctx, joined[0].ParticipantID, 1, "A"))

	done := make(chan error, 1)
	go func() {
		done <- svc.SubmitChoice(ctx, joined[1].ParticipantID, 1, "B")
	}()
	<-gated.entered

	// The finalize is mid-commit; a racing recheck must not re-enter
	// it and reset the ready tracking its reveal is about to start.
	require.NoError(t, svc.Recheck(ctx, grp.ID))

	close(gated.release)
	require.NoError(t, <-done)

	runner, err := svc.runnerFor(ctx, grp.ID)
	require.NoError(t, err)
	assert.Equal(t, game.PhaseReadyWait, runner.Phase())
	assert.Equal(t, int32(1), gated.calls.Load())
}

// governedStore routes finalization through a real governor and holds
// the slot briefly so concurrent groups actually contend.
type governedStore struct {
	store.Store
	governor *store.Governor
	hold     time.Duration
}

func (g *governedStore) FinalizeRound(ctx context.Context, groupID string, round int, outcomes []game.Outcome) (int, error) {
	release, err := g.governor.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	time.Sleep(g.hold)
	return g.Store.FinalizeRound(ctx, groupID, round, outcomes)
}

func TestManyGroupsFinalizeUnderSaturatedGovernor(t *testing.T) {
	mem := store.NewMemoryStore()
	st := &governedStore{
		Store:    mem,
		governor: store.NewGovernor(1, 1, 50*time.Millisecond),
		hold:     10 * time.Millisecond,
	}

	bcast := newFakeBroadcaster()
	svc := NewGameService(st, bcast, RunnerConfig{
		Model:           game.DefaultTypeTable(),
		StartingBalance: 500,
		ForfeitChoice:   game.ChoiceA,
	}, quartz.NewReal(), testLogger(), nil)
	ctx := context.Background()

	const groups = 6
	created, err := svc.CreateSession(ctx, SessionSpec{Name: "t", Groups: groups, GroupSize: 2, Rounds: 1})
	require.NoError(t, err)

	// All groups fill and finalize in the same instant; only one
	// finalization fits through the governor at a time, the rest are
	// rejected and absorbed by the coordinator's backoff.
	var wg sync.WaitGroup
	for _, grp := range created.Groups {
		var ids []string
		for _, code := range created.Codes[grp.ID] {
			j, err := svc.Join(ctx, code)
			require.NoError(t, err)
			ids = append(ids, j.ParticipantID)
		}

		wg.Add(1)
		go func(ids []string) {
			defer wg.Done()
			assert.NoError(t, svc.SubmitChoice(ctx, ids[0], 1, "A"))
			assert.NoError(t, svc.SubmitChoice(ctx, ids[1], 1, "B"))
		}(ids)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		for _, grp := range created.Groups {
			decisions, err := mem.DecisionsForRound(ctx, grp.ID, 1)
			if err != nil || len(decisions) != 2 {
				return false
			}
			for _, d := range decisions {
				if !d.Finalized() {
					return false
				}
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
}
