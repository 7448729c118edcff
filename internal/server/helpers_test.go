package server

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/epilab/vaccgame/internal/game"
	"github.com/epilab/vaccgame/internal/store"
)

// testLogger creates a logger that discards output for tests
func testLogger() *log.Logger {
	return log.New(io.Discard)
}

// fakeBroadcaster records messages instead of delivering them.
type fakeBroadcaster struct {
	mu         sync.Mutex
	broadcasts []*Message
	sends      map[string][]*Message
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{sends: make(map[string][]*Message)}
}

func (f *fakeBroadcaster) BroadcastToGroup(groupID string, msg *Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
}

func (f *fakeBroadcaster) SendToParticipant(participantID string, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[participantID] = append(f.sends[participantID], msg)
	return nil
}

func (f *fakeBroadcaster) sentOfType(participantID string, mt MessageType) []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*Message
	for _, m := range f.sends[participantID] {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

// testGame bundles a service over a memory store with one provisioned
// group, ready for join/submit traffic.
type testGame struct {
	store   *store.MemoryStore
	service *GameService
	bcast   *fakeBroadcaster
	clock   *quartz.Mock
	session *store.Session
	group   *store.Group
	codes   []string
}

func newTestGame(t *testing.T, groupSize, rounds int, cfg RunnerConfig) *testGame {
	t.Helper()

	if cfg.Model == nil {
		cfg.Model = game.DefaultTypeTable()
	}
	if cfg.StartingBalance == 0 {
		cfg.StartingBalance = 500
	}
	if cfg.ForfeitChoice == "" {
		cfg.ForfeitChoice = game.ChoiceA
	}

	st := store.NewMemoryStore()
	bcast := newFakeBroadcaster()
	clock := quartz.NewMock(t)
	svc := NewGameService(st, bcast, cfg, clock, testLogger(), nil)

	created, err := svc.CreateSession(context.Background(), SessionSpec{
		Name:      "test",
		Groups:    1,
		GroupSize: groupSize,
		Rounds:    rounds,
	})
	require.NoError(t, err)
	require.Len(t, created.Groups, 1)

	grp := created.Groups[0]
	return &testGame{
		store:   st,
		service: svc,
		bcast:   bcast,
		clock:   clock,
		session: created.Session,
		group:   grp,
		codes:   created.Codes[grp.ID],
	}
}

// joinAll joins every participant and returns them in join order.
func (tg *testGame) joinAll(t *testing.T) []*JoinedData {
	t.Helper()

	joined := make([]*JoinedData, len(tg.codes))
	for i, code := range tg.codes {
		j, err := tg.service.Join(context.Background(), code)
		require.NoError(t, err)
		joined[i] = j
	}
	return joined
}

func (tg *testGame) runner(t *testing.T) *RoundRunner {
	t.Helper()
	r, err := tg.service.runnerFor(context.Background(), tg.group.ID)
	require.NoError(t, err)
	return r
}
