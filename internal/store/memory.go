package store

import (
	"context"
	"sort"
	"sync"

	"github.com/epilab/vaccgame/internal/game"
)

// MemoryStore is an in-memory Store for tests and single-process
// development runs. It applies the same write-once and conditional
// finalization semantics as the SQL implementation.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	groups       map[string]*Group
	participants map[string]*Participant
	byCode       map[string]string            // code -> participant id
	decisions    map[string]map[int]*Decision // participant id -> round -> decision
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]*Session),
		groups:       make(map[string]*Group),
		participants: make(map[string]*Participant),
		byCode:       make(map[string]string),
		decisions:    make(map[string]map[int]*Decision),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateSession(_ context.Context, sess *Session, groups []*Group, participants []*Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	s.sessions[sess.ID] = &cp
	for _, g := range groups {
		gcp := *g
		s.groups[g.ID] = &gcp
	}
	for _, p := range participants {
		pcp := *p
		s.participants[p.ID] = &pcp
		s.byCode[p.Code] = p.ID
	}
	return nil
}

func (s *MemoryStore) Session(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) SetSessionState(_ context.Context, id, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.State = state
	return nil
}

func (s *MemoryStore) Sessions(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Group(_ context.Context, id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *MemoryStore) GroupsBySession(_ context.Context, sessionID string) ([]*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Group
	for _, g := range s.groups {
		if g.SessionID == sessionID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *MemoryStore) SetGroupPhase(_ context.Context, groupID string, round int, phase game.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	g.RoundNumber = round
	g.Phase = string(phase)
	return nil
}

func (s *MemoryStore) AdvanceGroup(_ context.Context, groupID string, fromRound int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	// Conditional on the current round so a stale caller cannot move the
	// counter twice.
	if g.RoundNumber != fromRound {
		return nil
	}
	g.RoundNumber = fromRound + 1
	g.Phase = string(game.PhaseCollecting)
	return nil
}

func (s *MemoryStore) Participant(_ context.Context, id string) (*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ParticipantByCode(_ context.Context, code string) (*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.participants[id]
	return &cp, nil
}

func (s *MemoryStore) ParticipantsByGroup(_ context.Context, groupID string) ([]*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Participant
	for _, p := range s.participants {
		if p.GroupID == groupID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinNumber < out[j].JoinNumber })
	return out, nil
}

func (s *MemoryStore) MarkJoined(_ context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return ErrNotFound
	}
	p.Joined = true
	return nil
}

func (s *MemoryStore) SetReady(_ context.Context, participantID string, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return ErrNotFound
	}
	if round > p.ReadyRound {
		p.ReadyRound = round
	}
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.GroupID == groupID {
			p.Completed = true
		}
	}
	return nil
}

func (s *MemoryStore) InsertDecision(_ context.Context, d *Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rounds, ok := s.decisions[d.ParticipantID]
	if !ok {
		rounds = make(map[int]*Decision)
		s.decisions[d.ParticipantID] = rounds
	}
	if _, exists := rounds[d.RoundNumber]; exists {
		return ErrDuplicateDecision
	}
	cp := *d
	rounds[d.RoundNumber] = &cp
	return nil
}

func (s *MemoryStore) DecisionsForRound(_ context.Context, groupID string, round int) ([]*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Decision
	for pid, rounds := range s.decisions {
		d, ok := rounds[round]
		if !ok {
			continue
		}
		if p, ok := s.participants[pid]; !ok || p.GroupID != groupID {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.participants[out[i].ParticipantID].JoinNumber < s.participants[out[j].ParticipantID].JoinNumber
	})
	return out, nil
}

func (s *MemoryStore) FinalizeRound(_ context.Context, groupID string, round int, outcomes []game.Outcome) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	for _, o := range outcomes {
		rounds, ok := s.decisions[o.ParticipantID]
		if !ok {
			continue
		}
		d, ok := rounds[round]
		if !ok || d.GroupID != groupID {
			continue
		}
		if d.Finalized() {
			continue // already committed by a concurrent call
		}
		othersAlt, frac, cost, payout := o.OthersAlt, o.OthersFraction, o.Cost, o.Payout
		d.OthersAlt = &othersAlt
		d.OthersFraction = &frac
		d.TotalCost = &cost
		d.Payout = &payout
		if p, ok := s.participants[o.ParticipantID]; ok {
			p.Balance = payout
		}
		applied++
	}
	return applied, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
