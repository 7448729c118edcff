// Package store persists sessions, groups, participants and decisions.
//
// Two implementations exist: SQLStore on Postgres for deployments, and
// MemoryStore for tests and development. Both enforce the two write
// disciplines the round engine depends on: decisions are write-once, and
// finalization fields transition from null to non-null at most once per
// decision (a conditional write keyed on "finalization fields still
// null"), which is what makes concurrent finalization idempotent.
package store

import (
	"context"
	"errors"

	"github.com/epilab/vaccgame/internal/game"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateDecision indicates a decision already exists for the
	// (participant, round) pair. The stored record is unchanged.
	ErrDuplicateDecision = errors.New("store: duplicate decision")

	// ErrStoreBusy indicates the connection governor rejected the
	// operation; callers should back off and retry.
	ErrStoreBusy = errors.New("store: busy, retry later")
)

// Store is the durable record of game state.
type Store interface {
	// CreateSession persists a session with its groups and participants
	// in one transaction.
	CreateSession(ctx context.Context, sess *Session, groups []*Group, participants []*Participant) error
	Session(ctx context.Context, id string) (*Session, error)
	SetSessionState(ctx context.Context, id, state string) error
	Sessions(ctx context.Context) ([]*Session, error)

	Group(ctx context.Context, id string) (*Group, error)
	GroupsBySession(ctx context.Context, sessionID string) ([]*Group, error)
	// SetGroupPhase records a group's current round and phase.
	SetGroupPhase(ctx context.Context, groupID string, round int, phase game.Phase) error
	// AdvanceGroup moves a group from round to round+1 and back into the
	// collecting phase. The update is conditional on the current round
	// number, so the round counter can never decrease or skip.
	AdvanceGroup(ctx context.Context, groupID string, fromRound int) error

	Participant(ctx context.Context, id string) (*Participant, error)
	ParticipantByCode(ctx context.Context, code string) (*Participant, error)
	ParticipantsByGroup(ctx context.Context, groupID string) ([]*Participant, error)
	MarkJoined(ctx context.Context, participantID string) error
	// SetReady raises the participant's acknowledged round; it never
	// lowers it.
	SetReady(ctx context.Context, participantID string, round int) error
	MarkCompleted(ctx context.Context, groupID string) error

	// InsertDecision records a choice with null finalization fields.
	// Returns ErrDuplicateDecision if one exists for (participant, round).
	InsertDecision(ctx context.Context, d *Decision) error
	DecisionsForRound(ctx context.Context, groupID string, round int) ([]*Decision, error)
	// FinalizeRound commits the computed outcomes for a round in one
	// transaction. Each row is updated only if its finalization fields
	// are still null; rows already finalized by a concurrent call are
	// skipped without error. Returns the number of rows this call
	// actually finalized.
	FinalizeRound(ctx context.Context, groupID string, round int, outcomes []game.Outcome) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
