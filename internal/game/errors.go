package game

import "errors"

var (
	// ErrInvalidChoice indicates a choice outside the two legal actions.
	ErrInvalidChoice = errors.New("game: invalid choice")

	// ErrWrongPhase indicates an operation arriving while the group is not
	// in the phase that accepts it. No state is changed.
	ErrWrongPhase = errors.New("game: wrong phase")

	// ErrWrongRound indicates an operation targeting a round number other
	// than the group's current one.
	ErrWrongRound = errors.New("game: wrong round")

	// ErrGameOver indicates the group has played all configured rounds.
	ErrGameOver = errors.New("game: game over")
)
