package game

import "fmt"

// Choice is one of the two actions a participant may take in a round.
type Choice string

const (
	// ChoiceA is the protective action (fixed cost, original "vaccinate").
	ChoiceA Choice = "A"
	// ChoiceB is the risky action (cost depends on what the others did).
	ChoiceB Choice = "B"
)

// ParseChoice validates a wire-format choice string.
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChoiceA:
		return ChoiceA, nil
	case ChoiceB:
		return ChoiceB, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChoice, s)
	}
}

// Other returns the alternate action.
func (c Choice) Other() Choice {
	if c == ChoiceA {
		return ChoiceB
	}
	return ChoiceA
}

func (c Choice) String() string { return string(c) }

// Phase is the lifecycle state of a group at its current round.
type Phase string

const (
	PhaseLobby      Phase = "lobby"      // waiting for all members to join
	PhaseCollecting Phase = "collecting" // decisions pending for the current round
	PhaseFinalizing Phase = "finalizing" // payoff computation/commit in flight
	PhaseRevealed   Phase = "revealed"   // payoffs committed, results pushed
	PhaseReadyWait  Phase = "ready_wait" // awaiting confirm-ready acks
	PhaseCompleted  Phase = "completed"  // all rounds played, terminal
)

func (p Phase) String() string { return string(p) }

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool { return p == PhaseCompleted }
