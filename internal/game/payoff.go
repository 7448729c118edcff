package game

import "math"

// CostModel maps a participant's own action and the behaviour of their
// groupmates to a round cost. Implementations must be pure and
// deterministic: same inputs, same cost, no side effects.
//
// othersAlt is the number of the participant's N-1 groupmates who chose
// the action opposite to the participant's own.
type CostModel interface {
	// Cost returns the round cost for a participant of the given type.
	Cost(ptype int, own Choice, othersAlt, groupSize int) float64
	// Name identifies the model in config and exports.
	Name() string
}

// TypeCosts holds the cost parameters for one participant type.
type TypeCosts struct {
	A float64   // fixed cost of choosing A
	B []float64 // B cost by bracket of others' alternate-action fraction
}

// TypeTableModel is the table-driven cost scheme of the original
// experiment: six participant types, each with a fixed A cost and a
// five-column B row indexed by how many of the others chose A.
type TypeTableModel struct {
	Types map[int]TypeCosts
}

// DefaultTypeTable returns the cost table used in the original experiment.
func DefaultTypeTable() *TypeTableModel {
	return &TypeTableModel{Types: map[int]TypeCosts{
		1: {A: 4, B: []float64{4, 3, 2, 1, 0}},
		2: {A: 4, B: []float64{8, 6, 4, 2, 0}},
		3: {A: 8, B: []float64{4, 3, 2, 1, 0}},
		4: {A: 8, B: []float64{8, 6, 4, 2, 0}},
		5: {A: 32, B: []float64{24, 18, 12, 6, 0}},
		6: {A: 32, B: []float64{64, 48, 32, 16, 0}},
	}}
}

func (m *TypeTableModel) Name() string { return "type_table" }

// Cost implements CostModel. Unknown types fall back to type 1.
func (m *TypeTableModel) Cost(ptype int, own Choice, othersAlt, groupSize int) float64 {
	tc, ok := m.Types[ptype]
	if !ok {
		tc = m.Types[1]
	}

	if own == ChoiceA {
		return tc.A
	}

	cols := len(tc.B)
	n := groupSize
	if n < 1 {
		n = 1
	}
	if othersAlt < 0 {
		othersAlt = 0
	}
	if max := n - 1; othersAlt > max && max >= 0 {
		othersAlt = max
	}
	if n <= 1 {
		return tc.B[0]
	}

	frac := float64(othersAlt) / float64(n-1)
	col := int(frac*float64(cols) + 0.5)
	if col < 1 {
		col = 1
	}
	if col > cols {
		col = cols
	}
	return tc.B[col-1]
}

// LinearModel charges A-choosers proportionally to the fraction of their
// groupmates who chose B, and B-choosers a flat amount. Participant types
// are ignored.
type LinearModel struct {
	SlopeA float64 // cost(A) = SlopeA * othersFraction
	FixedB float64 // cost(B) = FixedB
}

func (m *LinearModel) Name() string { return "linear" }

// Cost implements CostModel.
func (m *LinearModel) Cost(_ int, own Choice, othersAlt, groupSize int) float64 {
	if own == ChoiceB {
		return m.FixedB
	}
	if groupSize <= 1 {
		return 0
	}
	return m.SlopeA * float64(othersAlt) / float64(groupSize-1)
}

// Entry is one participant's raw decision going into settlement.
type Entry struct {
	ParticipantID string
	PType         int
	Choice        Choice
}

// Outcome carries the finalization fields computed for one decision.
type Outcome struct {
	ParticipantID  string
	Choice         Choice
	OthersAlt      int     // groupmates who chose the alternate action
	OthersFraction float64 // OthersAlt / (N-1)
	Cost           float64
	Payout         float64 // max(baseline - Cost, 0)
}

// Settle computes every participant's outcome for a round from the full
// set of raw decisions. It is a pure function of its inputs; callers own
// persistence and idempotency.
func Settle(model CostModel, groupSize int, baseline float64, entries []Entry) []Outcome {
	totalA := 0
	for _, e := range entries {
		if e.Choice == ChoiceA {
			totalA++
		}
	}
	totalB := len(entries) - totalA

	outcomes := make([]Outcome, len(entries))
	for i, e := range entries {
		var othersAlt int
		if e.Choice == ChoiceA {
			othersAlt = totalB
		} else {
			othersAlt = totalA
		}

		var frac float64
		if groupSize > 1 {
			frac = float64(othersAlt) / float64(groupSize-1)
		}

		cost := model.Cost(e.PType, e.Choice, othersAlt, groupSize)
		outcomes[i] = Outcome{
			ParticipantID:  e.ParticipantID,
			Choice:         e.Choice,
			OthersAlt:      othersAlt,
			OthersFraction: frac,
			Cost:           cost,
			Payout:         math.Max(baseline-cost, 0),
		}
	}
	return outcomes
}
