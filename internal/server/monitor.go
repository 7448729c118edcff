package server

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/epilab/vaccgame/internal/game"
)

// RoundMonitor receives progress callbacks from the round runners.
// Implementations must be safe for concurrent use; groups finalize
// independently.
type RoundMonitor interface {
	OnGroupStart(groupID string, groupSize, rounds int)
	OnRoundFinalized(groupID string, round int, outcomes []game.Outcome)
	OnGroupComplete(groupID string, rounds int)
}

// ListMonitor prints one line per finalized round: group, round,
// choice split and total payout.
type ListMonitor struct {
	writer io.Writer
	mu     sync.Mutex

	groupStyle  lipgloss.Style
	payoutStyle lipgloss.Style
	zeroStyle   lipgloss.Style
	doneStyle   lipgloss.Style
}

// NewListMonitor creates a new list monitor.
func NewListMonitor(writer io.Writer) *ListMonitor {
	if writer == nil {
		writer = os.Stdout
	}

	return &ListMonitor{
		writer:      writer,
		groupStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("#74B9FF")),
		payoutStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true),
		zeroStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		doneStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD700")).Bold(true),
	}
}

// OnGroupStart implements RoundMonitor.
func (l *ListMonitor) OnGroupStart(groupID string, groupSize, rounds int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.writer, "%s started: %d participants, %d rounds\n",
		l.groupStyle.Render(shortID(groupID)), groupSize, rounds)
}

// OnRoundFinalized implements RoundMonitor.
func (l *ListMonitor) OnRoundFinalized(groupID string, round int, outcomes []game.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	countA := 0
	total := 0.0
	for _, o := range outcomes {
		if o.Choice == game.ChoiceA {
			countA++
		}
		total += o.Payout
	}

	style := l.payoutStyle
	if total == 0 {
		style = l.zeroStyle
	}

	fmt.Fprintf(l.writer, "%s round %-3d  %dA/%dB  %s\n",
		l.groupStyle.Render(shortID(groupID)),
		round,
		countA, len(outcomes)-countA,
		style.Render(fmt.Sprintf("%+.1f", total)))
}

// OnGroupComplete implements RoundMonitor.
func (l *ListMonitor) OnGroupComplete(groupID string, rounds int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.writer, "%s %s after %d rounds\n",
		l.groupStyle.Render(shortID(groupID)),
		l.doneStyle.Render("completed"), rounds)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
