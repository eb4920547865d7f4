package assistant

import (
	"fmt"

	"github.com/ent0n29/visitassist/internal/protocol"
)

// Log is the ordered conversation of one session. It only grows by Append;
// Supersede is the single in-place mutation. Callers serialize access.
type Log struct {
	turns []Turn
}

// Append adds a turn and returns its index.
func (l *Log) Append(t Turn) int {
	l.turns = append(l.turns, t)
	return len(l.turns) - 1
}

// Supersede replaces the displayed content of the assistant turn at index
// with a later reply.
func (l *Log) Supersede(index int, reply protocol.Reply) (Turn, error) {
	if index < 0 || index >= len(l.turns) {
		return Turn{}, fmt.Errorf("supersede index %d out of range", index)
	}
	t := &l.turns[index]
	if t.Role != RoleAssistant {
		return Turn{}, fmt.Errorf("supersede index %d is a %s turn", index, t.Role)
	}
	t.Text = reply.Response
	t.Suggestions = cloneStrings(reply.Suggestions)
	t.Records = cloneVisitors(reply.Visitors)
	t.Aggregates = reply.Analytics
	t.QueryType = reply.QueryType
	t.Superseded = true
	return *t, nil
}

func (l *Log) Turns() []Turn {
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

func (l *Log) Len() int {
	return len(l.turns)
}

func (l *Log) Clear() {
	l.turns = nil
}
