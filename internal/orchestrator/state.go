package orchestrator

import (
	"fmt"

	"content-orchestrator/internal/models"
)

// transitions lists the legal moves of an execution. DONE and FAILED are
// terminal.
var transitions = map[models.ExecutionState][]models.ExecutionState{
	models.StatePending:    {models.StateRetrieving, models.StateDone},
	models.StateRetrieving: {models.StateExecuting, models.StateFailed},
	models.StateExecuting:  {models.StateCaching, models.StateFailed},
	models.StateCaching:    {models.StateDone},
}

// machine tracks one execution's position. Not safe for concurrent use; only
// the goroutine driving the execution touches it.
type machine struct {
	state   models.ExecutionState
	history []models.ExecutionState
}

func newMachine() *machine {
	return &machine{
		state:   models.StatePending,
		history: []models.ExecutionState{models.StatePending},
	}
}

func (m *machine) to(next models.ExecutionState) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			m.history = append(m.history, next)
			return nil
		}
	}
	return fmt.Errorf("illegal execution transition %s -> %s", m.state, next)
}

func (m *machine) Current() models.ExecutionState {
	return m.state
}

func (m *machine) terminal() bool {
	return m.state == models.StateDone || m.state == models.StateFailed
}
