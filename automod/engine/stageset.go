package engine

import (
	"fmt"
)

// A single funnel stage. Stages report through the context (verdicts, triggers, blocks) and only return an error for internal failures.
type StageFunc = func(c *MessageContext) error

type Stage struct {
	Name string
	Func StageFunc
}

// Ordered list of funnel stages, cheapest first.
type StageSet struct {
	Stages []Stage
}

// Runs stages in order, stopping after the first stage which blocks the message or produces a conclusive verdict. Only dispatches execution, does no other pre/post processing.
func (s *StageSet) Run(c *MessageContext) error {
	for _, st := range s.Stages {
		if err := st.Func(c); err != nil {
			return fmt.Errorf("stage %s: %w", st.Name, err)
		}
		if c.effects.Concluded() {
			c.Logger.Debug("funnel short-circuit", "stage", st.Name)
			return nil
		}
	}
	return nil
}

// Names of the configured stages, in order.
func (s *StageSet) Names() []string {
	out := make([]string, 0, len(s.Stages))
	for _, st := range s.Stages {
		out = append(out, st.Name)
	}
	return out
}
