// SPDX-License-Identifier: Apache-2.0

package reasoner

import (
	"context"
	"sync"

	"github.com/squadron-ops/squadron/pkg/errors"
)

// ScriptedReasoner returns a pre-defined sequence of decisions. Useful
// for testing multi-step coordination without a live collaborator.
type ScriptedReasoner struct {
	mu        sync.Mutex
	Decisions []*Decision
	Err       error
	// CallCount tracks how many times Decide has been called.
	CallCount int
	// Requests records every request for later assertions.
	Requests []Request
}

// NewScriptedReasoner queues the given decisions in order.
func NewScriptedReasoner(decisions ...*Decision) *ScriptedReasoner {
	return &ScriptedReasoner{Decisions: decisions}
}

// Decide pops the next scripted decision or returns the configured error.
func (s *ScriptedReasoner) Decide(ctx context.Context, req Request) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.CallCount++
	s.Requests = append(s.Requests, req)

	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.Decisions) == 0 {
		return nil, errors.New(errors.CodeInternal, "scripted reasoner: no more decisions available", nil)
	}
	d := s.Decisions[0]
	s.Decisions = s.Decisions[1:]
	return d, nil
}

// AddDecision appends a decision to the queue.
func (s *ScriptedReasoner) AddDecision(d *Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Decisions = append(s.Decisions, d)
}

var _ Reasoner = (*ScriptedReasoner)(nil)
