// SPDX-License-Identifier: Apache-2.0

// Package reasoner defines the contract with the external reasoning
// collaborator. The core treats the collaborator as a black box with a
// latency and failure contract only; it never assumes determinism, and
// every proposed mutation still passes the store's authority gate.
package reasoner

import (
	"context"
	"encoding/json"

	"github.com/squadron-ops/squadron/pkg/authority"
	"github.com/squadron-ops/squadron/pkg/cop"
)

// Mode is the operating mode a request is made under.
type Mode string

const (
	// ModeNominal is routine processing of an inbound trigger.
	ModeNominal Mode = "nominal"
	// ModeReplan asks for a revision of the active plan.
	ModeReplan Mode = "replan"
)

// Excerpt is the slice of the operating picture a role is permitted to
// read. Fields the role lacks read authority for are never populated.
type Excerpt struct {
	Role         authority.Role          `json:"role"`
	Commit       int64                   `json:"commit"`
	Assets       []cop.Asset             `json:"assets,omitempty"`
	Observations []cop.ObservationRecord `json:"observations,omitempty"`
	Entities     []cop.TrackedEntity     `json:"entities,omitempty"`
	ActivePlan   *cop.Plan               `json:"active_plan,omitempty"`
	Tasks        []cop.Task              `json:"tasks,omitempty"`
	CoverageGaps []cop.CoverageGap       `json:"coverage_gaps,omitempty"`
}

// BuildExcerpt projects the snapshot down to what role may read. The
// gap analysis rides along for roles that can see both entities and
// the plan.
func BuildExcerpt(guard *authority.Guard, role authority.Role, snap *cop.Snapshot, gapThreshold float64) Excerpt {
	ex := Excerpt{Role: role, Commit: snap.Commit}
	if guard.CanRead(role, authority.ResourceAsset) {
		ex.Assets = snap.AssetList()
	}
	if guard.CanRead(role, authority.ResourceObservation) {
		ex.Observations = append([]cop.ObservationRecord(nil), snap.Observations...)
	}
	if guard.CanRead(role, authority.ResourceEntity) {
		ex.Entities = snap.EntityList()
	}
	if guard.CanRead(role, authority.ResourcePlan) {
		if plan, ok := snap.ActivePlan(); ok {
			ex.ActivePlan = &plan
		}
	}
	if guard.CanRead(role, authority.ResourceTask) {
		ex.Tasks = snap.TaskList()
	}
	if guard.CanRead(role, authority.ResourceEntity) && guard.CanRead(role, authority.ResourcePlan) {
		ex.CoverageGaps = cop.CoverageGaps(snap, gapThreshold)
	}
	return ex
}

// Request is one consultation of the collaborator.
type Request struct {
	Role    authority.Role  `json:"role"`
	Mode    Mode            `json:"mode"`
	Trigger json.RawMessage `json:"trigger,omitempty"`
	Excerpt Excerpt         `json:"excerpt"`
}

// Intent is an outbound message the collaborator wants published after
// the mutations commit.
type Intent struct {
	Topic   string          `json:"topic"`
	Targets []string        `json:"targets,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Decision is the structured outcome of one consultation: picture
// mutations to attempt plus messages to send.
type Decision struct {
	Mutations []cop.Mutation
	Intents   []Intent
	Rationale string
}

// Reasoner produces decisions for role workers.
type Reasoner interface {
	Decide(ctx context.Context, req Request) (*Decision, error)
}

// DecideFunc adapts a function to the Reasoner interface.
type DecideFunc func(ctx context.Context, req Request) (*Decision, error)

// Decide implements Reasoner.
func (f DecideFunc) Decide(ctx context.Context, req Request) (*Decision, error) {
	return f(ctx, req)
}
