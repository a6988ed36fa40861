// SPDX-License-Identifier: Apache-2.0

package reasoner

import (
	"encoding/json"

	"github.com/squadron-ops/squadron/pkg/cop"
	"github.com/squadron-ops/squadron/pkg/errors"
)

// Mutation kinds on the wire.
const (
	kindPutAsset          = "put_asset"
	kindAssignTask        = "assign_task"
	kindAppendObservation = "append_observation"
	kindUpsertEntity      = "upsert_entity"
	kindRevisePlan        = "revise_plan"
	kindCreateTask        = "create_task"
	kindUpdateTaskStatus  = "update_task_status"
)

// wireMutation is the tagged-union encoding of a cop.Mutation. Only the
// fields relevant to the kind are present.
type wireMutation struct {
	Kind string `json:"kind"`

	Asset             *cop.Asset             `json:"asset,omitempty"`
	AssetID           string                 `json:"asset_id,omitempty"`
	TaskID            string                 `json:"task_id,omitempty"`
	Observation       *cop.ObservationRecord `json:"observation,omitempty"`
	Entity            *cop.TrackedEntity     `json:"entity,omitempty"`
	BaseVersion       int64                  `json:"base_version,omitempty"`
	Plan              *cop.Plan              `json:"plan,omitempty"`
	SupersedesVersion int64                  `json:"supersedes_version,omitempty"`
	Task              *cop.Task              `json:"task,omitempty"`
	Status            cop.TaskStatus         `json:"status,omitempty"`
}

// wireDecision is the HTTP response body shape.
type wireDecision struct {
	Mutations []wireMutation `json:"mutations"`
	Intents   []Intent       `json:"intents,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
}

func encodeMutation(m cop.Mutation) (wireMutation, error) {
	switch mut := m.(type) {
	case cop.PutAsset:
		a := mut.Asset
		return wireMutation{Kind: kindPutAsset, Asset: &a}, nil
	case cop.AssignTask:
		return wireMutation{Kind: kindAssignTask, AssetID: mut.AssetID, TaskID: mut.TaskID}, nil
	case cop.AppendObservation:
		o := mut.Observation
		return wireMutation{Kind: kindAppendObservation, Observation: &o}, nil
	case cop.UpsertEntity:
		e := mut.Entity
		return wireMutation{Kind: kindUpsertEntity, Entity: &e, BaseVersion: mut.BaseVersion}, nil
	case cop.RevisePlan:
		p := mut.Plan
		return wireMutation{Kind: kindRevisePlan, Plan: &p, SupersedesVersion: mut.SupersedesVersion}, nil
	case cop.CreateTask:
		t := mut.Task
		return wireMutation{Kind: kindCreateTask, Task: &t}, nil
	case cop.UpdateTaskStatus:
		return wireMutation{Kind: kindUpdateTaskStatus, TaskID: mut.TaskID, Status: mut.Status}, nil
	default:
		return wireMutation{}, errors.New(errors.CodeInvalidInput, "unknown mutation type", nil)
	}
}

func decodeMutation(w wireMutation) (cop.Mutation, error) {
	switch w.Kind {
	case kindPutAsset:
		if w.Asset == nil {
			return nil, missingField(w.Kind, "asset")
		}
		return cop.PutAsset{Asset: *w.Asset}, nil
	case kindAssignTask:
		return cop.AssignTask{AssetID: w.AssetID, TaskID: w.TaskID}, nil
	case kindAppendObservation:
		if w.Observation == nil {
			return nil, missingField(w.Kind, "observation")
		}
		return cop.AppendObservation{Observation: *w.Observation}, nil
	case kindUpsertEntity:
		if w.Entity == nil {
			return nil, missingField(w.Kind, "entity")
		}
		return cop.UpsertEntity{Entity: *w.Entity, BaseVersion: w.BaseVersion}, nil
	case kindRevisePlan:
		if w.Plan == nil {
			return nil, missingField(w.Kind, "plan")
		}
		return cop.RevisePlan{Plan: *w.Plan, SupersedesVersion: w.SupersedesVersion}, nil
	case kindCreateTask:
		if w.Task == nil {
			return nil, missingField(w.Kind, "task")
		}
		return cop.CreateTask{Task: *w.Task}, nil
	case kindUpdateTaskStatus:
		return cop.UpdateTaskStatus{TaskID: w.TaskID, Status: w.Status}, nil
	default:
		return nil, errors.New(errors.CodeInvalidInput, "unknown mutation kind", nil).
			WithContext("kind", w.Kind)
	}
}

func missingField(kind, field string) error {
	return errors.New(errors.CodeInvalidInput, "mutation missing required field", nil).
		WithContext("kind", kind).
		WithContext("field", field)
}

// EncodeDecision serializes a decision to its wire form. Exposed for
// collaborator implementations and test fixtures.
func EncodeDecision(d *Decision) ([]byte, error) {
	w := wireDecision{Intents: d.Intents, Rationale: d.Rationale}
	for _, m := range d.Mutations {
		wm, err := encodeMutation(m)
		if err != nil {
			return nil, err
		}
		w.Mutations = append(w.Mutations, wm)
	}
	return json.Marshal(w)
}

// DecodeDecision parses the wire form back into a decision.
func DecodeDecision(raw []byte) (*Decision, error) {
	var w wireDecision
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "decode decision", err)
	}
	d := &Decision{Intents: w.Intents, Rationale: w.Rationale}
	for _, wm := range w.Mutations {
		m, err := decodeMutation(wm)
		if err != nil {
			return nil, err
		}
		d.Mutations = append(d.Mutations, m)
	}
	return d, nil
}
