// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"encoding/json"
	"time"

	"github.com/squadron-ops/squadron/pkg/errors"
)

// Well-known topics. Workers treat payloads on these as hints that
// trigger a fresh authoritative read of the picture, never as ground
// truth themselves.
const (
	TopicSensorReport          = "sensor_report"
	TopicNewIntelligence       = "new_intelligence"
	TopicProcessedIntelligence = "processed_intelligence"
	TopicCoverageAssessment    = "coverage_assessment"
	TopicNewMissionPlan        = "new_mission_plan"
	TopicTaskStatusUpdate      = "task_status_update"
	TopicAssetStatusAlert      = "asset_status_alert"
)

// Envelope is the immutable unit of exchange on the channel. Targets,
// when set, routes the message only to the named subscribers and
// bypasses topic fan-out entirely.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Sender    string          `json:"sender"`
	Targets   []string        `json:"targets,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload and wraps it for publication. ID and
// Timestamp are assigned by the channel at publish time.
func NewEnvelope(topic, sender string, payload any, targets ...string) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.New(errors.CodeInvalidInput, "marshal message payload", err).
			WithContext("topic", topic)
	}
	return Envelope{
		Topic:   topic,
		Sender:  sender,
		Targets: targets,
		Payload: raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.New(errors.CodeInvalidInput, "decode message payload", err).
			WithContext("topic", e.Topic).
			WithContext("message_id", e.ID)
	}
	return nil
}
