// SPDX-License-Identifier: Apache-2.0

// Package trigger parses and validates inbound sensor reports, the
// external events that start a coordination cycle.
package trigger

import (
	"encoding/json"
	"time"

	"github.com/squadron-ops/squadron/pkg/cop"
	"github.com/squadron-ops/squadron/pkg/errors"
)

// Classification values carried in detection attributes.
const (
	ClassificationHighValue = "high_value_target"
)

// Detection is one raw sensor contact inside a report.
type Detection struct {
	Type        string            `json:"type"`
	Position    cop.Position      `json:"position"`
	Confidence  float64           `json:"confidence"`
	Area        string            `json:"area,omitempty"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Classification returns the detection's classification attribute.
func (d Detection) Classification() string {
	return d.Attributes["classification"]
}

// Report is a telemetry-plus-detections frame from a sensing asset.
type Report struct {
	SourceAssetID string       `json:"source_asset_id"`
	Timestamp     time.Time    `json:"timestamp"`
	Position      cop.Position `json:"position"`
	FuelPercent   float64      `json:"fuel_percent"`
	SensorStatus  string       `json:"sensor_status"`
	SensorType    string       `json:"sensor_type"`
	Detections    []Detection  `json:"detections"`
}

// ParseReport decodes and validates a JSON report.
func ParseReport(raw []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "decode sensor report", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate rejects malformed reports before they enter the system. A
// rejected report never reaches the store or the bus.
func (r *Report) Validate() error {
	if r.SourceAssetID == "" {
		return errors.New(errors.CodeInvalidInput, "sensor report missing source asset", nil)
	}
	if r.Timestamp.IsZero() {
		return errors.New(errors.CodeInvalidInput, "sensor report missing timestamp", nil).
			WithContext("source", r.SourceAssetID)
	}
	for i, d := range r.Detections {
		if d.Type == "" {
			return errors.New(errors.CodeInvalidInput, "detection missing type", nil).
				WithContext("source", r.SourceAssetID).
				WithContext("index", i)
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			return errors.New(errors.CodeInvalidInput, "detection confidence out of range", nil).
				WithContext("source", r.SourceAssetID).
				WithContext("index", i).
				WithContext("confidence", d.Confidence)
		}
	}
	return nil
}

// Telemetry extracts the asset-state portion of the report as an asset
// record for a last-write-wins position/fuel update.
func (r *Report) Telemetry() cop.Asset {
	return cop.Asset{
		ID:           r.SourceAssetID,
		Position:     r.Position,
		FuelPercent:  r.FuelPercent,
		SensorStatus: r.SensorStatus,
	}
}
