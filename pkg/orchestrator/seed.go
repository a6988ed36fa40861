// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/squadron-ops/squadron/pkg/cop"
	"github.com/squadron-ops/squadron/pkg/errors"
)

// Seed describes the initial picture installed before a run.
type Seed struct {
	Assets   []SeedAsset  `yaml:"assets"`
	Entities []SeedEntity `yaml:"entities"`
	Plan     *SeedPlan    `yaml:"plan"`
}

type SeedAsset struct {
	ID           string  `yaml:"id"`
	Lat          float64 `yaml:"lat"`
	Lon          float64 `yaml:"lon"`
	Alt          float64 `yaml:"alt"`
	FuelPercent  float64 `yaml:"fuel_percent"`
	SensorStatus string  `yaml:"sensor_status"`
	CurrentTask  string  `yaml:"current_task"`
}

func (s SeedAsset) asset() cop.Asset {
	return cop.Asset{
		ID:           s.ID,
		Position:     cop.Position{Lat: s.Lat, Lon: s.Lon, Alt: s.Alt},
		FuelPercent:  s.FuelPercent,
		SensorStatus: s.SensorStatus,
		CurrentTask:  s.CurrentTask,
	}
}

type SeedEntity struct {
	Type       string  `yaml:"type"`
	Lat        float64 `yaml:"lat"`
	Lon        float64 `yaml:"lon"`
	Area       string  `yaml:"area"`
	Confidence float64 `yaml:"confidence"`
	DetectedBy string  `yaml:"detected_by"`
}

func (s SeedEntity) entity() cop.TrackedEntity {
	var provenance []string
	if s.DetectedBy != "" {
		provenance = []string{s.DetectedBy}
	}
	return cop.TrackedEntity{
		Type:       s.Type,
		Position:   cop.Position{Lat: s.Lat, Lon: s.Lon},
		Area:       s.Area,
		Confidence: s.Confidence,
		Provenance: provenance,
	}
}

type SeedAssignment struct {
	AssetID   string `yaml:"asset_id"`
	Objective string `yaml:"objective"`
	Area      string `yaml:"area"`
}

type SeedPlan struct {
	Name        string           `yaml:"name"`
	Objectives  string           `yaml:"objectives"`
	Assignments []SeedAssignment `yaml:"assignments"`
}

func (s *SeedPlan) plan() cop.Plan {
	p := cop.Plan{Name: s.Name, Objectives: s.Objectives}
	for _, a := range s.Assignments {
		p.Assignments = append(p.Assignments, cop.Assignment{
			AssetID:   a.AssetID,
			Objective: a.Objective,
			Area:      a.Area,
		})
	}
	return p
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "read seed file", err).WithContext("path", path)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "parse seed file", err).WithContext("path", path)
	}
	return &seed, nil
}

// DefaultSeed is the three-UAV surveillance posture used by the demo
// scenario: two areas under surveillance, one asset in transit, and
// two known entities in Area Alpha.
func DefaultSeed() *Seed {
	return &Seed{
		Assets: []SeedAsset{
			{ID: "UAV-001", Lat: 34.0522, Lon: -118.2437, Alt: 450, FuelPercent: 85.5, SensorStatus: "operational", CurrentTask: "Surveilling Area Alpha"},
			{ID: "UAV-002", Lat: 34.08, Lon: -118.30, Alt: 500, FuelPercent: 82.5, SensorStatus: "operational", CurrentTask: "Surveilling Area Bravo"},
			{ID: "UAV-003", Lat: 34.065, Lon: -118.255, Alt: 400, FuelPercent: 68.5, SensorStatus: "operational", CurrentTask: "In transit to Area Charlie"},
		},
		Entities: []SeedEntity{
			{Type: "structure", Lat: 34.053, Lon: -118.244, Area: "Area Alpha", Confidence: 0.85, DetectedBy: "UAV-001"},
			{Type: "vehicle", Lat: 34.054, Lon: -118.245, Area: "Area Alpha", Confidence: 0.75, DetectedBy: "UAV-001"},
		},
		Plan: &SeedPlan{
			Name:       "Initial Surveillance Pattern",
			Objectives: "Maintain persistent coverage of assigned areas",
			Assignments: []SeedAssignment{
				{AssetID: "UAV-001", Objective: "surveillance", Area: "Area Alpha"},
				{AssetID: "UAV-002", Objective: "surveillance", Area: "Area Bravo"},
				{AssetID: "UAV-003", Objective: "transit", Area: "Area Charlie"},
			},
		},
	}
}
