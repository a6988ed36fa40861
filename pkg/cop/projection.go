package cop

import "sort"

// CoverageGap is a derived fact: an area holding a high-confidence tracked
// entity with no asset assigned to it. It is computed from a snapshot on
// demand and never stored authoritatively.
type CoverageGap struct {
	Area       string
	Entity     TrackedEntity
	Confidence float64
}

// CoverageGaps returns the gaps visible in the snapshot for entities at or
// above the confidence threshold, highest confidence first.
func CoverageGaps(s *Snapshot, threshold float64) []CoverageGap {
	covered := make(map[string]bool)
	if plan, ok := s.ActivePlan(); ok {
		for _, a := range plan.Assignments {
			if a.Area != "" {
				covered[a.Area] = true
			}
		}
	}
	for _, t := range s.Tasks {
		if t.Status != TaskStatusFailed && t.TargetArea != "" {
			covered[t.TargetArea] = true
		}
	}

	var gaps []CoverageGap
	for _, e := range s.Entities {
		if e.Confidence < threshold || e.Area == "" || covered[e.Area] {
			continue
		}
		gaps = append(gaps, CoverageGap{Area: e.Area, Entity: e, Confidence: e.Confidence})
	}
	sort.Slice(gaps, func(i, j int) bool {
		if gaps[i].Confidence != gaps[j].Confidence {
			return gaps[i].Confidence > gaps[j].Confidence
		}
		return gaps[i].Entity.ID < gaps[j].Entity.ID
	})
	return gaps
}
