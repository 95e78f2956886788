// Package conflict finds double-booked talent and equipment in a rundown.
package conflict

import (
	"sort"

	"cuesheet/internal/rundown"
)

type ResourceKind string

const (
	Talent    ResourceKind = "talent"
	Equipment ResourceKind = "equipment"
)

// DefaultUntimedWindowSeconds is the width given to segments without a
// duration. A zero width could never overlap anything.
const DefaultUntimedWindowSeconds = 30

type Conflict struct {
	ResourceID string       `json:"resourceId"`
	Kind       ResourceKind `json:"kind"`
	Segment1   string       `json:"segment1"`
	Segment2   string       `json:"segment2"`
}

type booking struct {
	index int
	start int
	end   int
}

// FindConflicts flags every pair of segments that share a resource of kind
// and whose half-open intervals [start, start+duration) overlap. Segments that
// touch end to start do not conflict. Output is sorted by resource id, then by
// the position of the two segments.
func FindConflicts(segments []rundown.Segment, startTimes []int, kind ResourceKind) []Conflict {
	byResource := make(map[string][]booking)
	for i, seg := range segments {
		if i >= len(startTimes) {
			break
		}
		var resources []string
		switch kind {
		case Talent:
			resources = seg.TalentIDs
		case Equipment:
			resources = seg.EquipmentIDs
		}
		if len(resources) == 0 {
			continue
		}
		b := booking{index: i, start: startTimes[i], end: startTimes[i] + window(seg)}
		seen := make(map[string]struct{}, len(resources))
		for _, id := range resources {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			byResource[id] = append(byResource[id], b)
		}
	}

	resourceIDs := make([]string, 0, len(byResource))
	for id := range byResource {
		resourceIDs = append(resourceIDs, id)
	}
	sort.Strings(resourceIDs)

	conflicts := make([]Conflict, 0)
	for _, id := range resourceIDs {
		bookings := byResource[id]
		for i := 0; i < len(bookings); i++ {
			for j := i + 1; j < len(bookings); j++ {
				a, b := bookings[i], bookings[j]
				if a.start < b.end && b.start < a.end {
					conflicts = append(conflicts, Conflict{
						ResourceID: id,
						Kind:       kind,
						Segment1:   segments[a.index].ID,
						Segment2:   segments[b.index].ID,
					})
				}
			}
		}
	}
	return conflicts
}

// FindAll returns talent conflicts followed by equipment conflicts.
func FindAll(segments []rundown.Segment, startTimes []int) []Conflict {
	out := FindConflicts(segments, startTimes, Talent)
	return append(out, FindConflicts(segments, startTimes, Equipment)...)
}

func window(seg rundown.Segment) int {
	if seg.DurationSeconds == nil {
		return DefaultUntimedWindowSeconds
	}
	return *seg.DurationSeconds
}
