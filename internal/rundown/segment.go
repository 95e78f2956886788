// Package rundown holds the ordered segment list of a live show and the
// operations that keep it consistent.
package rundown

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type SegmentType string

const (
	TypeVideo   SegmentType = "video"
	TypeLive    SegmentType = "live"
	TypeStatic  SegmentType = "static"
	TypeBreak   SegmentType = "break"
	TypeHold    SegmentType = "hold"
	TypeGraphic SegmentType = "graphic"
)

func (t SegmentType) Valid() bool {
	switch t {
	case TypeVideo, TypeLive, TypeStatic, TypeBreak, TypeHold, TypeGraphic:
		return true
	default:
		return false
	}
}

type TimingMode string

const (
	TimingFixed           TimingMode = "fixed"
	TimingManual          TimingMode = "manual"
	TimingFollowsPrevious TimingMode = "follows-previous"
)

func (m TimingMode) Valid() bool {
	switch m {
	case TimingFixed, TimingManual, TimingFollowsPrevious:
		return true
	default:
		return false
	}
}

// Status is the rundown-level approval state.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusInReview Status = "in-review"
	StatusApproved Status = "approved"
	StatusLocked   Status = "locked"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusInReview, StatusApproved, StatusLocked:
		return true
	default:
		return false
	}
}

// NormalizeStatus maps unknown or empty values to draft.
func NormalizeStatus(value string) Status {
	status := Status(strings.TrimSpace(value))
	if status.Valid() {
		return status
	}
	return StatusDraft
}

type GraphicRef struct {
	ID     string            `json:"id" yaml:"id"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

func (g *GraphicRef) clone() *GraphicRef {
	if g == nil {
		return nil
	}
	out := &GraphicRef{ID: g.ID}
	if g.Params != nil {
		out.Params = make(map[string]string, len(g.Params))
		for k, v := range g.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Segment is one schedulable unit of the broadcast. A nil DurationSeconds
// marks a manually advanced segment.
type Segment struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Type               SegmentType `json:"type"`
	DurationSeconds    *int        `json:"durationSeconds"`
	BufferAfterSeconds int         `json:"bufferAfterSeconds"`
	SceneRef           string      `json:"sceneRef,omitempty"`
	Graphic            *GraphicRef `json:"graphicRef,omitempty"`
	TimingMode         TimingMode  `json:"timingMode"`
	Locked             bool        `json:"locked"`
	Optional           bool        `json:"optional"`
	GroupID            string      `json:"groupId,omitempty"`
	TalentIDs          []string    `json:"talentIds,omitempty"`
	EquipmentIDs       []string    `json:"equipmentIds,omitempty"`
	Notes              string      `json:"notes,omitempty"`
	Script             string      `json:"script,omitempty"`
}

// Seconds returns a duration pointer, for literals.
func Seconds(n int) *int {
	return &n
}

func (s Segment) Clone() Segment {
	out := s
	if s.DurationSeconds != nil {
		d := *s.DurationSeconds
		out.DurationSeconds = &d
	}
	out.Graphic = s.Graphic.clone()
	out.TalentIDs = cloneStrings(s.TalentIDs)
	out.EquipmentIDs = cloneStrings(s.EquipmentIDs)
	return out
}

// Timed reports whether the segment has a fixed duration.
func (s Segment) Timed() bool {
	return s.DurationSeconds != nil
}

func (s Segment) duration() int {
	if s.DurationSeconds == nil {
		return 0
	}
	return *s.DurationSeconds
}

// normalize fills defaults and turns resource lists into sorted sets.
func (s *Segment) normalize() {
	s.Name = strings.TrimSpace(s.Name)
	if s.TimingMode == "" {
		if s.DurationSeconds == nil {
			s.TimingMode = TimingManual
		} else {
			s.TimingMode = TimingFixed
		}
	}
	s.TalentIDs = normalizeSet(s.TalentIDs)
	s.EquipmentIDs = normalizeSet(s.EquipmentIDs)
}

// Validate checks the fixed field set for the segment's type.
func (s Segment) Validate(catalog Catalog) error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSegment)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSegment, s.Type)
	}
	if s.TimingMode != "" && !s.TimingMode.Valid() {
		return fmt.Errorf("%w: unknown timing mode %q", ErrInvalidSegment, s.TimingMode)
	}
	if s.DurationSeconds != nil && *s.DurationSeconds < 0 {
		return fmt.Errorf("%w: duration must be >= 0", ErrInvalidSegment)
	}
	if s.BufferAfterSeconds < 0 {
		return fmt.Errorf("%w: bufferAfterSeconds must be >= 0", ErrInvalidSegment)
	}
	if s.Type == TypeGraphic && (s.Graphic == nil || strings.TrimSpace(s.Graphic.ID) == "") {
		return fmt.Errorf("%w: graphic segments need a graphic reference", ErrInvalidSegment)
	}
	if s.Graphic != nil && catalog != nil {
		if err := catalog.Check(*s.Graphic); err != nil {
			return err
		}
	}
	return nil
}

type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ColorID   string `json:"colorId"`
	Collapsed bool   `json:"collapsed"`
}

// State is the replicated part of a rundown: ordered segments plus groups.
type State struct {
	Segments []Segment `json:"segments"`
	Groups   []Group   `json:"groups"`
}

func (s State) Clone() State {
	var out State
	if s.Segments != nil {
		out.Segments = make([]Segment, len(s.Segments))
		for i, seg := range s.Segments {
			out.Segments[i] = seg.Clone()
		}
	}
	if s.Groups != nil {
		out.Groups = make([]Group, len(s.Groups))
		copy(out.Groups, s.Groups)
	}
	return out
}

// Snapshot is an immutable deep copy of State at one instant.
type Snapshot struct {
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	State       State     `json:"state"`
}

func NewSnapshot(state State, description string, at time.Time) Snapshot {
	return Snapshot{
		Description: description,
		Timestamp:   at,
		State:       state.Clone(),
	}
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
