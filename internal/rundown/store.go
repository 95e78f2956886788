package rundown

import (
	"fmt"
	"strings"
)

// Patch lists the fields UpdateByID may change. Nil fields are left alone.
type Patch struct {
	Name               *string      `json:"name,omitempty"`
	Type               *SegmentType `json:"type,omitempty"`
	DurationSeconds    *int         `json:"durationSeconds,omitempty"`
	ClearDuration      bool         `json:"clearDuration,omitempty"`
	BufferAfterSeconds *int         `json:"bufferAfterSeconds,omitempty"`
	SceneRef           *string      `json:"sceneRef,omitempty"`
	Graphic            *GraphicRef  `json:"graphicRef,omitempty"`
	ClearGraphic       bool         `json:"clearGraphicRef,omitempty"`
	TimingMode         *TimingMode  `json:"timingMode,omitempty"`
	Optional           *bool        `json:"optional,omitempty"`
	TalentIDs          *[]string    `json:"talentIds,omitempty"`
	EquipmentIDs       *[]string    `json:"equipmentIds,omitempty"`
	Notes              *string      `json:"notes,omitempty"`
	Script             *string      `json:"script,omitempty"`
}

func (p Patch) apply(seg *Segment) {
	if p.Name != nil {
		seg.Name = *p.Name
	}
	if p.Type != nil {
		seg.Type = *p.Type
	}
	if p.ClearDuration {
		seg.DurationSeconds = nil
	} else if p.DurationSeconds != nil {
		seg.DurationSeconds = Seconds(*p.DurationSeconds)
	}
	if p.BufferAfterSeconds != nil {
		seg.BufferAfterSeconds = *p.BufferAfterSeconds
	}
	if p.SceneRef != nil {
		seg.SceneRef = *p.SceneRef
	}
	if p.ClearGraphic {
		seg.Graphic = nil
	} else if p.Graphic != nil {
		seg.Graphic = p.Graphic.clone()
	}
	if p.TimingMode != nil {
		seg.TimingMode = *p.TimingMode
	}
	if p.Optional != nil {
		seg.Optional = *p.Optional
	}
	if p.TalentIDs != nil {
		seg.TalentIDs = cloneStrings(*p.TalentIDs)
	}
	if p.EquipmentIDs != nil {
		seg.EquipmentIDs = cloneStrings(*p.EquipmentIDs)
	}
	if p.Notes != nil {
		seg.Notes = *p.Notes
	}
	if p.Script != nil {
		seg.Script = *p.Script
	}
}

// Store is the in-memory ordered segment list plus its groups. Order in the
// slice is the only source of truth for position. Store is not safe for
// concurrent use.
type Store struct {
	segments []Segment
	groups   []Group
	catalog  Catalog
}

func NewStore(state State, catalog Catalog) *Store {
	s := &Store{catalog: catalog}
	s.Replace(state)
	return s
}

// State returns a deep copy of the current segments and groups.
func (s *Store) State() State {
	return State{Segments: s.segments, Groups: s.groups}.Clone()
}

// Replace swaps in a full state, as delivered by a remote push or a restore.
func (s *Store) Replace(state State) {
	cloned := state.Clone()
	s.segments = cloned.Segments
	s.groups = cloned.Groups
}

func (s *Store) ReplaceSegments(segments []Segment) {
	s.Replace(State{Segments: segments, Groups: s.groups})
}

func (s *Store) ReplaceGroups(groups []Group) {
	s.Replace(State{Segments: s.segments, Groups: groups})
}

func (s *Store) Segments() []Segment {
	return s.State().Segments
}

func (s *Store) Groups() []Group {
	return s.State().Groups
}

func (s *Store) Len() int {
	return len(s.segments)
}

// Index returns the position of id, or -1.
func (s *Store) Index(id string) int {
	for i := range s.segments {
		if s.segments[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) Get(id string) (Segment, error) {
	i := s.Index(id)
	if i < 0 {
		return Segment{}, fmt.Errorf("segment %s: %w", id, ErrNotFound)
	}
	return s.segments[i].Clone(), nil
}

// mutable returns the index of an existing, unlocked segment.
func (s *Store) mutable(id string) (int, error) {
	i := s.Index(id)
	if i < 0 {
		return -1, fmt.Errorf("segment %s: %w", id, ErrNotFound)
	}
	if s.segments[i].Locked {
		return -1, fmt.Errorf("segment %s: %w", id, ErrSegmentLocked)
	}
	return i, nil
}

// InsertAt places seg at index, clamped to the list bounds.
func (s *Store) InsertAt(index int, seg Segment) error {
	seg = seg.Clone()
	seg.normalize()
	if err := seg.Validate(s.catalog); err != nil {
		return err
	}
	if s.Index(seg.ID) >= 0 {
		return fmt.Errorf("segment %s: %w", seg.ID, ErrDuplicateID)
	}
	if seg.GroupID != "" && s.groupIndex(seg.GroupID) < 0 {
		return fmt.Errorf("group %s: %w", seg.GroupID, ErrNotFound)
	}
	if index < 0 {
		index = 0
	}
	if index > len(s.segments) {
		index = len(s.segments)
	}
	s.segments = append(s.segments, Segment{})
	copy(s.segments[index+1:], s.segments[index:])
	s.segments[index] = seg
	return nil
}

func (s *Store) Append(seg Segment) error {
	return s.InsertAt(len(s.segments), seg)
}

func (s *Store) RemoveByID(id string) error {
	i, err := s.mutable(id)
	if err != nil {
		return err
	}
	s.segments = append(s.segments[:i], s.segments[i+1:]...)
	return nil
}

// MoveRange moves the segment at from so that it ends up at index to. The
// relative order of every other segment is preserved.
func (s *Store) MoveRange(from, to int) error {
	if from < 0 || from >= len(s.segments) || to < 0 || to >= len(s.segments) {
		return fmt.Errorf("move %d -> %d of %d: %w", from, to, len(s.segments), ErrIndexOutOfRange)
	}
	if s.segments[from].Locked {
		return fmt.Errorf("segment %s: %w", s.segments[from].ID, ErrSegmentLocked)
	}
	if from == to {
		return nil
	}
	moved := s.segments[from]
	rest := append(s.segments[:from:from], s.segments[from+1:]...)
	out := make([]Segment, 0, len(s.segments))
	out = append(out, rest[:to]...)
	out = append(out, moved)
	out = append(out, rest[to:]...)
	s.segments = out
	return nil
}

func (s *Store) UpdateByID(id string, patch Patch) error {
	i, err := s.mutable(id)
	if err != nil {
		return err
	}
	updated := s.segments[i].Clone()
	patch.apply(&updated)
	updated.normalize()
	if err := updated.Validate(s.catalog); err != nil {
		return err
	}
	s.segments[i] = updated
	return nil
}

// AssignGroup sets or clears (groupID == "") the group of a segment.
func (s *Store) AssignGroup(id, groupID string) error {
	i, err := s.mutable(id)
	if err != nil {
		return err
	}
	groupID = strings.TrimSpace(groupID)
	if groupID != "" && s.groupIndex(groupID) < 0 {
		return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	s.segments[i].GroupID = groupID
	return nil
}

// SetLocked locks or unlocks a segment. Unlocking is the only change a
// locked segment accepts.
func (s *Store) SetLocked(id string, locked bool) error {
	i := s.Index(id)
	if i < 0 {
		return fmt.Errorf("segment %s: %w", id, ErrNotFound)
	}
	s.segments[i].Locked = locked
	return nil
}

// Duplicate inserts an unlocked copy of id, with newID, right after it.
func (s *Store) Duplicate(id, newID string) (Segment, error) {
	i := s.Index(id)
	if i < 0 {
		return Segment{}, fmt.Errorf("segment %s: %w", id, ErrNotFound)
	}
	dup := s.segments[i].Clone()
	dup.ID = newID
	dup.Name = strings.TrimSpace(dup.Name + " (copy)")
	dup.Locked = false
	if err := s.InsertAt(i+1, dup); err != nil {
		return Segment{}, err
	}
	return dup, nil
}

func (s *Store) groupIndex(id string) int {
	for i := range s.groups {
		if s.groups[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) AddGroup(group Group) error {
	group.ID = strings.TrimSpace(group.ID)
	group.Name = strings.TrimSpace(group.Name)
	if group.ID == "" {
		return fmt.Errorf("%w: group id is required", ErrInvalidSegment)
	}
	if s.groupIndex(group.ID) >= 0 {
		return fmt.Errorf("group %s: %w", group.ID, ErrDuplicateID)
	}
	s.groups = append(s.groups, group)
	return nil
}

func (s *Store) UpdateGroup(id string, name, colorID *string) error {
	i := s.groupIndex(id)
	if i < 0 {
		return fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	if name != nil {
		s.groups[i].Name = strings.TrimSpace(*name)
	}
	if colorID != nil {
		s.groups[i].ColorID = *colorID
	}
	return nil
}

func (s *Store) ToggleCollapsed(id string) (bool, error) {
	i := s.groupIndex(id)
	if i < 0 {
		return false, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	s.groups[i].Collapsed = !s.groups[i].Collapsed
	return s.groups[i].Collapsed, nil
}

// RemoveGroup deletes a group and ungroups its members, locked or not.
// It returns how many segments were ungrouped.
func (s *Store) RemoveGroup(id string) (int, error) {
	i := s.groupIndex(id)
	if i < 0 {
		return 0, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	s.groups = append(s.groups[:i], s.groups[i+1:]...)
	ungrouped := 0
	for j := range s.segments {
		if s.segments[j].GroupID == id {
			s.segments[j].GroupID = ""
			ungrouped++
		}
	}
	return ungrouped, nil
}
