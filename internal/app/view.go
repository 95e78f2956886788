package app

import (
	"cuesheet/internal/conflict"
	"cuesheet/internal/presence"
	"cuesheet/internal/rbac"
	"cuesheet/internal/rundown"
)

// View is everything a client renders, recomputed after every local
// mutation and every remote push.
type View struct {
	RundownID            string                   `json:"rundownId"`
	Segments             []rundown.Segment        `json:"segments"`
	Groups               []rundown.Group          `json:"groups"`
	Status               rundown.Status           `json:"status"`
	StartTimes           []int                    `json:"startTimes"`
	TotalSeconds         int                      `json:"totalSeconds"`
	TotalWithoutOptional int                      `json:"totalWithoutOptional"`
	TalentConflicts      []conflict.Conflict      `json:"talentConflicts"`
	EquipmentConflicts   []conflict.Conflict      `json:"equipmentConflicts"`
	Permissions          map[string]rbac.Decision `json:"permissions"`
	Undo                 UndoState                `json:"undo"`
}

type UndoState struct {
	CanUndo  bool   `json:"canUndo"`
	CanRedo  bool   `json:"canRedo"`
	NextUndo string `json:"nextUndo,omitempty"`
	NextRedo string `json:"nextRedo,omitempty"`
}

// BuildView derives start times, totals and conflicts from state.
func BuildView(rundownID string, state rundown.State, status rundown.Status, role rbac.Role) View {
	segments := state.Segments
	if segments == nil {
		segments = []rundown.Segment{}
	}
	groups := state.Groups
	if groups == nil {
		groups = []rundown.Group{}
	}
	starts := rundown.ComputeStartTimes(segments, false)
	talent := conflict.FindConflicts(segments, starts, conflict.Talent)
	equipment := conflict.FindConflicts(segments, starts, conflict.Equipment)
	if talent == nil {
		talent = []conflict.Conflict{}
	}
	if equipment == nil {
		equipment = []conflict.Conflict{}
	}
	return View{
		RundownID:            rundownID,
		Segments:             segments,
		Groups:               groups,
		Status:               status,
		StartTimes:           starts,
		TotalSeconds:         rundown.TotalSeconds(segments, false),
		TotalWithoutOptional: rundown.TotalSeconds(segments, true),
		TalentConflicts:      talent,
		EquipmentConflicts:   equipment,
		Permissions: map[string]rbac.Decision{
			string(rbac.ActionEdit):    rbac.CanPerform(rbac.ActionEdit, role, status),
			string(rbac.ActionLock):    rbac.CanPerform(rbac.ActionLock, role, status),
			string(rbac.ActionApprove): rbac.CanPerform(rbac.ActionApprove, role, status),
		},
	}
}

// Event is one message on a session's live stream.
type Event struct {
	Type     string            `json:"type"`
	View     *View             `json:"view,omitempty"`
	Presence []presence.Record `json:"presence,omitempty"`
	Notice   string            `json:"notice,omitempty"`
}
