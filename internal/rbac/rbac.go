package rbac

import (
	"errors"
	"fmt"

	"cuesheet/internal/rundown"
)

type Role string
type Action string

const (
	RoleViewer   Role = "viewer"
	RoleEditor   Role = "editor"
	RoleProducer Role = "producer"
	RoleOwner    Role = "owner"
)

const (
	ActionEdit    Action = "edit"
	ActionLock    Action = "lock"
	ActionApprove Action = "approve"
)

var ErrPermissionDenied = errors.New("permission denied")

// Decision is the outcome of a permission check. Reason is empty when allowed.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Err returns nil when allowed, otherwise an error wrapping ErrPermissionDenied.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPermissionDenied, d.Reason)
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Can is the role capability table, independent of rundown status.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner, RoleProducer:
		return action == ActionEdit || action == ActionLock || action == ActionApprove
	case RoleEditor:
		return action == ActionEdit
	default:
		return false
	}
}

// CanPerform applies the role table, then the status overrides for edits.
func CanPerform(action Action, role Role, status rundown.Status) Decision {
	if !Can(role, action) {
		return deny(fmt.Sprintf("%s role cannot %s this rundown", roleLabel(role), action))
	}
	if action != ActionEdit {
		return allow()
	}
	switch status {
	case rundown.StatusLocked:
		return deny("Rundown is locked; unlock it before editing")
	case rundown.StatusApproved:
		if role != RoleOwner {
			return deny("Approved rundowns can only be edited by the owner")
		}
	case rundown.StatusInReview:
		if !Can(role, ActionLock) {
			return deny("Rundowns in review can only be edited by producers or the owner")
		}
	}
	return allow()
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleProducer, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}

func roleLabel(role Role) string {
	switch role {
	case RoleOwner:
		return "Owner"
	case RoleProducer:
		return "Producer"
	case RoleEditor:
		return "Editor"
	default:
		return "Viewer"
	}
}
