// Package approval is the rundown-level state machine:
// draft -> in-review -> approved -> locked, with the way back to draft.
package approval

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cuesheet/internal/rbac"
	"cuesheet/internal/rundown"
)

var (
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrReasonRequired       = errors.New("reason required")
	ErrConfirmationRequired = errors.New("confirmation required")
)

type Event string

const (
	EventSubmit        Event = "submit"
	EventApprove       Event = "approve"
	EventReject        Event = "reject"
	EventLock          Event = "lock"
	EventReturnToDraft Event = "return-to-draft"
	EventUnlock        Event = "unlock"
)

type edge struct {
	from      rundown.Status
	to        rundown.Status
	action    rbac.Action
	ownerOnly bool
	message   string
}

var edges = map[Event]edge{
	EventSubmit:        {from: rundown.StatusDraft, to: rundown.StatusInReview, action: rbac.ActionEdit, message: "Only draft rundowns can be submitted for review"},
	EventApprove:       {from: rundown.StatusInReview, to: rundown.StatusApproved, action: rbac.ActionApprove, message: "Only rundowns in review can be approved"},
	EventReject:        {from: rundown.StatusInReview, to: rundown.StatusDraft, action: rbac.ActionApprove, message: "Only rundowns in review can be rejected"},
	EventLock:          {from: rundown.StatusApproved, to: rundown.StatusLocked, action: rbac.ActionLock, message: "Only approved rundowns can be locked"},
	EventReturnToDraft: {from: rundown.StatusApproved, to: rundown.StatusDraft, action: rbac.ActionApprove, message: "Only approved rundowns can be returned to draft"},
	EventUnlock:        {from: rundown.StatusLocked, to: rundown.StatusDraft, ownerOnly: true, message: "Only locked rundowns can be unlocked"},
}

var labels = map[Event]string{
	EventSubmit:        "Submit for review",
	EventApprove:       "Approve rundown",
	EventReject:        "Reject rundown",
	EventLock:          "Lock rundown",
	EventReturnToDraft: "Return to draft",
	EventUnlock:        "Unlock rundown",
}

// Label is the history action name for the event.
func (e Event) Label() string {
	if label, ok := labels[e]; ok {
		return label
	}
	return string(e)
}

// ParseEvent accepts the event names used on the wire.
func ParseEvent(value string) (Event, bool) {
	event := Event(strings.ToLower(strings.TrimSpace(value)))
	_, ok := edges[event]
	return event, ok
}

// TransitionError names the illegal edge.
type TransitionError struct {
	From    rundown.Status
	Event   Event
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidTransition, e.Message)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Request carries everything a transition may need.
type Request struct {
	Event     Event
	Role      rbac.Role
	Actor     string
	Reason    string
	Confirmed bool
}

// Transition records one successful status change.
type Transition struct {
	Event  Event          `json:"event"`
	From   rundown.Status `json:"previousStatus"`
	To     rundown.Status `json:"newStatus"`
	Reason string         `json:"reason,omitempty"`
	Actor  string         `json:"actor"`
	At     time.Time      `json:"at"`
}

// Details is the payload written to the history log.
func (t Transition) Details() map[string]string {
	details := map[string]string{
		"previousStatus": string(t.From),
		"newStatus":      string(t.To),
	}
	if t.Reason != "" {
		details["reason"] = t.Reason
	}
	return details
}

// Workflow holds the current approval status. It is not safe for concurrent use.
type Workflow struct {
	status rundown.Status
	now    func() time.Time
}

func New(status rundown.Status) *Workflow {
	if !status.Valid() {
		status = rundown.StatusDraft
	}
	return &Workflow{status: status, now: time.Now}
}

func (w *Workflow) Status() rundown.Status {
	return w.status
}

// Set replaces the status, as delivered by a remote push.
func (w *Workflow) Set(status rundown.Status) {
	if status.Valid() {
		w.status = status
	}
}

// Check validates req against the current status without applying it.
// The role capability is checked before the edge so a role that may never
// perform the action always gets PermissionDenied. Status overrides are not
// consulted: every edge's source status already admits its action.
func (w *Workflow) Check(req Request) (Transition, error) {
	e, ok := edges[req.Event]
	if !ok {
		return Transition{}, &TransitionError{From: w.status, Event: req.Event, Message: fmt.Sprintf("Unknown approval action %q", req.Event)}
	}
	if e.ownerOnly {
		if req.Role != rbac.RoleOwner {
			return Transition{}, fmt.Errorf("%w: only the owner can unlock a locked rundown", rbac.ErrPermissionDenied)
		}
	} else if !rbac.Can(req.Role, e.action) {
		return Transition{}, fmt.Errorf("%w: %s role cannot %s this rundown", rbac.ErrPermissionDenied, req.Role, e.action)
	}
	if w.status != e.from {
		return Transition{}, &TransitionError{From: w.status, Event: req.Event, Message: e.message}
	}
	reason := strings.TrimSpace(req.Reason)
	if req.Event == EventReject && reason == "" {
		return Transition{}, fmt.Errorf("%w: a reason is required to reject a rundown", ErrReasonRequired)
	}
	if req.Event == EventUnlock && !req.Confirmed {
		return Transition{}, fmt.Errorf("%w: unlocking returns the rundown to draft", ErrConfirmationRequired)
	}
	return Transition{
		Event:  req.Event,
		From:   w.status,
		To:     e.to,
		Reason: reason,
		Actor:  req.Actor,
		At:     w.now(),
	}, nil
}

// Apply checks req and moves to the new status.
func (w *Workflow) Apply(req Request) (Transition, error) {
	t, err := w.Check(req)
	if err != nil {
		return Transition{}, err
	}
	w.status = t.To
	return t, nil
}
