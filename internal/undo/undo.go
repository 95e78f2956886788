// Package undo keeps bounded stacks of full-state snapshots.
package undo

import (
	"errors"
	"time"

	"cuesheet/internal/rundown"
)

// DefaultCapacity bounds both stacks.
const DefaultCapacity = 25

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// Engine is not safe for concurrent use.
type Engine struct {
	capacity   int
	undo       []rundown.Snapshot
	redo       []rundown.Snapshot
	suppressed int
	now        func() time.Time
}

func New(capacity int) *Engine {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Engine{capacity: capacity, now: time.Now}
}

// PushState records current before a new action and clears the redo stack.
// It does nothing while a restore is running.
func (e *Engine) PushState(current rundown.State, description string) {
	if e.suppressed > 0 {
		return
	}
	e.undo = push(e.undo, rundown.NewSnapshot(current, description, e.now()), e.capacity)
	e.redo = nil
}

// Undo pops the last snapshot and pushes current onto the redo stack. The
// caller applies the returned snapshot inside Restoring.
func (e *Engine) Undo(current rundown.State) (rundown.Snapshot, error) {
	if len(e.undo) == 0 {
		return rundown.Snapshot{}, ErrNothingToUndo
	}
	last := e.undo[len(e.undo)-1]
	e.undo = e.undo[:len(e.undo)-1]
	e.redo = push(e.redo, rundown.NewSnapshot(current, last.Description, e.now()), e.capacity)
	return last, nil
}

func (e *Engine) Redo(current rundown.State) (rundown.Snapshot, error) {
	if len(e.redo) == 0 {
		return rundown.Snapshot{}, ErrNothingToRedo
	}
	next := e.redo[len(e.redo)-1]
	e.redo = e.redo[:len(e.redo)-1]
	e.undo = push(e.undo, rundown.NewSnapshot(current, next.Description, e.now()), e.capacity)
	return next, nil
}

// Restoring runs fn with recording suppressed, so state restored by fn is
// not itself pushed as a new undo step.
func (e *Engine) Restoring(fn func() error) error {
	e.suppressed++
	defer func() { e.suppressed-- }()
	return fn()
}

func (e *Engine) Suppressed() bool {
	return e.suppressed > 0
}

func (e *Engine) CanUndo() bool  { return len(e.undo) > 0 }
func (e *Engine) CanRedo() bool  { return len(e.redo) > 0 }
func (e *Engine) UndoDepth() int { return len(e.undo) }
func (e *Engine) RedoDepth() int { return len(e.redo) }

// NextUndo describes the action Undo would revert.
func (e *Engine) NextUndo() string {
	if len(e.undo) == 0 {
		return ""
	}
	return e.undo[len(e.undo)-1].Description
}

func (e *Engine) NextRedo() string {
	if len(e.redo) == 0 {
		return ""
	}
	return e.redo[len(e.redo)-1].Description
}

func push(stack []rundown.Snapshot, snap rundown.Snapshot, capacity int) []rundown.Snapshot {
	stack = append(stack, snap)
	if over := len(stack) - capacity; over > 0 {
		stack = append(stack[:0:0], stack[over:]...)
	}
	return stack
}
