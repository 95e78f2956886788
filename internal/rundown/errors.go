package rundown

import "errors"

var (
	ErrSegmentLocked   = errors.New("segment locked")
	ErrNotFound        = errors.New("not found")
	ErrDuplicateID     = errors.New("duplicate id")
	ErrInvalidSegment  = errors.New("invalid segment")
	ErrIndexOutOfRange = errors.New("index out of range")
)
