package rundown

// ComputeStartTimes returns the start offset in seconds of every segment.
// Each segment advances the running total by its duration plus buffer; an
// untimed segment advances it by its buffer only. With excludeOptional set,
// optional segments advance nothing but still get a start time.
func ComputeStartTimes(segments []Segment, excludeOptional bool) []int {
	starts := make([]int, len(segments))
	total := 0
	for i, seg := range segments {
		starts[i] = total
		if excludeOptional && seg.Optional {
			continue
		}
		total += seg.duration() + seg.BufferAfterSeconds
	}
	return starts
}

// TotalSeconds is the runtime of the whole list, buffers included.
func TotalSeconds(segments []Segment, excludeOptional bool) int {
	total := 0
	for _, seg := range segments {
		if excludeOptional && seg.Optional {
			continue
		}
		total += seg.duration() + seg.BufferAfterSeconds
	}
	return total
}
