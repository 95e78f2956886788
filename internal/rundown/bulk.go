package rundown

import (
	"errors"
	"fmt"
	"strings"
)

// BulkResult separates segments that were changed from ones skipped because
// they are locked or no longer exist.
type BulkResult struct {
	Verb          string   `json:"verb"`
	Applied       []string `json:"applied"`
	SkippedLocked []string `json:"skippedLocked"`
	Missing       []string `json:"missing"`
}

// Summary renders e.g. "3 deleted, 2 locked skipped".
func (r BulkResult) Summary() string {
	parts := []string{fmt.Sprintf("%d %s", len(r.Applied), r.Verb)}
	if n := len(r.SkippedLocked); n > 0 {
		parts = append(parts, fmt.Sprintf("%d locked skipped", n))
	}
	if n := len(r.Missing); n > 0 {
		parts = append(parts, fmt.Sprintf("%d not found", n))
	}
	return strings.Join(parts, ", ")
}

func (r BulkResult) Changed() bool {
	return len(r.Applied) > 0
}

func (s *Store) bulk(verb string, ids []string, fn func(id string) error) (BulkResult, error) {
	result := BulkResult{Verb: verb, Applied: []string{}, SkippedLocked: []string{}, Missing: []string{}}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		err := fn(id)
		switch {
		case err == nil:
			result.Applied = append(result.Applied, id)
		case errors.Is(err, ErrSegmentLocked):
			result.SkippedLocked = append(result.SkippedLocked, id)
		case errors.Is(err, ErrNotFound):
			result.Missing = append(result.Missing, id)
		default:
			return result, err
		}
	}
	return result, nil
}

// validateBulk runs fn against a scratch copy so an invalid value is
// rejected before any segment changes.
func (s *Store) validateBulk(ids []string, patch Patch) error {
	scratch := NewStore(s.State(), s.catalog)
	for _, id := range ids {
		err := scratch.UpdateByID(id, patch)
		if err != nil && !errors.Is(err, ErrSegmentLocked) && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *Store) BulkDelete(ids []string) (BulkResult, error) {
	return s.bulk("deleted", ids, s.RemoveByID)
}

func (s *Store) bulkPatch(verb string, ids []string, patch Patch) (BulkResult, error) {
	if err := s.validateBulk(ids, patch); err != nil {
		return BulkResult{Verb: verb}, err
	}
	return s.bulk(verb, ids, func(id string) error {
		return s.UpdateByID(id, patch)
	})
}

func (s *Store) BulkSetType(ids []string, t SegmentType) (BulkResult, error) {
	return s.bulkPatch("retyped", ids, Patch{Type: &t})
}

func (s *Store) BulkSetScene(ids []string, sceneRef string) (BulkResult, error) {
	return s.bulkPatch("updated", ids, Patch{SceneRef: &sceneRef})
}

// BulkSetGraphic sets the graphic of every segment; a nil ref clears it.
func (s *Store) BulkSetGraphic(ids []string, ref *GraphicRef) (BulkResult, error) {
	if ref == nil {
		return s.bulkPatch("updated", ids, Patch{ClearGraphic: true})
	}
	return s.bulkPatch("updated", ids, Patch{Graphic: ref})
}
