package rundown

import (
	"fmt"
	"sort"
	"strconv"
)

type ParamKind string

const (
	ParamText   ParamKind = "text"
	ParamNumber ParamKind = "number"
	ParamBool   ParamKind = "bool"
)

// Catalog maps a graphic id to the parameters it accepts.
type Catalog map[string]map[string]ParamKind

// DefaultCatalog covers the graphics the output page ships with.
func DefaultCatalog() Catalog {
	return Catalog{
		"lower-third": {"name": ParamText, "title": ParamText},
		"scorebug":    {"home": ParamText, "away": ParamText, "homeScore": ParamNumber, "awayScore": ParamNumber},
		"clock":       {"seconds": ParamNumber, "countdown": ParamBool},
		"full-screen": {"headline": ParamText, "body": ParamText},
		"sponsor":     {"sponsor": ParamText},
	}
}

// Check rejects unknown graphics, unknown parameter keys and ill-typed values.
func (c Catalog) Check(ref GraphicRef) error {
	schema, ok := c[ref.ID]
	if !ok {
		return fmt.Errorf("%w: unknown graphic %q", ErrInvalidSegment, ref.ID)
	}
	keys := make([]string, 0, len(ref.Params))
	for key := range ref.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		kind, ok := schema[key]
		if !ok {
			return fmt.Errorf("%w: graphic %q has no parameter %q", ErrInvalidSegment, ref.ID, key)
		}
		value := ref.Params[key]
		switch kind {
		case ParamNumber:
			if _, err := strconv.ParseFloat(value, 64); err != nil {
				return fmt.Errorf("%w: parameter %q of %q must be a number", ErrInvalidSegment, key, ref.ID)
			}
		case ParamBool:
			if _, err := strconv.ParseBool(value); err != nil {
				return fmt.Errorf("%w: parameter %q of %q must be true or false", ErrInvalidSegment, key, ref.ID)
			}
		}
	}
	return nil
}
