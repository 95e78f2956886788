package rundown

import (
	"embed"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// Template is a reusable list of segments read from YAML.
type Template struct {
	Name     string            `yaml:"name"`
	Segments []TemplateSegment `yaml:"segments"`
}

type TemplateSegment struct {
	Name        string      `yaml:"name"`
	Type        SegmentType `yaml:"type"`
	Duration    *int        `yaml:"duration"`
	BufferAfter int         `yaml:"buffer_after"`
	TimingMode  TimingMode  `yaml:"timing_mode"`
	Scene       string      `yaml:"scene"`
	Graphic     *GraphicRef `yaml:"graphicRef"`
	Optional    bool        `yaml:"optional"`
	Talent      []string    `yaml:"talent"`
	Equipment   []string    `yaml:"equipment"`
	Notes       string      `yaml:"notes"`
	Script      string      `yaml:"script"`
}

// ParseTemplate unmarshals and validates a YAML template.
func ParseTemplate(data []byte) (Template, error) {
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return Template{}, fmt.Errorf("template: parse: %w", err)
	}
	tmpl.Name = strings.TrimSpace(tmpl.Name)
	var errs []string
	if tmpl.Name == "" {
		errs = append(errs, "name is required")
	}
	for i, seg := range tmpl.Segments {
		candidate := seg.segment(fmt.Sprintf("check-%d", i))
		candidate.normalize()
		if err := candidate.Validate(nil); err != nil {
			errs = append(errs, fmt.Sprintf("segments[%d]: %v", i, err))
		}
	}
	if len(errs) > 0 {
		return Template{}, fmt.Errorf("template: validation failed: %s", strings.Join(errs, "; "))
	}
	return tmpl, nil
}

// LoadTemplateFile reads a template from disk.
func LoadTemplateFile(filename string) (Template, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Template{}, fmt.Errorf("template: read %s: %w", filename, err)
	}
	return ParseTemplate(data)
}

// BuiltinTemplate returns one of the templates compiled into the binary.
func BuiltinTemplate(name string) (Template, error) {
	data, err := builtinTemplates.ReadFile(path.Join("templates", name+".yaml"))
	if err != nil {
		return Template{}, fmt.Errorf("template %s: %w", name, ErrNotFound)
	}
	return ParseTemplate(data)
}

// BuiltinTemplateNames lists the compiled-in templates.
func BuiltinTemplateNames() []string {
	entries, _ := builtinTemplates.ReadDir("templates")
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, strings.TrimSuffix(entry.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// Instantiate builds fresh segments with ids from newID.
func (t Template) Instantiate(newID func() string) []Segment {
	out := make([]Segment, 0, len(t.Segments))
	for _, seg := range t.Segments {
		s := seg.segment(newID())
		s.normalize()
		out = append(out, s)
	}
	return out
}

// State is the template as a complete rundown state with no groups.
func (t Template) State(newID func() string) State {
	return State{Segments: t.Instantiate(newID), Groups: []Group{}}
}

func (ts TemplateSegment) segment(id string) Segment {
	seg := Segment{
		ID:                 id,
		Name:               ts.Name,
		Type:               ts.Type,
		BufferAfterSeconds: ts.BufferAfter,
		SceneRef:           ts.Scene,
		Graphic:            ts.Graphic.clone(),
		TimingMode:         ts.TimingMode,
		Optional:           ts.Optional,
		TalentIDs:          cloneStrings(ts.Talent),
		EquipmentIDs:       cloneStrings(ts.Equipment),
		Notes:              ts.Notes,
		Script:             ts.Script,
	}
	if ts.Duration != nil {
		seg.DurationSeconds = Seconds(*ts.Duration)
	}
	return seg
}
