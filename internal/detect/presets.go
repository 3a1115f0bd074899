package detect

import (
	"fmt"
	"sort"
)

// Preset is a named COCO class filter.
type Preset struct {
	Name    string
	Title   string
	Classes string
}

var presets = map[string]Preset{
	"person":   {Name: "person", Title: "People", Classes: "0"},
	"vehicles": {Name: "vehicles", Title: "Vehicles", Classes: "1 2 3 5 7"},
	"animals":  {Name: "animals", Title: "Animals", Classes: "14 15 16 17 18 19 20 21 22 23"},
	"traffic":  {Name: "traffic", Title: "Traffic lights and signs", Classes: "9 11"},
	"all":      {Name: "all", Title: "All classes", Classes: ""},
}

// LookupPreset returns the preset with the given name.
func LookupPreset(name string) (Preset, error) {
	p, ok := presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("%w: unknown class preset %q", ErrInvalidRequest, name)
	}
	return p, nil
}

// Presets returns all presets ordered by name.
func Presets() []Preset {
	out := make([]Preset, 0, len(presets))
	for _, p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
