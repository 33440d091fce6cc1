package registry

import (
	"encoding/json"
	"fmt"
)

// Projection selects which fields of a manager record to return, by JSON
// field name. Include restricts to the listed fields; Exclude removes them
// from the full set. The two are mutually exclusive.
type Projection struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

func (p Projection) validate() error {
	if len(p.Include) > 0 && len(p.Exclude) > 0 {
		return fmt.Errorf("include and exclude are mutually exclusive")
	}
	return nil
}

// apply renders v as a field map with the projection applied.
func (p Projection) apply(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}

	if len(p.Include) > 0 {
		keep := make(map[string]bool, len(p.Include))
		for _, field := range p.Include {
			keep[field] = true
		}
		for field := range rec {
			if !keep[field] {
				delete(rec, field)
			}
		}
	}
	for _, field := range p.Exclude {
		delete(rec, field)
	}
	return rec, nil
}
