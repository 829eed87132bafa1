package stream

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/nelsonaloysio/twython-kafka/errors"
)

// FilterSpec is the upstream query predicate.
type FilterSpec struct {
	Track     []string `yaml:"track" json:"track"`
	Languages []string `yaml:"languages" json:"languages,omitempty"`
	// Locations is a comma-separated list of bounding boxes
	// (sw-lon,sw-lat,ne-lon,ne-lat).
	Locations string `yaml:"locations" json:"locations,omitempty"`
}

// Validate requires at least one track term or a location box. Locations
// are passed upstream as given; upstream judges the coordinates.
func (f FilterSpec) Validate() error {
	if len(nonEmpty(f.Track)) == 0 && strings.TrimSpace(f.Locations) == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: filter needs track terms or locations", errors.ErrMissingConfig),
			"FilterSpec", "Validate", "check predicate")
	}
	return nil
}

// Form encodes the predicate as the streaming request body.
func (f FilterSpec) Form() url.Values {
	form := url.Values{}
	if track := nonEmpty(f.Track); len(track) > 0 {
		form.Set("track", strings.Join(track, ","))
	}
	if langs := nonEmpty(f.Languages); len(langs) > 0 {
		form.Set("language", strings.Join(langs, ","))
	}
	if loc := strings.TrimSpace(f.Locations); loc != "" {
		form.Set("locations", loc)
	}
	return form
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
