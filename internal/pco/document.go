package pco

import (
	"encoding/json"

	"cmacal/internal/model"
)

// instancesDocument is the JSON-API envelope of the event_instances collection.
type instancesDocument struct {
	Data     []model.Instance   `json:"data"`
	Included []includedResource `json:"included,omitempty"`
	Links    links              `json:"links"`
}

// eventDocument is the envelope of a single events/{id} resource.
type eventDocument struct {
	Data model.Event `json:"data"`
}

type links struct {
	Next string `json:"next,omitempty"`
	Prev string `json:"prev,omitempty"`
}

// includedResource defers attribute decoding until the type tag is known,
// since side-loaded records of other types have unrelated attribute shapes.
type includedResource struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Attributes json.RawMessage `json:"attributes"`
}

// events returns the side-loaded records typed as events. Records whose
// attributes do not decode are skipped.
func (d instancesDocument) events() []model.Event {
	out := make([]model.Event, 0, len(d.Included))
	for _, inc := range d.Included {
		if inc.Type != model.TypeEvent || inc.ID == "" {
			continue
		}
		ev := model.Event{ID: inc.ID, Type: inc.Type}
		if len(inc.Attributes) > 0 {
			if err := json.Unmarshal(inc.Attributes, &ev.Attributes); err != nil {
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}
