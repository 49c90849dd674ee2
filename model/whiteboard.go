package model

import (
	"encoding/json"
	"fmt"
)

// Element is one whiteboard record. The coordinator treats it as opaque
// except for the id/version/deleted projection used by the merge rule;
// everything else round-trips untouched in raw.
type Element struct {
	ID      string
	Version int64
	Deleted bool

	raw json.RawMessage
}

// NewElement builds a minimal element. Mostly useful for tests and tooling;
// real elements arrive from clients with arbitrary extra fields.
func NewElement(id string, version int64) Element {
	raw, _ := json.Marshal(elementProjection{ID: id, Version: version})
	return Element{ID: id, Version: version, raw: raw}
}

type elementProjection struct {
	ID        string `json:"id"`
	Version   int64  `json:"version"`
	IsDeleted bool   `json:"isDeleted,omitempty"`
}

func (e *Element) UnmarshalJSON(b []byte) error {
	var proj elementProjection
	if err := json.Unmarshal(b, &proj); err != nil {
		return fmt.Errorf("malformed whiteboard element: %w", err)
	}
	e.ID = proj.ID
	e.Version = proj.Version
	e.Deleted = proj.IsDeleted
	e.raw = append(e.raw[:0:0], b...)
	return nil
}

func (e Element) MarshalJSON() ([]byte, error) {
	if len(e.raw) > 0 {
		return e.raw, nil
	}
	return json.Marshal(elementProjection{ID: e.ID, Version: e.Version, IsDeleted: e.Deleted})
}

// Supersedes reports whether e must replace old in the stored set.
// Last-writer-by-version-wins, ties kept on the stored value.
func (e Element) Supersedes(old Element) bool {
	return e.Version > old.Version
}
