// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package capdata defines the serialized form of values that cross a vat
// boundary: a JSON body plus an ordered list of reference slots.
package capdata

import (
	"encoding/json"
	"fmt"
)

// CapData is a body and the references it mentions. References inside the
// body are {"@slot": i} markers indexing into Slots.
type CapData struct {
	Body  []byte   `serialize:"true" msgpack:"body"`
	Slots []string `serialize:"true" msgpack:"slots"`
}

type jsonCapData struct {
	Body  string   `json:"body"`
	Slots []string `json:"slots"`
}

func (cd CapData) MarshalJSON() ([]byte, error) {
	slots := cd.Slots
	if slots == nil {
		slots = []string{}
	}
	return json.Marshal(jsonCapData{Body: string(cd.Body), Slots: slots})
}

func (cd *CapData) UnmarshalJSON(b []byte) error {
	var j jsonCapData
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	cd.Body = []byte(j.Body)
	cd.Slots = j.Slots
	return nil
}

// Equal reports whether both bodies and slot lists are identical.
func (cd CapData) Equal(other CapData) bool {
	if string(cd.Body) != string(other.Body) || len(cd.Slots) != len(other.Slots) {
		return false
	}
	for i, s := range cd.Slots {
		if other.Slots[i] != s {
			return false
		}
	}
	return true
}

// MapSlots returns a copy of cd with every slot rewritten by fn.
func (cd CapData) MapSlots(fn func(string) (string, error)) (CapData, error) {
	out := CapData{Body: cd.Body, Slots: make([]string, len(cd.Slots))}
	for i, s := range cd.Slots {
		mapped, err := fn(s)
		if err != nil {
			return CapData{}, fmt.Errorf("failed to map slot %q: %w", s, err)
		}
		out.Slots[i] = mapped
	}
	return out, nil
}

func (cd CapData) String() string {
	return fmt.Sprintf("%s %v", cd.Body, cd.Slots)
}
