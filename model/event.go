package model

import (
	"encoding/json"
	"sort"
)

// Event is a normalized report record: every field carries a set of
// distinct string values.
type Event struct {
	fields map[string]map[string]struct{}
}

func NewEvent() *Event {
	return &Event{fields: make(map[string]map[string]struct{})}
}

// EventFromMap builds an event from a field/value listing, mostly for tests.
func EventFromMap(m map[string][]string) *Event {
	evt := NewEvent()
	for key, values := range m {
		for _, value := range values {
			evt.Add(key, value)
		}
	}
	return evt
}

// Add inserts value into the set of key. Duplicates are ignored.
func (e *Event) Add(key, value string) {
	if e.fields == nil {
		e.fields = make(map[string]map[string]struct{})
	}
	set, ok := e.fields[key]
	if !ok {
		set = make(map[string]struct{})
		e.fields[key] = set
	}
	set[value] = struct{}{}
}

// Discard removes value from key. A key left without values disappears.
func (e *Event) Discard(key, value string) {
	set, ok := e.fields[key]
	if !ok {
		return
	}
	delete(set, value)
	if len(set) == 0 {
		delete(e.fields, key)
	}
}

func (e *Event) Contains(key, value string) bool {
	_, ok := e.fields[key][value]
	return ok
}

// Keys returns the field names in sorted order.
func (e *Event) Keys() []string {
	keys := make([]string, 0, len(e.fields))
	for key := range e.fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the values of key in sorted order.
func (e *Event) Values(key string) []string {
	set := e.fields[key]
	values := make([]string, 0, len(set))
	for value := range set {
		values = append(values, value)
	}
	sort.Strings(values)
	return values
}

func (e *Event) Len() int {
	return len(e.fields)
}

// Map returns a copy of the event as field -> sorted values.
func (e *Event) Map() map[string][]string {
	out := make(map[string][]string, len(e.fields))
	for key := range e.fields {
		out[key] = e.Values(key)
	}
	return out
}

// Equal reports whether both events carry the same fields and value sets.
func (e *Event) Equal(other *Event) bool {
	if e.Len() != other.Len() {
		return false
	}
	for key, set := range e.fields {
		otherSet, ok := other.fields[key]
		if !ok || len(otherSet) != len(set) {
			return false
		}
		for value := range set {
			if _, ok := otherSet[value]; !ok {
				return false
			}
		}
	}
	return true
}

func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Map())
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string][]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*e = *EventFromMap(m)
	return nil
}
