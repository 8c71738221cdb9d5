/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
)

// EventListener is an event handler registration found in the page. Its
// identity is the (event_type, selector) pair; the remaining fields, such
// as tag_name or handler, depend on how the listener was discovered.
type EventListener struct {
	keys   []string
	fields map[string]any
}

// NewEventListener wraps fields, ordering them by name.
func NewEventListener(fields map[string]any) *EventListener {
	l := &EventListener{fields: make(map[string]any, len(fields))}
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		l.Set(k, fields[k])
	}
	return l
}

// ParseEventListener reads a listener from a JSON object as returned by the
// page analyzer, keeping the field order of the object.
func ParseEventListener(obj gjson.Result) (*EventListener, bool) {
	if !obj.IsObject() {
		return nil, false
	}
	l := &EventListener{fields: make(map[string]any)}
	obj.ForEach(func(key, value gjson.Result) bool {
		l.Set(key.String(), value.Value())
		return true
	})
	return l, true
}

// Get returns the named field.
func (l *EventListener) Get(name string) (any, bool) {
	v, ok := l.fields[name]
	return v, ok
}

// Value returns the named field, or nil.
func (l *EventListener) Value(name string) any {
	return l.fields[name]
}

// Set stores a field, keeping the position of an existing one.
func (l *EventListener) Set(name string, value any) {
	if _, ok := l.fields[name]; !ok {
		l.keys = append(l.keys, name)
	}
	l.fields[name] = value
}

// TypeSelector returns the event type and the CSS selector of the element
// the listener is attached to.
func (l *EventListener) TypeSelector() (eventType, selector string) {
	eventType, _ = l.fields["event_type"].(string)
	selector, _ = l.fields["selector"].(string)
	return eventType, selector
}

// Len returns the number of fields.
func (l *EventListener) Len() int {
	return len(l.fields)
}

// Fields returns a copy of the fields.
func (l *EventListener) Fields() map[string]any {
	out := make(map[string]any, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// Equal reports whether both listeners hold the same fields with the same
// values, in any order.
func (l *EventListener) Equal(other *EventListener) bool {
	if l == nil || other == nil {
		return l == other
	}
	if len(l.fields) != len(other.fields) {
		return false
	}
	for k, v := range l.fields {
		ov, ok := other.fields[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the fields as a JSON object.
func (l *EventListener) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.fields)
}

func (l *EventListener) String() string {
	parts := make([]string, 0, len(l.keys))
	for _, k := range l.keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, l.fields[k]))
	}
	return "EventListener{" + strings.Join(parts, ", ") + "}"
}

// EventListenerFilter restricts listener queries to some event types and
// tag names. Empty slices match everything.
type EventListenerFilter struct {
	EventTypes []string
	TagNames   []string
}
