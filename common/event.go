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
	"github.com/tidwall/gjson"
)

// Protocol events consumed by the controller.
const (
	EventFrameScheduledNavigation = "Page.frameScheduledNavigation"
	EventFrameStoppedLoading      = "Page.frameStoppedLoading"
	EventLifecycleEvent           = "Page.lifecycleEvent"
	EventExecutionContextCreated  = "Runtime.executionContextCreated"
	EventJavascriptDialogOpening  = "Page.javascriptDialogOpening"
	EventConsoleAPICalled         = "Runtime.consoleAPICalled"

	// LifecycleNetworkAlmostIdle is the only Page.lifecycleEvent name that
	// takes part in load detection.
	LifecycleNetworkAlmostIdle = "networkAlmostIdle"
)

// Event is an inbound protocol event. It is one of the *Event types of this
// package; anything else arrives as *UnrecognizedEvent.
type Event interface {
	Method() string
}

// NavigationScheduledEvent means the frame is about to navigate away.
type NavigationScheduledEvent struct {
	FrameID string
	Reason  string
	URL     string
	Delay   float64
}

// FrameStoppedLoadingEvent means the frame finished loading.
type FrameStoppedLoadingEvent struct {
	FrameID string
}

// LifecycleEvent is a named lifecycle milestone of a frame.
type LifecycleEvent struct {
	FrameID  string
	LoaderID string
	Name     string
}

// ExecutionContextCreatedEvent means a new JavaScript context exists.
type ExecutionContextCreatedEvent struct {
	ContextID int64
	Origin    string
}

// DialogOpeningEvent means a JavaScript dialog is blocking the page.
type DialogOpeningEvent struct {
	URL           string
	Message       string
	Type          string
	DefaultPrompt string
}

// ConsoleAPICalledEvent is a console.* call made by the page.
type ConsoleAPICalledEvent struct {
	Type      string
	Args      []any
	Timestamp float64
}

// UnrecognizedEvent carries events that are unknown or malformed.
type UnrecognizedEvent struct {
	Name   string
	Params []byte
}

func (*NavigationScheduledEvent) Method() string     { return EventFrameScheduledNavigation }
func (*FrameStoppedLoadingEvent) Method() string     { return EventFrameStoppedLoading }
func (*LifecycleEvent) Method() string               { return EventLifecycleEvent }
func (*ExecutionContextCreatedEvent) Method() string { return EventExecutionContextCreated }
func (*DialogOpeningEvent) Method() string           { return EventJavascriptDialogOpening }
func (*ConsoleAPICalledEvent) Method() string        { return EventConsoleAPICalled }
func (e *UnrecognizedEvent) Method() string          { return e.Name }

// ParseEvent turns the method and raw params of an event message into one of
// the Event types. It never fails: events with missing required fields or
// invalid params are returned as *UnrecognizedEvent.
func ParseEvent(method string, params []byte) Event {
	unrecognized := &UnrecognizedEvent{Name: method, Params: params}
	if !gjson.ValidBytes(params) {
		return unrecognized
	}
	p := gjson.ParseBytes(params)
	if !p.IsObject() {
		return unrecognized
	}

	switch method {
	case EventFrameScheduledNavigation:
		frameID := p.Get("frameId")
		if !frameID.Exists() {
			return unrecognized
		}
		return &NavigationScheduledEvent{
			FrameID: frameID.String(),
			Reason:  p.Get("reason").String(),
			URL:     p.Get("url").String(),
			Delay:   p.Get("delay").Float(),
		}
	case EventFrameStoppedLoading:
		frameID := p.Get("frameId")
		if !frameID.Exists() {
			return unrecognized
		}
		return &FrameStoppedLoadingEvent{FrameID: frameID.String()}
	case EventLifecycleEvent:
		name := p.Get("name")
		if name.Type != gjson.String {
			return unrecognized
		}
		return &LifecycleEvent{
			FrameID:  p.Get("frameId").String(),
			LoaderID: p.Get("loaderId").String(),
			Name:     name.String(),
		}
	case EventExecutionContextCreated:
		ctx := p.Get("context")
		if !ctx.IsObject() {
			return unrecognized
		}
		return &ExecutionContextCreatedEvent{
			ContextID: ctx.Get("id").Int(),
			Origin:    ctx.Get("origin").String(),
		}
	case EventJavascriptDialogOpening:
		typ := p.Get("type")
		if typ.Type != gjson.String {
			return unrecognized
		}
		return &DialogOpeningEvent{
			URL:           p.Get("url").String(),
			Message:       p.Get("message").String(),
			Type:          typ.String(),
			DefaultPrompt: p.Get("defaultPrompt").String(),
		}
	case EventConsoleAPICalled:
		typ := p.Get("type")
		if typ.Type != gjson.String {
			return unrecognized
		}
		ev := &ConsoleAPICalledEvent{
			Type:      typ.String(),
			Timestamp: p.Get("timestamp").Float(),
		}
		for _, arg := range p.Get("args").Array() {
			ev.Args = append(ev.Args, remoteObjectValue(arg))
		}
		return ev
	}

	return unrecognized
}

// remoteObjectValue returns the best plain value for a serialized
// Runtime.RemoteObject: its value when present, else its description.
func remoteObjectValue(obj gjson.Result) any {
	if v := obj.Get("value"); v.Exists() {
		return v.Value()
	}
	if d := obj.Get("description"); d.Exists() {
		return d.String()
	}
	if obj.Get("type").String() == "undefined" {
		return "undefined"
	}
	if obj.Get("subtype").String() == "null" {
		return nil
	}
	return obj.Get("type").String()
}
