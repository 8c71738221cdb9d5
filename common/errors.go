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
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned by requests that are pending or issued
	// after the protocol connection was closed.
	ErrConnectionClosed = errors.New("protocol connection closed")

	// ErrInvalidEventType is returned when an event type would not be safe to
	// embed in an evaluated expression.
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrEventTimeout is returned when dispatching an event produced no result.
	ErrEventTimeout = errors.New("the event execution timed out")

	// ErrEventRejected is returned when the page reports that a dispatched
	// event was not run, usually because its element left the DOM.
	ErrEventRejected = errors.New("the event was not run")
)

// ConnectionError is returned when the protocol connection to the browser
// could not be established.
type ConnectionError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to chrome on port %d: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
