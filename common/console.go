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
	"fmt"
	"strings"
	"sync"
	"time"
)

// consoleBufferSize bounds the messages kept between two reads. The oldest
// message is dropped when it is exceeded.
const consoleBufferSize = 1000

// ConsoleMessage is a console.* call made by the page.
type ConsoleMessage struct {
	Type      string    `json:"type"`
	Args      []any     `json:"args"`
	Timestamp time.Time `json:"timestamp"`
}

// Text joins the arguments the way a browser console would print them.
func (m *ConsoleMessage) Text() string {
	parts := make([]string, 0, len(m.Args))
	for _, a := range m.Args {
		parts = append(parts, fmt.Sprint(a))
	}
	return strings.Join(parts, " ")
}

func newConsoleMessage(ev *ConsoleAPICalledEvent) *ConsoleMessage {
	// timestamps are milliseconds since the epoch
	ms := int64(ev.Timestamp)
	return &ConsoleMessage{
		Type:      ev.Type,
		Args:      ev.Args,
		Timestamp: time.UnixMilli(ms),
	}
}

// consoleBuffer is a bounded FIFO of console messages.
type consoleBuffer struct {
	mu       sync.Mutex
	messages []*ConsoleMessage
}

// push appends m and reports whether an older message had to be dropped.
func (b *consoleBuffer) push(m *ConsoleMessage) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.messages) >= consoleBufferSize {
		b.messages[0] = nil
		b.messages = b.messages[1:]
		dropped = true
	}
	b.messages = append(b.messages, m)
	return dropped
}

func (b *consoleBuffer) pop() (*ConsoleMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.messages) == 0 {
		return nil, false
	}
	m := b.messages[0]
	b.messages[0] = nil
	b.messages = b.messages[1:]
	return m, true
}
