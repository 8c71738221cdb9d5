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
	"context"
	"encoding/json"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/mailru/easyjson/jwriter"
)

// Commands sent with hand-built params, because the typed builders either
// lack them or do not carry every field sent.
const (
	CommandSetDownloadBehavior = "Page.setDownloadBehavior"
	CommandNavigate            = "Page.navigate"
)

// Action is the general interface of an CDP action.
type Action interface {
	Do(context.Context) error
}

// ActionFunc is an adapter to allow regular functions to be used as an Action.
type ActionFunc func(context.Context) error

// Do executes the func f using the provided context.
func (f ActionFunc) Do(ctx context.Context) error {
	return f(ctx)
}

// Params is a JSON object of command parameters.
type Params map[string]any

// MarshalEasyJSON implements easyjson.Marshaler.
func (p Params) MarshalEasyJSON(w *jwriter.Writer) {
	b, err := json.Marshal(map[string]any(p))
	w.Raw(b, err)
}

// RawCommand sends Method with Params through the executor of the context
// and discards the result.
type RawCommand struct {
	Method string
	Params Params
}

// Do executes the command.
func (c RawCommand) Do(ctx context.Context) error {
	return cdp.Execute(ctx, c.Method, c.Params, nil)
}

// SetDownloadBehavior builds Page.setDownloadBehavior{behavior}.
func SetDownloadBehavior(behavior string) RawCommand {
	return RawCommand{
		Method: CommandSetDownloadBehavior,
		Params: Params{"behavior": behavior},
	}
}

// Navigate sends Page.navigate{url, timeout}, timeout being in whole
// seconds rounded up, and returns the navigation error text reported by the
// browser, if any.
func Navigate(ctx context.Context, url string, timeout time.Duration) (errorText string, err error) {
	var res page.NavigateReturns
	params := Params{
		"url":     url,
		"timeout": navigateTimeout(timeout),
	}
	if err := cdp.Execute(ctx, CommandNavigate, params, &res); err != nil {
		return "", err
	}
	return res.ErrorText, nil
}

func navigateTimeout(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
