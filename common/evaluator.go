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
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/instrumented/log"
)

// DefaultEvaluateTimeout bounds the in-page execution of an expression.
const DefaultEvaluateTimeout = 5 * time.Second

// evaluateGrace is added to the in-page timeout to bound the wait for the
// protocol response itself.
const evaluateGrace = 2 * time.Second

var eventTypeRE = regexp.MustCompile(`^[a-zA-Z.]+$`)

// ValidEventType reports whether eventType only holds letters and dots and
// is therefore safe to embed in an evaluated expression.
func ValidEventType(eventType string) bool {
	return eventTypeRE.MatchString(eventType)
}

var jsStringEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\u2028", `\u2028`,
	"\u2029", `\u2029`,
)

// EscapeJSString escapes text for embedding between double quotes in a
// JavaScript expression.
func EscapeJSString(text string) string {
	return jsStringEscaper.Replace(text)
}

// JSStringArray renders values as a JavaScript array literal of strings.
func JSStringArray(values []string) string {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		// marshalling a string slice cannot fail
		panic(err)
	}
	return string(b)
}

// AnalyzerCall builds a call to a function of the page-resident analyzer.
// The arguments must already be valid JavaScript expressions.
func AnalyzerCall(fn string, args ...string) string {
	return fmt.Sprintf("window._DOMAnalyzer.%s(%s)", fn, strings.Join(args, ", "))
}

// Evaluator runs JavaScript expressions in the page and returns their value.
type Evaluator struct {
	exec    cdp.Executor
	logger  *log.Logger
	timeout time.Duration
}

// NewEvaluator returns an evaluator sending Runtime.evaluate through exec.
// A non-positive timeout means DefaultEvaluateTimeout.
func NewEvaluator(exec cdp.Executor, logger *log.Logger, timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultEvaluateTimeout
	}
	return &Evaluator{
		exec:    exec,
		logger:  logger,
		timeout: timeout,
	}
}

// Evaluate evaluates expression with the default timeout.
func (e *Evaluator) Evaluate(ctx context.Context, expression string) (any, bool) {
	return e.EvaluateWithTimeout(ctx, expression, e.timeout)
}

// EvaluateWithTimeout evaluates expression, awaiting a returned promise, and
// returns its JSON value. The second result is false when there is no
// value: the transport failed, the response had no result, the value was
// null or undefined, or the expression threw. The cause is only logged.
func (e *Evaluator) EvaluateWithTimeout(ctx context.Context, expression string, timeout time.Duration) (any, bool) {
	raw, ok := e.evaluateRaw(ctx, expression, timeout)
	if !ok {
		return nil, false
	}
	return gjson.ParseBytes(raw).Value(), true
}

// EvaluateRaw is like Evaluate but returns the undecoded JSON value.
func (e *Evaluator) EvaluateRaw(ctx context.Context, expression string) ([]byte, bool) {
	return e.evaluateRaw(ctx, expression, e.timeout)
}

func (e *Evaluator) evaluateRaw(ctx context.Context, expression string, timeout time.Duration) ([]byte, bool) {
	if timeout <= 0 {
		timeout = e.timeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout+evaluateGrace)
	defer cancel()

	action := runtime.Evaluate(expression).
		WithReturnByValue(true).
		WithGeneratePreview(true).
		WithAwaitPromise(true).
		WithTimeout(runtime.TimeDelta(timeout.Milliseconds()))
	result, exception, err := action.Do(cdp.WithExecutor(tctx, e.exec))
	switch {
	case err != nil:
		e.logger.Debugf("Evaluator", "evaluating %q failed: %v", expression, err)
		return nil, false
	case exception != nil:
		e.logger.Debugf("Evaluator", "evaluating %q threw: %s", expression, exceptionText(exception))
		return nil, false
	case result == nil:
		e.logger.Debugf("Evaluator", "evaluating %q returned no result", expression)
		return nil, false
	}

	raw := []byte(result.Value)
	if len(raw) == 0 || gjson.ParseBytes(raw).Type == gjson.Null {
		return nil, false
	}
	return raw, true
}

func exceptionText(ex *runtime.ExceptionDetails) string {
	if ex.Exception != nil && ex.Exception.Description != "" {
		return ex.Exception.Description
	}
	return ex.Text
}
