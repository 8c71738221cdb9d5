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
// Package instrumented drives a browser page through the DevTools protocol,
// with its traffic routed through a recording proxy.
package instrumented

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/security"
	"github.com/spf13/afero"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/instrumented/chromium"
	"github.com/liuxd6825/instrumented/common"
	"github.com/liuxd6825/instrumented/log"
	"github.com/liuxd6825/instrumented/proxy"
)

var (
	// ErrTerminated is returned by operations on a terminated session.
	ErrTerminated = errors.New("browser session terminated")

	// ErrNoResult is returned when an expression the caller needs a value
	// from produced none.
	ErrNoResult = errors.New("expression returned no result")
)

// Collaborators overrides the parts of a session. Zero fields get the
// default implementation.
type Collaborators struct {
	Proxy   ProxyServer
	Process ProcessSupervisor
	Dial    DialFunc
	Memory  MemoryAccountant
	// Fs is where the extra scripts are read from.
	Fs afero.Fs
}

// Chrome is a browser session: one proxy, one browser process and one
// protocol connection to its page.
type Chrome struct {
	id     string
	opts   Options
	logger *log.Logger
	memory MemoryAccountant

	lifecycle *common.PageLifecycle

	// ctx is the lifetime of the protocol connection.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	debuggingID string
	proxy       ProxyServer
	process     ProcessSupervisor
	conn        ProtocolConnection
	evaluator   *common.Evaluator
}

// NewChrome starts a proxy, a browser routed through it and connects to
// the browser page.
func NewChrome(ctx context.Context, opts Options, logger *log.Logger) (*Chrome, error) {
	return NewChromeWith(ctx, opts, logger, Collaborators{})
}

// NewChromeWith is NewChrome with some of the collaborators replaced.
// On failure everything already started is torn down.
func NewChromeWith(ctx context.Context, opts Options, logger *log.Logger, co Collaborators) (*Chrome, error) {
	opts = NewOptions().Apply(opts)
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if co.Proxy == nil {
		co.Proxy = proxy.New(opts.ProxyHost.String, logger)
	}
	if co.Process == nil {
		co.Process = chromium.NewProcess(opts.launchOptions(), logger)
	}
	if co.Dial == nil {
		co.Dial = dialConnection
	}
	if co.Memory == nil {
		co.Memory = chromium.MemoryUsage
	}
	if co.Fs == nil {
		co.Fs = afero.NewOsFs()
	}

	source, err := initScript(co.Fs, opts)
	if err != nil {
		return nil, err
	}

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Chrome{
		id:        newSessionID(),
		opts:      opts,
		logger:    logger,
		memory:    co.Memory,
		lifecycle: common.NewPageLifecycle(),
		ctx:       lctx,
		cancel:    cancel,
		proxy:     co.Proxy,
		process:   co.Process,
	}
	if opts.DebuggingID.Valid {
		c.SetDebuggingID(opts.DebuggingID.String)
	}

	if err := c.start(ctx, co.Dial, source); err != nil {
		c.Terminate()
		return nil, err
	}
	logger.Debugf("Chrome", "started %s", c)

	return c, nil
}

func (c *Chrome) start(ctx context.Context, dial DialFunc, source string) error {
	if err := c.proxy.Start(ctx); err != nil {
		return fmt.Errorf("starting proxy: %w", err)
	}
	if err := c.proxy.WaitForStart(ctx); err != nil {
		return fmt.Errorf("starting proxy: %w", err)
	}

	c.process.SetProxy(c.opts.ProxyHost.String, c.proxy.Port())
	if err := c.process.Start(ctx); err != nil {
		return fmt.Errorf("starting browser: %w", err)
	}
	if err := c.process.WaitForStart(ctx); err != nil {
		return fmt.Errorf("starting browser: %w", err)
	}

	conn, err := dial(c.ctx, c.opts.ChromeHost.String, c.process.DevToolsPort(),
		c.opts.ConnectTimeout.TimeDuration(), c.logger)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.evaluator = common.NewEvaluator(conn, c.logger, c.opts.EvaluateTimeout.TimeDuration())
	did := c.debuggingID
	c.mu.Unlock()
	conn.SetDebuggingID(did)

	conn.SetEventHandler(c.lifecycle.Handle)

	return c.configure(cdp.WithExecutor(ctx, conn), conn, source)
}

// configure sends the commands every session starts with.
func (c *Chrome) configure(ctx context.Context, conn ProtocolConnection, source string) error {
	steps := []struct {
		name   string
		action common.Action
	}{
		{"ignoring certificate errors", security.SetIgnoreCertificateErrors(true)},
		{"bypassing CSP", page.SetBypassCSP(true)},
		{"denying downloads", common.SetDownloadBehavior("deny")},
		{"adding init script", common.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(source).Do(ctx)
			return err //nolint:wrapcheck
		})},
		{"setting dialog handler", common.ActionFunc(func(context.Context) error {
			conn.SetDialogHandler(DefaultDialogHandler(c.logger))
			return nil
		})},
		{"enabling page domain", page.Enable()},
		{"enabling lifecycle events", page.SetLifecycleEventsEnabled(true)},
		{"enabling runtime domain", runtime.Enable()},
	}
	for _, step := range steps {
		if err := step.action.Do(ctx); err != nil {
			return fmt.Errorf("configuring browser: %s: %w", step.name, err)
		}
	}
	return nil
}

// session returns the connection and evaluator, or ErrTerminated.
func (c *Chrome) session() (ProtocolConnection, *common.Evaluator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, nil, ErrTerminated
	}
	return c.conn, c.evaluator, nil
}

func (c *Chrome) executor(ctx context.Context) (context.Context, error) {
	conn, _, err := c.session()
	if err != nil {
		return nil, err
	}
	return cdp.WithExecutor(ctx, conn), nil
}

// SetDialogHandler replaces the handler answering JavaScript dialogs.
func (c *Chrome) SetDialogHandler(h common.DialogHandler) error {
	conn, _, err := c.session()
	if err != nil {
		return err
	}
	conn.SetDialogHandler(h)
	return nil
}

// LoadURL starts loading url and returns once the browser accepted the
// navigation. Use WaitForLoad to wait for the page.
func (c *Chrome) LoadURL(ctx context.Context, url string) error {
	ectx, err := c.executor(ctx)
	if err != nil {
		return err
	}
	c.lifecycle.StartNavigation()

	errorText, err := common.Navigate(ectx, url, c.opts.PageLoadTimeout.TimeDuration())
	if err != nil {
		return fmt.Errorf("navigating to %q: %w", url, err)
	}
	if errorText != "" {
		c.logger.Debugf("Chrome:LoadURL", "navigating to %q: %s (did: %s)", url, errorText, c.DebuggingID())
	}
	return nil
}

// LoadAboutBlank loads the empty page.
func (c *Chrome) LoadAboutBlank(ctx context.Context) error {
	return c.LoadURL(ctx, "about:blank")
}

// NavigationStarted reports whether the page scheduled a navigation within
// timeout. A non-positive timeout means the configured one.
func (c *Chrome) NavigationStarted(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = c.opts.NavigationStartedTimeout.TimeDuration()
	}
	return c.lifecycle.NavigationStarted(ctx, timeout)
}

// WaitForLoad reports whether the page loaded within timeout. A
// non-positive timeout means the configured page load timeout.
func (c *Chrome) WaitForLoad(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = c.opts.PageLoadTimeout.TimeDuration()
	}
	return c.lifecycle.WaitForLoad(ctx, timeout)
}

// Stop considers the page loaded and stops whatever it is still loading.
func (c *Chrome) Stop(ctx context.Context) error {
	c.lifecycle.ForceLoaded()
	ectx, err := c.executor(ctx)
	if err != nil {
		return err
	}
	if err := page.StopLoading().Do(ectx); err != nil {
		return fmt.Errorf("stopping page load: %w", err)
	}
	return nil
}

// PageState returns the inferred state of the page.
func (c *Chrome) PageState() common.PageState {
	return c.lifecycle.State()
}

// URL returns the address of the current document.
func (c *Chrome) URL(ctx context.Context) (string, error) {
	_, ev, err := c.session()
	if err != nil {
		return "", err
	}
	v, ok := ev.Evaluate(ctx, "document.location.href")
	if !ok {
		return "", ErrNoResult
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected location %v", v)
	}
	return s, nil
}

// DOM returns the serialized document, if the page has one.
func (c *Chrome) DOM(ctx context.Context) (string, bool) {
	_, ev, err := c.session()
	if err != nil {
		return "", false
	}
	v, ok := ev.Evaluate(ctx, "document.documentElement.outerHTML")
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// NavigationHistory returns the index of the current entry and the entries
// of the page history.
func (c *Chrome) NavigationHistory(ctx context.Context) (int64, []*page.NavigationEntry, error) {
	ectx, err := c.executor(ctx)
	if err != nil {
		return 0, nil, err
	}
	current, entries, err := page.GetNavigationHistory().Do(ectx)
	if err != nil {
		return 0, nil, fmt.Errorf("getting navigation history: %w", err)
	}
	return current, entries, nil
}

// NavigationHistoryIndex returns the id of the current history entry.
func (c *Chrome) NavigationHistoryIndex(ctx context.Context) (int64, error) {
	current, entries, err := c.NavigationHistory(ctx)
	if err != nil {
		return 0, err
	}
	if current < 0 || current >= int64(len(entries)) {
		return 0, fmt.Errorf("current history index %d out of %d entries", current, len(entries))
	}
	return entries[current].ID, nil
}

// NavigateToHistoryIndex navigates to the history entry with id.
func (c *Chrome) NavigateToHistoryIndex(ctx context.Context, id int64) error {
	ectx, err := c.executor(ctx)
	if err != nil {
		return err
	}
	c.lifecycle.StartNavigation()
	if err := page.NavigateToHistoryEntry(id).Do(ectx); err != nil {
		return fmt.Errorf("navigating to history entry %d: %w", id, err)
	}
	return nil
}

// CaptureScreenshot returns a PNG of the viewport.
func (c *Chrome) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	ectx, err := c.executor(ctx)
	if err != nil {
		return nil, err
	}
	data, err := page.CaptureScreenshot().Do(ectx)
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return data, nil
}

// DispatchJSEvent dispatches an event of eventType on the element matching
// selector.
func (c *Chrome) DispatchJSEvent(ctx context.Context, selector, eventType string) error {
	if !common.ValidEventType(eventType) {
		return fmt.Errorf("%w: %q", common.ErrInvalidEventType, eventType)
	}
	_, ev, err := c.session()
	if err != nil {
		return err
	}
	expr := common.AnalyzerCall("dispatchCustomEvent",
		`"`+common.EscapeJSString(selector)+`"`,
		`"`+eventType+`"`,
	)
	v, ok := ev.Evaluate(ctx, expr)
	if !ok {
		return common.ErrEventTimeout
	}
	if dispatched, _ := v.(bool); !dispatched {
		return common.ErrEventRejected
	}
	return nil
}

// ConsoleMessages drains the console messages buffered so far.
func (c *Chrome) ConsoleMessages() iter.Seq[*common.ConsoleMessage] {
	return func(yield func(*common.ConsoleMessage) bool) {
		conn, _, err := c.session()
		if err != nil {
			return
		}
		for {
			m, ok := conn.ReadConsoleMessage()
			if !ok || !yield(m) {
				return
			}
		}
	}
}

// MemoryUsage returns the private and shared memory, in bytes, used by the
// browser process tree. ok is false once the process is gone.
func (c *Chrome) MemoryUsage() (private, shared int64, ok bool) {
	c.mu.RLock()
	process := c.process
	c.mu.RUnlock()
	if process == nil {
		return 0, 0, false
	}
	pid := process.ParentPid()
	if pid < 0 {
		return 0, 0, false
	}
	pids := append([]int{pid}, process.ChildrenPids()...)
	private, shared, err := c.memory(pids)
	if err != nil {
		c.logger.Debugf("Chrome:MemoryUsage", "%v (did: %s)", err, c.DebuggingID())
		return 0, 0, false
	}
	return private, shared, true
}

// JSVariableValue evaluates name, a trusted expression, in the page.
func (c *Chrome) JSVariableValue(ctx context.Context, name string) (any, bool) {
	_, ev, err := c.session()
	if err != nil {
		return nil, false
	}
	return ev.Evaluate(ctx, name)
}

// JSErrors returns the uncaught errors collected in the page.
func (c *Chrome) JSErrors(ctx context.Context) ([]any, bool) {
	v, ok := c.JSVariableValue(ctx, "window.errors")
	if !ok {
		return nil, false
	}
	errs, ok := v.([]any)
	return errs, ok
}

// JSSetTimeouts returns the setTimeout calls made by the page.
func (c *Chrome) JSSetTimeouts(ctx context.Context) iter.Seq[map[string]any] {
	return c.timers(ctx, "getSetTimeouts")
}

// JSSetIntervals returns the setInterval calls made by the page.
func (c *Chrome) JSSetIntervals(ctx context.Context) iter.Seq[map[string]any] {
	return c.timers(ctx, "getSetIntervals")
}

func (c *Chrome) timers(ctx context.Context, fn string) iter.Seq[map[string]any] {
	return common.Paginate(c.opts.pageSize(), func(start, count int) []map[string]any {
		var out []map[string]any
		for _, item := range c.evaluateArray(ctx, common.AnalyzerCall(fn, strconv.Itoa(start), strconv.Itoa(count))) {
			if m, ok := item.Value().(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	})
}

// JSEventListeners returns the listeners added with addEventListener.
func (c *Chrome) JSEventListeners(ctx context.Context, filter common.EventListenerFilter) iter.Seq[*common.EventListener] {
	return c.listeners(ctx, "getEventListeners", filter)
}

// HTMLEventListeners returns the handlers set with on* attributes.
func (c *Chrome) HTMLEventListeners(ctx context.Context, filter common.EventListenerFilter) iter.Seq[*common.EventListener] {
	return c.listeners(ctx, "getElementsWithEventHandlers", filter)
}

// AllEventListeners returns the JavaScript listeners, then the HTML ones.
func (c *Chrome) AllEventListeners(ctx context.Context, filter common.EventListenerFilter) iter.Seq[*common.EventListener] {
	return common.Concat(
		c.JSEventListeners(ctx, filter),
		c.HTMLEventListeners(ctx, filter),
	)
}

func (c *Chrome) listeners(
	ctx context.Context, fn string, filter common.EventListenerFilter,
) iter.Seq[*common.EventListener] {
	eventTypes := common.JSStringArray(filter.EventTypes)
	tagNames := common.JSStringArray(filter.TagNames)

	return common.Paginate(c.opts.pageSize(), func(start, count int) []*common.EventListener {
		expr := common.AnalyzerCall(fn, eventTypes, tagNames, strconv.Itoa(start), strconv.Itoa(count))
		var out []*common.EventListener
		for _, item := range c.evaluateArray(ctx, expr) {
			if l, ok := common.ParseEventListener(item); ok {
				out = append(out, l)
			}
		}
		return out
	})
}

// evaluateArray evaluates expr, which returns an array, and returns its
// items. A missing result ends the pagination like an empty page.
func (c *Chrome) evaluateArray(ctx context.Context, expr string) []gjson.Result {
	_, ev, err := c.session()
	if err != nil {
		return nil
	}
	raw, ok := ev.EvaluateRaw(ctx, expr)
	if !ok {
		return nil
	}
	res := gjson.ParseBytes(raw)
	if !res.IsArray() {
		return nil
	}
	return res.Array()
}

// ProxyAddress returns the address of the proxy, or an empty string.
func (c *Chrome) ProxyAddress() string {
	c.mu.RLock()
	p := c.proxy
	c.mu.RUnlock()
	if p == nil {
		return ""
	}
	return net.JoinHostPort(c.opts.ProxyHost.String, strconv.Itoa(p.Port()))
}

// FirstRequest returns the first request seen by the proxy.
func (c *Chrome) FirstRequest() *http.Request {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.proxy == nil {
		return nil
	}
	return c.proxy.FirstRequest()
}

// FirstResponse returns the first response seen by the proxy.
func (c *Chrome) FirstResponse() *http.Response {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.proxy == nil {
		return nil
	}
	return c.proxy.FirstResponse()
}

// Pid returns the browser process ID, or -1.
func (c *Chrome) Pid() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.process == nil {
		return -1
	}
	return c.process.ParentPid()
}

func (c *Chrome) devToolsPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.process == nil {
		return 0
	}
	return c.process.DevToolsPort()
}

// ID returns the session id.
func (c *Chrome) ID() string {
	return c.id
}

// DebuggingID returns the id added to log lines.
func (c *Chrome) DebuggingID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.debuggingID
}

// SetDebuggingID sets the id added to log lines of the session and of its
// collaborators.
func (c *Chrome) SetDebuggingID(id string) {
	c.mu.Lock()
	c.debuggingID = id
	p, proc, conn := c.proxy, c.process, c.conn
	c.mu.Unlock()

	if p != nil {
		p.SetDebuggingID(id)
	}
	if proc != nil {
		proc.SetDebuggingID(id)
	}
	if conn != nil {
		conn.SetDebuggingID(id)
	}
}

func (c *Chrome) String() string {
	return fmt.Sprintf("<InstrumentedChrome (id:%s, proxy:%s, process_id:%d, devtools:%d)>",
		c.id, c.ProxyAddress(), c.Pid(), c.devToolsPort())
}

// Terminate stops the proxy, closes the connection and terminates the
// browser, in that order. Failures are logged and do not stop the
// remaining steps. It is safe to call more than once.
func (c *Chrome) Terminate() {
	c.mu.Lock()
	p, conn, proc := c.proxy, c.conn, c.process
	c.proxy, c.conn, c.process, c.evaluator = nil, nil, nil, nil
	did := c.debuggingID
	c.mu.Unlock()

	if p == nil && conn == nil && proc == nil {
		return
	}
	c.logger.Debugf("Chrome:Terminate", "terminating session %s (did: %s)", c.id, did)

	if p != nil {
		c.teardown("stopping proxy", did, p.Stop)
	}
	if conn != nil {
		// closing the connection makes pending requests and readers fail
		// noisily
		restore := c.logger.Suppress()
		err := guard(conn.Close)
		restore()
		if err != nil {
			c.logger.Warnf("Chrome:Terminate", "closing connection: %v (did: %s)", err, did)
		}
	}
	if proc != nil {
		c.teardown("terminating browser", did, proc.Terminate)
	}

	c.cancel()
	c.lifecycle.Reset()
}

func (c *Chrome) teardown(step, did string, fn func() error) {
	if err := guard(fn); err != nil {
		c.logger.Warnf("Chrome:Terminate", "%s: %v (did: %s)", step, err, did)
	}
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
