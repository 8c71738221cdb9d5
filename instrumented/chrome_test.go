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

package instrumented

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/instrumented/common"
	"github.com/liuxd6825/instrumented/lib/types"
	"github.com/liuxd6825/instrumented/log"
)

func TestChromeStart(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"proxy.Start",
		"proxy.WaitForStart",
		"process.SetProxy",
		"process.Start",
		"process.WaitForStart",
	}, s.calls.snapshot())
	assert.Equal(t, "127.0.0.1:8118", s.process.proxyAddr)

	require.Eventually(t, func() bool {
		return s.rec.Count("Runtime.enable") == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"Security.setIgnoreCertificateErrors",
		"Page.setBypassCSP",
		"Page.setDownloadBehavior",
		"Page.addScriptToEvaluateOnNewDocument",
		"Page.enable",
		"Page.setLifecycleEventsEnabled",
		"Runtime.enable",
	}, s.rec.Methods())

	scripts := s.rec.Params("Page.addScriptToEvaluateOnNewDocument")
	require.Len(t, scripts, 1)
	source := gjson.Get(scripts[0], "source").String()
	assert.Contains(t, source, "window._DOMAnalyzer")
	assert.Contains(t, source, "window.errors")
	assert.Equal(t, "deny", gjson.Get(s.rec.Params("Page.setDownloadBehavior")[0], "behavior").String())

	assert.Equal(t, common.PageStateNone, s.chrome.PageState())
	assert.Equal(t, 4242, s.chrome.Pid())
	assert.Equal(t, "127.0.0.1:8118", s.chrome.ProxyAddress())
	assert.Len(t, s.chrome.ID(), 8)
	assert.Equal(t,
		fmt.Sprintf("<InstrumentedChrome (id:%s, proxy:127.0.0.1:8118, process_id:4242, devtools:%d)>",
			s.chrome.ID(), s.server.Port()),
		s.chrome.String())
}

func TestChromeStartFailure(t *testing.T) {
	t.Parallel()

	t.Run("proxy", func(t *testing.T) {
		t.Parallel()

		s, err := newTestSession(t, nil, func(s *testSession, _ *Options, _ *Collaborators) {
			s.proxy.startErr = errors.New("address in use")
		})
		require.ErrorContains(t, err, "starting proxy: address in use")
		assert.Equal(t, []string{
			"proxy.Start",
			"proxy.Stop",
			"process.Terminate",
		}, s.calls.snapshot())
	})

	t.Run("browser", func(t *testing.T) {
		t.Parallel()

		s, err := newTestSession(t, nil, func(s *testSession, _ *Options, _ *Collaborators) {
			s.process.startErr = errors.New("no chrome")
		})
		require.ErrorContains(t, err, "starting browser: no chrome")
		assert.Equal(t, []string{
			"proxy.Start",
			"proxy.WaitForStart",
			"process.SetProxy",
			"process.Start",
			"proxy.Stop",
			"process.Terminate",
		}, s.calls.snapshot())
	})

	t.Run("connection", func(t *testing.T) {
		t.Parallel()

		s, err := newTestSession(t, nil, func(s *testSession, o *Options, _ *Collaborators) {
			s.process.devtools = 1
			o.ConnectTimeout = types.NullDurationFrom(200 * time.Millisecond)
		})
		var cerr *common.ConnectionError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, 1, cerr.Port)
		assert.Equal(t, "process.Terminate", s.calls.snapshot()[len(s.calls.snapshot())-1])
	})

	t.Run("extra_script", func(t *testing.T) {
		t.Parallel()

		s, err := newTestSession(t, nil, func(_ *testSession, o *Options, _ *Collaborators) {
			o.ExtraScripts = []string{"/missing.js"}
		})
		require.ErrorContains(t, err, "/missing.js")
		assert.Empty(t, s.calls.snapshot())
	})

	t.Run("invalid_options", func(t *testing.T) {
		t.Parallel()

		_, err := newTestSession(t, nil, func(_ *testSession, o *Options, _ *Collaborators) {
			o.PageSize = null.IntFrom(0)
		})
		require.ErrorContains(t, err, "invalid options: page size must be positive")
	})
}

func TestChromeExtraScripts(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil, func(_ *testSession, o *Options, co *Collaborators) {
		require.NoError(t, afero.WriteFile(co.Fs, "/hooks.js", []byte("window.hooked = true;"), 0o644))
		o.ExtraScripts = []string{"/hooks.js"}
		o.CaptureJSErrors = null.BoolFrom(false)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.rec.Count("Page.addScriptToEvaluateOnNewDocument") == 1
	}, time.Second, 10*time.Millisecond)
	source := gjson.Get(s.rec.Params("Page.addScriptToEvaluateOnNewDocument")[0], "source").String()
	assert.True(t, strings.HasSuffix(source, "window.hooked = true;"))
	assert.NotContains(t, source, "window.errors")
}

func TestChromeLoad(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.chrome.LoadURL(ctx, "http://example.com/"))
	assert.Equal(t, common.PageStateLoading, s.chrome.PageState())

	navigations := s.rec.Params("Page.navigate")
	require.Len(t, navigations, 1)
	assert.Equal(t, "http://example.com/", gjson.Get(navigations[0], "url").String())

	assert.False(t, s.chrome.WaitForLoad(ctx, 200*time.Millisecond))

	go func() {
		s.server.Emit(common.EventFrameStoppedLoading, `{"frameId":"F1"}`)
		s.server.Emit(common.EventLifecycleEvent, `{"frameId":"F1","loaderId":"L1","name":"networkAlmostIdle","timestamp":1}`)
		s.server.Emit(common.EventExecutionContextCreated, `{"context":{"id":1,"origin":"","name":""}}`)
	}()
	assert.True(t, s.chrome.WaitForLoad(ctx, 2*time.Second))
	assert.Equal(t, common.PageStateLoaded, s.chrome.PageState())

	require.NoError(t, s.chrome.LoadAboutBlank(ctx))
	assert.Equal(t, common.PageStateLoading, s.chrome.PageState())
	assert.Equal(t, "about:blank", gjson.Get(s.rec.Params("Page.navigate")[1], "url").String())
}

func TestChromeNavigationStarted(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.False(t, s.chrome.NavigationStarted(ctx, 150*time.Millisecond))

	s.server.Emit(common.EventFrameScheduledNavigation, `{"frameId":"F1","reason":"scriptInitiated","url":"http://example.com/"}`)
	assert.True(t, s.chrome.NavigationStarted(ctx, time.Second))
	assert.Equal(t, common.PageStateLoading, s.chrome.PageState())
}

func TestChromeStop(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.chrome.LoadURL(ctx, "http://example.com/"))
	require.NoError(t, s.chrome.Stop(ctx))
	assert.Equal(t, common.PageStateLoaded, s.chrome.PageState())
	assert.Equal(t, 1, s.rec.Count("Page.stopLoading"))
}

func TestChromeDispatchJSEvent(t *testing.T) {
	t.Parallel()

	dispatched := &callLog{}
	s, err := newTestSession(t, func(expr string) (string, bool) {
		dispatched.add(expr)
		switch {
		case strings.Contains(expr, `"#gone"`):
			return "false", true
		case strings.Contains(expr, `"#slow"`):
			return "", false
		}
		return "true", true
	})
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name      string
		selector  string
		eventType string
		wantErr   error
	}{
		{"dispatched", "#button", "click", nil},
		{"dotted_type", "#button", "my.custom", nil},
		{"missing_element", "#gone", "click", common.ErrEventRejected},
		{"no_result", "#slow", "click", common.ErrEventTimeout},
		{"injection", "#button", `click"); alert(1); ("`, common.ErrInvalidEventType},
		{"empty_type", "#button", "", common.ErrInvalidEventType},
		{"digits", "#button", "click2", common.ErrInvalidEventType},
	}
	for _, tt := range tests {
		err := s.chrome.DispatchJSEvent(ctx, tt.selector, tt.eventType)
		if tt.wantErr == nil {
			assert.NoError(t, err, tt.name)
			continue
		}
		assert.ErrorIs(t, err, tt.wantErr, tt.name)
	}

	assert.Equal(t, `window._DOMAnalyzer.dispatchCustomEvent("#button", "click")`, dispatched.snapshot()[0])
	assert.Len(t, dispatched.snapshot(), 4, "invalid event types must not reach the page")
}

func TestChromeDispatchJSEventEscapesSelector(t *testing.T) {
	t.Parallel()

	got := &callLog{}
	s, err := newTestSession(t, func(expr string) (string, bool) {
		got.add(expr)
		return "true", true
	})
	require.NoError(t, err)

	require.NoError(t, s.chrome.DispatchJSEvent(context.Background(), `a[title="x\"y"]`, "click"))
	assert.Equal(t, `window._DOMAnalyzer.dispatchCustomEvent("a[title=\"x\\\"y\"]", "click")`, got.snapshot()[0])
}

func listenerPage(prefix string, total, start, count int) string {
	var items []string
	for i := start; i < total && i < start+count; i++ {
		items = append(items, fmt.Sprintf(
			`{"event_type":"click","selector":"#%s%d","tag_name":"button","node_type":1,"handler":"f"}`,
			prefix, i))
	}
	return "[" + strings.Join(items, ",") + "]"
}

func parsePage(expr string) (start, count int) {
	open := strings.LastIndex(expr, "(")
	args := strings.Split(strings.TrimSuffix(expr[open+1:], ")"), ", ")
	_, _ = fmt.Sscanf(args[len(args)-2]+" "+args[len(args)-1], "%d %d", &start, &count)
	return start, count
}

func TestChromeEventListeners(t *testing.T) {
	t.Parallel()

	exprs := &callLog{}
	s, err := newTestSession(t, func(expr string) (string, bool) {
		exprs.add(expr)
		start, count := parsePage(expr)
		switch {
		case strings.Contains(expr, "getEventListeners"):
			return listenerPage("js", 25, start, count), true
		case strings.Contains(expr, "getElementsWithEventHandlers"):
			return listenerPage("html", 3, start, count), true
		}
		return "", false
	})
	require.NoError(t, err)
	ctx := context.Background()

	var selectors []string
	for l := range s.chrome.JSEventListeners(ctx, common.EventListenerFilter{}) {
		_, sel := l.TypeSelector()
		selectors = append(selectors, sel)
	}
	require.Len(t, selectors, 25)
	assert.Equal(t, "#js0", selectors[0])
	assert.Equal(t, "#js24", selectors[24])
	assert.Equal(t, []string{
		`window._DOMAnalyzer.getEventListeners([], [], 0, 20)`,
		`window._DOMAnalyzer.getEventListeners([], [], 20, 20)`,
	}, exprs.snapshot())

	exprs.reset()
	filter := common.EventListenerFilter{EventTypes: []string{"click", "submit"}, TagNames: []string{"form"}}
	all := slices.Collect(s.chrome.AllEventListeners(ctx, filter))
	require.Len(t, all, 28)
	_, first := all[0].TypeSelector()
	_, last := all[27].TypeSelector()
	assert.Equal(t, "#js0", first)
	assert.Equal(t, "#html2", last)
	assert.Equal(t,
		`window._DOMAnalyzer.getEventListeners(["click","submit"], ["form"], 0, 20)`,
		exprs.snapshot()[0])
	assert.Equal(t,
		`window._DOMAnalyzer.getElementsWithEventHandlers(["click","submit"], ["form"], 0, 20)`,
		exprs.snapshot()[2])

	exprs.reset()
	for range s.chrome.HTMLEventListeners(ctx, common.EventListenerFilter{}) {
		break
	}
	assert.Len(t, exprs.snapshot(), 1, "stopping early must not fetch another page")
}

func TestChromeEventListenersPageSize(t *testing.T) {
	t.Parallel()

	calls := &callLog{}
	s, err := newTestSession(t, func(expr string) (string, bool) {
		calls.add(expr)
		start, count := parsePage(expr)
		return listenerPage("js", 6, start, count), true
	}, func(_ *testSession, o *Options, _ *Collaborators) {
		o.PageSize = null.IntFrom(3)
	})
	require.NoError(t, err)

	got := slices.Collect(s.chrome.JSEventListeners(context.Background(), common.EventListenerFilter{}))
	assert.Len(t, got, 6)
	assert.Len(t, calls.snapshot(), 3, "an exactly full page needs one more empty fetch")
}

func TestChromeTimers(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, func(expr string) (string, bool) {
		switch {
		case strings.Contains(expr, "getSetTimeouts(0,"):
			return `[{"function_source":"function(){}","timeout":100},{"function_source":"g","timeout":0}]`, true
		case strings.Contains(expr, "getSetIntervals"):
			return `[]`, true
		}
		return "", false
	})
	require.NoError(t, err)
	ctx := context.Background()

	timeouts := slices.Collect(s.chrome.JSSetTimeouts(ctx))
	require.Len(t, timeouts, 2)
	assert.Equal(t, "function(){}", timeouts[0]["function_source"])
	assert.InDelta(t, 100, timeouts[0]["timeout"], 0)

	assert.Empty(t, slices.Collect(s.chrome.JSSetIntervals(ctx)))
}

func TestChromePageQueries(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, func(expr string) (string, bool) {
		switch expr {
		case "document.location.href":
			return `"http://example.com/a"`, true
		case "document.documentElement.outerHTML":
			return `"<html><body></body></html>"`, true
		case "window.errors":
			return `[{"message":"boom"}]`, true
		case "window.answer":
			return `42`, true
		}
		return "", false
	})
	require.NoError(t, err)
	ctx := context.Background()

	u, err := s.chrome.URL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/a", u)

	dom, ok := s.chrome.DOM(ctx)
	require.True(t, ok)
	assert.Equal(t, "<html><body></body></html>", dom)

	errs, ok := s.chrome.JSErrors(ctx)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Equal(t, map[string]any{"message": "boom"}, errs[0])

	v, ok := s.chrome.JSVariableValue(ctx, "window.answer")
	require.True(t, ok)
	assert.InDelta(t, 42, v, 0)

	_, ok = s.chrome.JSVariableValue(ctx, "window.missing")
	assert.False(t, ok)
}

func TestChromeURLNoResult(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil)
	require.NoError(t, err)

	_, err = s.chrome.URL(context.Background())
	require.ErrorIs(t, err, ErrNoResult)

	_, ok := s.chrome.DOM(context.Background())
	assert.False(t, ok)
}

func TestChromeHistory(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil)
	require.NoError(t, err)
	ctx := context.Background()

	current, entries, err := s.chrome.NavigationHistory(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, current)
	require.Len(t, entries, 2)

	id, err := s.chrome.NavigationHistoryIndex(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, id)

	require.NoError(t, s.chrome.NavigateToHistoryIndex(ctx, 1))
	assert.Equal(t, common.PageStateLoading, s.chrome.PageState())
	assert.EqualValues(t, 1, gjson.Get(s.rec.Params("Page.navigateToHistoryEntry")[0], "entryId").Int())
}

func TestChromeCaptureScreenshot(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil)
	require.NoError(t, err)

	data, err := s.chrome.CaptureScreenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("PNG"), data)
}

func TestChromeConsoleMessages(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil)
	require.NoError(t, err)

	s.server.Emit(common.EventConsoleAPICalled,
		`{"type":"log","args":[{"type":"string","value":"hello"},{"type":"number","value":1}],"executionContextId":1,"timestamp":1700000000000}`)
	s.server.Emit(common.EventConsoleAPICalled,
		`{"type":"warn","args":[{"type":"string","value":"careful"}],"executionContextId":1,"timestamp":1700000000001}`)

	var got []*common.ConsoleMessage
	require.Eventually(t, func() bool {
		got = append(got, slices.Collect(s.chrome.ConsoleMessages())...)
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "log", got[0].Type)
	assert.Equal(t, "hello 1", got[0].Text())
	assert.Equal(t, "warn", got[1].Type)
	assert.Empty(t, slices.Collect(s.chrome.ConsoleMessages()))
}

func TestChromeDialogs(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil)
	require.NoError(t, err)

	s.server.Emit(common.EventJavascriptDialogOpening,
		`{"url":"http://example.com/","message":"sure?","type":"confirm","hasBrowserHandler":false}`)
	require.Eventually(t, func() bool {
		return s.rec.Count("Page.handleJavaScriptDialog") == 1
	}, time.Second, 10*time.Millisecond)
	reply := s.rec.Params("Page.handleJavaScriptDialog")[0]
	assert.True(t, gjson.Get(reply, "accept").Bool())
	assert.Equal(t, DefaultPromptText, gjson.Get(reply, "promptText").String())
	assert.True(t, s.logs.Contains("sure?"))

	require.NoError(t, s.chrome.SetDialogHandler(func(dialogType, message string) (bool, string) {
		return false, ""
	}))
	s.server.Emit(common.EventJavascriptDialogOpening,
		`{"url":"http://example.com/","message":"leave?","type":"beforeunload","hasBrowserHandler":false}`)
	require.Eventually(t, func() bool {
		return s.rec.Count("Page.handleJavaScriptDialog") == 2
	}, time.Second, 10*time.Millisecond)
	assert.False(t, gjson.Get(s.rec.Params("Page.handleJavaScriptDialog")[1], "accept").Bool())
}

func TestChromeMemoryUsage(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil)
	require.NoError(t, err)

	var gotPids []int
	s.memory = func(pids []int) (int64, int64, error) {
		gotPids = pids
		return 100, 20, nil
	}
	private, shared, ok := s.chrome.MemoryUsage()
	require.True(t, ok)
	assert.EqualValues(t, 100, private)
	assert.EqualValues(t, 20, shared)
	assert.Equal(t, []int{4242, 4243, 4244}, gotPids)

	s.memory = func([]int) (int64, int64, error) { return 0, 0, errors.New("gone") }
	_, _, ok = s.chrome.MemoryUsage()
	assert.False(t, ok)

	s.process.pid = -1
	_, _, ok = s.chrome.MemoryUsage()
	assert.False(t, ok)
}

func TestChromeDebuggingID(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil, func(_ *testSession, o *Options, _ *Collaborators) {
		o.DebuggingID = null.StringFrom("scan-1")
	})
	require.NoError(t, err)

	assert.Equal(t, "scan-1", s.chrome.DebuggingID())
	assert.Equal(t, "scan-1", s.proxy.did)
	assert.Equal(t, "scan-1", s.process.did)

	s.chrome.SetDebuggingID("scan-2")
	assert.Equal(t, "scan-2", s.chrome.DebuggingID())
	assert.Equal(t, "scan-2", s.proxy.did)
	assert.Equal(t, "scan-2", s.process.did)
}

func TestChromeTerminate(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil)
	require.NoError(t, err)
	ctx := context.Background()

	s.chrome.Terminate()
	assert.Equal(t, []string{"proxy.Stop", "process.Terminate"}, s.calls.snapshot()[5:])
	require.Eventually(t, func() bool { return s.server.Connected() == 0 }, time.Second, 10*time.Millisecond)

	s.chrome.Terminate()
	assert.Len(t, s.calls.snapshot(), 7, "terminating twice must not repeat the teardown")

	assert.ErrorIs(t, s.chrome.LoadURL(ctx, "http://example.com/"), ErrTerminated)
	assert.ErrorIs(t, s.chrome.Stop(ctx), ErrTerminated)
	assert.ErrorIs(t, s.chrome.DispatchJSEvent(ctx, "#a", "click"), ErrTerminated)
	_, err = s.chrome.URL(ctx)
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = s.chrome.CaptureScreenshot(ctx)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.ErrorIs(t, s.chrome.SetDialogHandler(nil), ErrTerminated)
	assert.Empty(t, slices.Collect(s.chrome.JSEventListeners(ctx, common.EventListenerFilter{})))
	assert.Empty(t, slices.Collect(s.chrome.ConsoleMessages()))
	_, _, ok := s.chrome.MemoryUsage()
	assert.False(t, ok)
	assert.Equal(t, -1, s.chrome.Pid())
	assert.Empty(t, s.chrome.ProxyAddress())
	assert.Nil(t, s.chrome.FirstRequest())
	assert.Nil(t, s.chrome.FirstResponse())
	assert.Equal(t, common.PageStateNone, s.chrome.PageState())
}

func TestChromeTerminateFaultTolerant(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil, func(s *testSession, _ *Options, _ *Collaborators) {
		s.proxy.stopErr = errors.New("listener stuck")
		s.process.terminatePanic = true
	})
	require.NoError(t, err)

	assert.NotPanics(t, s.chrome.Terminate)
	assert.Equal(t, []string{"proxy.Stop", "process.Terminate"}, s.calls.snapshot()[5:])
	assert.True(t, s.logs.Contains("stopping proxy: listener stuck"))
	assert.True(t, s.logs.Contains("terminating browser: panic: terminate exploded"))
	require.Eventually(t, func() bool { return s.server.Connected() == 0 }, time.Second, 10*time.Millisecond)
}

func TestChromeTerminateRestoresLogging(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil)
	require.NoError(t, err)

	s.chrome.Terminate()
	assert.False(t, s.chrome.logger.Suppressed())
}

// noisyConnection logs while closing and then panics.
type noisyConnection struct {
	*common.Connection
	logger *log.Logger
}

func (c *noisyConnection) Close() error {
	c.logger.Errorf("Connection:Close", "read on closed connection")
	_ = c.Connection.Close()
	panic("close exploded")
}

func TestChromeTerminateSuppressesFaultedClose(t *testing.T) {
	t.Parallel()

	s, err := newTestSession(t, nil, func(_ *testSession, _ *Options, co *Collaborators) {
		co.Dial = func(
			ctx context.Context, host string, port int, timeout time.Duration, logger *log.Logger,
		) (ProtocolConnection, error) {
			conn, err := common.Dial(ctx, host, port, timeout, logger)
			if err != nil {
				return nil, err
			}
			return &noisyConnection{Connection: conn, logger: logger}, nil
		}
	})
	require.NoError(t, err)

	assert.NotPanics(t, s.chrome.Terminate)

	assert.False(t, s.logs.Contains("read on closed connection"))
	assert.True(t, s.logs.Contains("closing connection: panic: close exploded"))
	assert.False(t, s.chrome.logger.Suppressed())
	assert.Equal(t, []string{"proxy.Stop", "process.Terminate"}, s.calls.snapshot()[5:])

	s.chrome.logger.Warnf("Chrome:Terminate", "logging after teardown")
	assert.True(t, s.logs.Contains("logging after teardown"))
}
