package cmd

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/liuxd6825/instrumented/common"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.browser.jsErrors = []any{map[string]any{"message": "boom"}}
	ts.browser.console = []*common.ConsoleMessage{{Type: "log", Args: []any{"hello", 1.0}}}
	ts.run("load", "http://example.com/")

	out := ts.stdOut.String()
	assert.Contains(t, out, "url: http://example.com/final\nstate: loaded\n")
	assert.Contains(t, out, "  1 about:blank\n* 4 http://example.com/final\n")
	assert.Contains(t, out, "js error: map[message:boom]\n")
	assert.Contains(t, out, "console.log: hello 1\n")
	assert.Contains(t, out, "memory: 2048 private, 512 shared\n")
	assert.Equal(t, []string{"http://example.com/"}, ts.browser.loads)
	assert.True(t, ts.browser.terminated)
}

func TestLoadLogsConsoleMessages(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.browser.console = []*common.ConsoleMessage{
		{Type: "log", Args: []any{"hello", map[string]any{"n": 1.0}}},
		{Type: "debug", Args: []any{"quiet"}},
	}
	ts.run("--log-format", "raw", "load", "http://example.com/")

	assert.Contains(t, ts.stdErr.String(), "\"hello\" {\"n\":1}\n")
	assert.NotContains(t, ts.stdErr.String(), "quiet", "debug console calls follow the log level")
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.browser.dom = "<html></html>"
	ts.run("load", "--dom", "--format", "json", "http://example.com/")

	var res loadResult
	require.NoError(t, json.Unmarshal([]byte(ts.stdOut.String()), &res))
	assert.Equal(t, "http://example.com/final", res.URL)
	assert.EqualValues(t, 4, res.HistoryIndex)
	assert.Len(t, res.History, 2)
	assert.Equal(t, "<html></html>", res.DOM)
	require.NotNil(t, res.Memory)
	assert.EqualValues(t, 2048, res.Memory.Private)
}

func TestLoadTimeout(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.browser.loadOK = false
	ts.expectedExitCode = 112
	ts.run("load", "--timeout", "2s", "http://example.com/")

	assert.True(t, ts.logs.Contains("http://example.com/ did not load within 2s"))
	assert.True(t, ts.browser.terminated)
}

func TestBrowserStartFailure(t *testing.T) {
	t.Parallel()

	t.Run("launch", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		ts.browserErr = errors.New("starting browser: file does not exist: /nope")
		ts.expectedExitCode = 110
		ts.run("load", "http://example.com/")
		assert.True(t, ts.logs.Contains("file does not exist"))
	})

	t.Run("connection", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		ts.browserErr = &common.ConnectionError{Host: "127.0.0.1", Port: 9222, Err: errors.New("refused")}
		ts.expectedExitCode = 111
		ts.run("listeners", "http://example.com/")
	})
}

func TestListeners(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.browser.loadOK = false
	ts.browser.listeners = []*common.EventListener{
		common.NewEventListener(map[string]any{"event_type": "click", "selector": "#a", "tag_name": "a"}),
		common.NewEventListener(map[string]any{"event_type": "submit", "selector": "form", "tag_name": "form"}),
	}
	ts.browser.timeouts = []map[string]any{{"function_source": "f", "timeout": 250.0}}
	ts.run("listeners", "--event", "click", "--event", "submit", "--tag", "a", "--format", "yaml",
		"http://example.com/")

	assert.True(t, ts.browser.stopped, "a page still loading is stopped")
	assert.Equal(t, []string{"click", "submit"}, ts.browser.filter.EventTypes)
	assert.Equal(t, []string{"a"}, ts.browser.filter.TagNames)

	var res listenersResult
	require.NoError(t, yaml.Unmarshal([]byte(ts.stdOut.String()), &res))
	require.Len(t, res.Listeners, 2)
	assert.Equal(t, "#a", res.Listeners[0]["selector"])
	require.Len(t, res.Timeouts, 1)
	assert.Empty(t, res.Intervals)
}

func TestListenersText(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.browser.listeners = []*common.EventListener{
		common.NewEventListener(map[string]any{"event_type": "click", "selector": "#a", "tag_name": "a"}),
	}
	ts.run("listeners", "http://example.com/")
	assert.Equal(t, "click #a (a)\n", ts.stdOut.String())
}

func TestUnsupportedFormat(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.expectedExitCode = 104
	ts.run("listeners", "--format", "xml", "http://example.com/")
	assert.Zero(t, ts.opened)
}

func TestScreenshot(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.browser.screenshot = []byte("PNG")
	ts.run("screenshot", "-o", "shots/example.png", "http://example.com/")

	data, err := afero.ReadFile(ts.fs, "/test/shots/example.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("PNG"), data)
	assert.Equal(t, "wrote 3 bytes to /test/shots/example.png\n", ts.stdOut.String())
}

func TestScreenshotRequiresOutput(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.expectedExitCode = 1
	ts.run("screenshot", "http://example.com/")
	assert.Zero(t, ts.opened)
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	t.Run("navigates", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		ts.browser.navigates = true
		ts.run("dispatch", "http://example.com/", "#menu a", "click")
		assert.Equal(t, []string{"#menu a click"}, ts.browser.dispatched)
		assert.Equal(t,
			"dispatched click on #menu a\nnavigation started: true\nurl: http://example.com/final\n",
			ts.stdOut.String())
	})

	t.Run("stays", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		ts.run("dispatch", "--format", "json", "http://example.com/", "#menu a", "click")
		var res dispatchResult
		require.NoError(t, json.Unmarshal([]byte(ts.stdOut.String()), &res))
		assert.False(t, res.NavigationStarted)
		assert.Empty(t, res.URL)
	})

	t.Run("invalid_event_type", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		ts.expectedExitCode = 104
		ts.run("dispatch", "http://example.com/", "#a", `click");alert(1);("`)
		assert.Zero(t, ts.opened)
	})

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()

		ts := newGlobalTestState(t)
		ts.browser.dispatch = common.ErrEventRejected
		ts.expectedExitCode = 113
		ts.run("dispatch", "http://example.com/", "#gone", "click")
		assert.True(t, ts.browser.terminated)
	})
}

func TestLoginForms(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.browser.dom = `<html><body><form id="f"><input type="email" id="u"><input type="password" id="p"></form></body></html>`
	ts.run("login-forms", "--format", "json", "http://example.com/login")

	var res []loginFormResult
	require.NoError(t, json.Unmarshal([]byte(ts.stdOut.String()), &res))
	assert.Equal(t, []loginFormResult{{Username: "#u", Password: "#p", Strategy: "enter"}}, res)
}

func TestLoginFormsNoDOM(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.expectedExitCode = 113
	ts.run("login-forms", "http://example.com/login")
}
