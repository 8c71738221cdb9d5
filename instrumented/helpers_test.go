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
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/instrumented/lib/types"
	"github.com/liuxd6825/instrumented/log"
	"github.com/liuxd6825/instrumented/tests"
	"github.com/liuxd6825/instrumented/tests/ws"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeProxy struct {
	calls    *callLog
	port     int
	startErr error
	stopErr  error
	did      string
	first    *http.Request
}

func (p *fakeProxy) Start(context.Context) error {
	p.calls.add("proxy.Start")
	return p.startErr
}

func (p *fakeProxy) WaitForStart(context.Context) error {
	p.calls.add("proxy.WaitForStart")
	return nil
}

func (p *fakeProxy) Port() int                     { return p.port }
func (p *fakeProxy) SetDebuggingID(id string)      { p.did = id }
func (p *fakeProxy) FirstRequest() *http.Request   { return p.first }
func (p *fakeProxy) FirstResponse() *http.Response { return nil }

func (p *fakeProxy) Stop() error {
	p.calls.add("proxy.Stop")
	return p.stopErr
}

type fakeProcess struct {
	calls          *callLog
	devtools       int
	pid            int
	children       []int
	startErr       error
	terminatePanic bool
	proxyAddr      string
	did            string
}

func (p *fakeProcess) SetProxy(host string, port int) {
	p.calls.add("process.SetProxy")
	p.proxyAddr = net.JoinHostPort(host, strconv.Itoa(port))
}

func (p *fakeProcess) Start(context.Context) error {
	p.calls.add("process.Start")
	return p.startErr
}

func (p *fakeProcess) WaitForStart(context.Context) error {
	p.calls.add("process.WaitForStart")
	return nil
}

func (p *fakeProcess) DevToolsPort() int        { return p.devtools }
func (p *fakeProcess) ParentPid() int           { return p.pid }
func (p *fakeProcess) ChildrenPids() []int      { return p.children }
func (p *fakeProcess) SetDebuggingID(id string) { p.did = id }

func (p *fakeProcess) Terminate() error {
	p.calls.add("process.Terminate")
	if p.terminatePanic {
		panic("terminate exploded")
	}
	return nil
}

// evalResponder returns the JSON value an expression evaluates to, or
// false for undefined.
type evalResponder func(expression string) (string, bool)

func cdpHandler(respond evalResponder) ws.CDPHandlerFunc {
	return func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.Method != "Runtime.evaluate" || respond == nil {
			ws.CDPDefaultHandler(conn, msg, writeCh, done)
			return
		}
		result := `{"result":{"type":"undefined"}}`
		if v, ok := respond(gjson.GetBytes(msg.Params, "expression").String()); ok {
			result = `{"result":{"type":"object","value":` + v + `}}`
		}
		ws.Reply(writeCh, done, cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(result)})
	}
}

type testSession struct {
	chrome  *Chrome
	server  *ws.Server
	rec     *ws.Recorder
	proxy   *fakeProxy
	process *fakeProcess
	calls   *callLog
	logs    *tests.LogCache
	memory  func(pids []int) (int64, int64, error)
}

type sessionOption func(*testSession, *Options, *Collaborators)

func newTestSession(t *testing.T, respond evalResponder, opts ...sessionOption) (*testSession, error) {
	t.Helper()

	s := &testSession{
		rec:   &ws.Recorder{},
		calls: &callLog{},
	}
	s.server = ws.NewServer(t,
		ws.WithTargetList("/devtools/page/1"),
		ws.WithCDPHandler("/devtools/page/1", cdpHandler(respond), s.rec),
	)
	s.proxy = &fakeProxy{calls: s.calls, port: 8118}
	s.process = &fakeProcess{calls: s.calls, devtools: s.server.Port(), pid: 4242, children: []int{4243, 4244}}

	l := logrus.New()
	s.logs = tests.AttachLogCache(l)
	logger := log.New(l, false, nil)

	o := NewOptions()
	o.ChromeHost = null.StringFrom(s.server.Host())
	o.ConnectTimeout = types.NullDurationFrom(5 * time.Second)
	co := Collaborators{
		Proxy:   s.proxy,
		Process: s.process,
		Fs:      afero.NewMemMapFs(),
		Memory: func(pids []int) (int64, int64, error) {
			if s.memory == nil {
				return 0, 0, errors.New("no memory accountant")
			}
			return s.memory(pids)
		},
	}
	for _, opt := range opts {
		opt(s, &o, &co)
	}

	c, err := NewChromeWith(context.Background(), o, logger, co)
	if err != nil {
		return s, err
	}
	s.chrome = c
	t.Cleanup(c.Terminate)

	require.Eventually(t, func() bool { return s.server.Connected() == 1 }, 5*time.Second, 10*time.Millisecond)

	return s, nil
}
