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
// Package ws provides a fake DevTools endpoint: a target list and a
// scriptable CDP websocket, for tests that need a protocol peer without a
// real browser.
package ws

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/mccutchen/go-httpbin/httpbin"
	"github.com/stretchr/testify/require"
)

// CDPHandlerFunc answers a single message read from a client. Replies and
// events are written to writeCh; done is closed once the client is gone.
type CDPHandlerFunc func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{})

// Server can be used as a test alternative to a real CDP compatible browser.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server

	mu    sync.Mutex
	peers []*peer
}

type peer struct {
	writeCh chan cdproto.Message
	done    chan struct{}
}

// NewServer returns a fully configured and running WS test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	// Create a http.ServeMux and set the httpbin handler as the default
	mux := http.NewServeMux()
	mux.Handle("/", httpbin.New().Handler())

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	s := &Server{
		t:          t,
		Mux:        mux,
		ServerHTTP: server,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Host returns the host the server listens on.
func (s *Server) Host() string {
	u, err := url.Parse(s.ServerHTTP.URL)
	require.NoError(s.t, err)
	return u.Hostname()
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	u, err := url.Parse(s.ServerHTTP.URL)
	require.NoError(s.t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(s.t, err)
	return port
}

// WSURL returns the websocket URL of path on this server.
func (s *Server) WSURL(path string) string {
	u, err := url.Parse(s.ServerHTTP.URL)
	require.NoError(s.t, err)
	return fmt.Sprintf("ws://%s%s", u.Host, path)
}

// Emit sends an event to every connected CDP client.
func (s *Server) Emit(method string, params string) {
	s.mu.Lock()
	peers := append([]*peer(nil), s.peers...)
	s.mu.Unlock()

	msg := cdproto.Message{
		Method: cdproto.MethodType(method),
		Params: easyjson.RawMessage(params),
	}
	for _, p := range peers {
		select {
		case p.writeCh <- msg:
		case <-p.done:
		}
	}
}

// Connected returns the number of connected CDP clients.
func (s *Server) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) addPeer(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append(s.peers, p)
}

func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.peers {
		if q == p {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			return
		}
	}
}

// WithTargetList serves /json/list with a single page target whose
// websocket is wsPath on this server.
func WithTargetList(wsPath string) func(*Server) {
	return func(s *Server) {
		s.Mux.HandleFunc("/json/list", func(w http.ResponseWriter, req *http.Request) {
			host := net.JoinHostPort(s.Host(), strconv.Itoa(s.Port()))
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `[
				{"id":"browser","type":"browser","webSocketDebuggerUrl":"ws://%[1]s/devtools/browser"},
				{"id":"target_id_0123456789","type":"page","title":"","url":"about:blank",
				 "webSocketDebuggerUrl":"ws://%[1]s%[2]s"}
			]`, host, wsPath)
		})
	}
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		// This forces a connection closure without a proper WS close message exchange
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithCDPHandler attaches a custom CDP handler function to Server. Every
// command read is recorded in rec when it is not nil.
func WithCDPHandler(path string, fn CDPHandlerFunc, rec *Recorder) func(*Server) {
	return func(s *Server) {
		handler := func(w http.ResponseWriter, req *http.Request) {
			conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
			if err != nil {
				return
			}
			defer conn.Close() //nolint:errcheck

			p := &peer{
				writeCh: make(chan cdproto.Message),
				done:    make(chan struct{}),
			}
			s.addPeer(p)
			defer s.removePeer(p)

			go func() {
				read := func(conn *websocket.Conn) (*cdproto.Message, error) {
					_, buf, err := conn.ReadMessage()
					if err != nil {
						return nil, err
					}

					var msg cdproto.Message
					decoder := jlexer.Lexer{Data: buf}
					msg.UnmarshalEasyJSON(&decoder)
					if err := decoder.Error(); err != nil {
						return nil, err
					}

					return &msg, nil
				}

				for {
					msg, err := read(conn)
					if err != nil {
						close(p.done)
						return
					}

					if msg.Method != "" && rec != nil {
						rec.record(msg)
					}

					fn(conn, msg, p.writeCh, p.done)
				}
			}()

			write := func(conn *websocket.Conn, msg *cdproto.Message) {
				encoder := jwriter.Writer{}
				msg.MarshalEasyJSON(&encoder)
				if err := encoder.Error; err != nil {
					return
				}

				writer, err := conn.NextWriter(websocket.TextMessage)
				if err != nil {
					return
				}
				if _, err := encoder.DumpTo(writer); err != nil {
					return
				}
				_ = writer.Close()
			}

			for {
				select {
				case msg := <-p.writeCh:
					write(conn, &msg)
				case <-p.done:
					return
				}
			}
		}
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// Reply queues msg unless the client is gone.
func Reply(writeCh chan cdproto.Message, done chan struct{}, msg cdproto.Message) {
	select {
	case writeCh <- msg:
	case <-done:
	}
}

// Canned results of CDPDefaultHandler.
const (
	NavigateResult = `{"frameId":"frame_id_0123456789","loaderId":"loader_id_0123456789"}`
	HistoryResult  = `{
		"currentIndex": 1,
		"entries": [
			{"id": 1, "url": "about:blank", "userTypedURL": "about:blank", "title": "", "transitionType": "typed"},
			{"id": 3, "url": "http://127.0.0.1/", "userTypedURL": "http://127.0.0.1/", "title": "", "transitionType": "typed"}
		]
	}`
	// ScreenshotData is "PNG" base64 encoded.
	ScreenshotData = "UE5H"
)

// CDPDefaultHandler answers every command with an empty result, except for
// the commands that need a result to be decodable.
func CDPDefaultHandler(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
	if msg.ID == 0 {
		return
	}
	result := "{}"
	switch msg.Method {
	case "Page.navigate":
		result = NavigateResult
	case "Page.addScriptToEvaluateOnNewDocument":
		result = `{"identifier":"1"}`
	case "Page.getNavigationHistory":
		result = HistoryResult
	case "Page.captureScreenshot":
		result = `{"data":"` + ScreenshotData + `"}`
	case "Runtime.evaluate":
		result = `{"result":{"type":"undefined"}}`
	}
	Reply(writeCh, done, cdproto.Message{
		ID:     msg.ID,
		Result: easyjson.RawMessage(result),
	})
}

// Recorder keeps the commands received by a CDP handler.
type Recorder struct {
	mu       sync.Mutex
	messages []cdproto.Message
}

func (r *Recorder) record(msg *cdproto.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, *msg)
}

// Methods returns the received command names in order.
func (r *Recorder) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, string(m.Method))
	}
	return out
}

// Params returns the raw params of every received command named method.
func (r *Recorder) Params(method string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.messages {
		if string(m.Method) == method {
			out = append(out, string(m.Params))
		}
	}
	return out
}

// Count returns how many commands named method were received.
func (r *Recorder) Count(method string) int {
	return len(r.Params(method))
}
