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
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/tidwall/gjson"

	"github.com/liuxd6825/instrumented/log"
)

const (
	wsWriteBufferSize  = 1 << 20
	maxTargetListSize  = 1 << 20
	dialogReplyTimeout = 10 * time.Second
)

var _ cdp.Executor = &Connection{}

// EventHandler receives every inbound event, one at a time and in arrival
// order. It runs on the receive goroutine and must not block.
type EventHandler func(Event)

// DialogHandler decides how a JavaScript dialog is answered.
type DialogHandler func(dialogType, message string) (accept bool, promptText string)

/*
Connection is a protocol connection to a single page target.

A receive goroutine reads messages from the websocket. Responses are handed
to the Execute call waiting on their id; events are parsed and passed to the
event handler in order. JavaScript dialogs are answered from their own
goroutine, since the reply needs the receive goroutine to make progress.
Console messages are buffered until read.
*/
type Connection struct {
	ctx          context.Context
	wsURL        string
	logger       *log.Logger
	conn         *websocket.Conn
	sendCh       chan *cdproto.Message
	done         chan struct{}
	shutdownOnce sync.Once
	msgID        int64
	debuggingID  atomic.Value

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	handlersMu    sync.RWMutex
	eventHandler  EventHandler
	dialogHandler DialogHandler

	console consoleBuffer

	// dialogsMu orders dialogs.Add against the Wait in Close.
	dialogsMu     sync.Mutex
	dialogsClosed bool
	dialogs       sync.WaitGroup

	// Reuse the easyjson structs to avoid allocs per Read/Write.
	decoder jlexer.Lexer
	encoder jwriter.Writer
}

// Dial connects to the first page target of the browser whose DevTools
// endpoint listens on host:port, retrying target discovery until timeout.
// Failures are returned as *ConnectionError.
func Dial(ctx context.Context, host string, port int, timeout time.Duration, logger *log.Logger) (*Connection, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		wsURL string
		err   error
	)
	for {
		if wsURL, err = DiscoverPageURL(dctx, host, port); err == nil {
			break
		}
		logger.Debugf("Connection:Dial", "page target on %s:%d not ready: %v", host, port, err)
		select {
		case <-dctx.Done():
			return nil, &ConnectionError{Host: host, Port: port, Err: err}
		case <-time.After(PollInterval):
		}
	}

	conn, err := NewConnection(dctx, ctx, wsURL, logger)
	if err != nil {
		return nil, &ConnectionError{Host: host, Port: port, Err: err}
	}
	return conn, nil
}

// DiscoverPageURL asks the DevTools HTTP endpoint for its targets and
// returns the websocket URL of the first page.
func DiscoverPageURL(ctx context.Context, host string, port int) (string, error) {
	u := fmt.Sprintf("http://%s/json/list", net.JoinHostPort(host, strconv.Itoa(port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	// the browser proxies its own traffic, never this request
	client := &http.Client{Transport: &http.Transport{Proxy: nil, DisableKeepAlives: true}}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("listing targets: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTargetListSize))
	if err != nil {
		return "", fmt.Errorf("listing targets: %w", err)
	}
	ws := gjson.GetBytes(body, `#(type=="page").webSocketDebuggerUrl`)
	if ws.String() == "" {
		return "", errors.New("no page target")
	}
	return ws.String(), nil
}

// NewConnection opens the websocket at wsURL. dialCtx bounds the handshake
// while ctx is the lifetime of the connection.
func NewConnection(dialCtx, ctx context.Context, wsURL string, logger *log.Logger) (*Connection, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, connErr := wsd.DialContext(dialCtx, wsURL, nil)
	if connErr != nil {
		return nil, connErr
	}

	c := Connection{
		ctx:     ctx,
		wsURL:   wsURL,
		logger:  logger,
		conn:    conn,
		sendCh:  make(chan *cdproto.Message, 32), // Avoid blocking in Execute
		done:    make(chan struct{}),
		pending: make(map[int64]chan *cdproto.Message),
	}
	c.debuggingID.Store("")

	go c.recvLoop()
	go c.sendLoop()

	return &c, nil
}

// SetEventHandler replaces the handler receiving inbound events.
func (c *Connection) SetEventHandler(h EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.eventHandler = h
}

// SetDialogHandler replaces the handler answering JavaScript dialogs.
func (c *Connection) SetDialogHandler(h DialogHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.dialogHandler = h
}

// SetDebuggingID sets the id added to the log lines of this connection.
func (c *Connection) SetDebuggingID(id string) {
	c.debuggingID.Store(id)
}

func (c *Connection) did() string {
	id, _ := c.debuggingID.Load().(string)
	return id
}

// ReadConsoleMessage pops the oldest buffered console message.
func (c *Connection) ReadConsoleMessage() (*ConsoleMessage, bool) {
	return c.console.pop()
}

// Close closes the websocket. Pending and later requests fail with
// ErrConnectionClosed. Calling Close more than once is a no-op.
func (c *Connection) Close() error {
	err := c.closeConnection(websocket.CloseNormalClosure)

	c.dialogsMu.Lock()
	c.dialogsClosed = true
	c.dialogsMu.Unlock()
	c.dialogs.Wait()

	return err
}

// closeConnection cleanly closes the WebSocket connection.
// Returns an error if sending the close control frame fails.
func (c *Connection) closeConnection(code int) error {
	var err error

	c.shutdownOnce.Do(func() {
		c.logger.Debugf("Connection:Close", "closing %s with code %d (did: %s)", c.wsURL, code, c.did())
		defer func() {
			_ = c.conn.Close()

			// Stop the send loop and unblock pending requests
			close(c.done)
		}()

		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(10*time.Second),
		)
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})

	return err
}

func (c *Connection) handleIOError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Errorf("Connection:IO", "unexpected close of %s: %v (did: %s)", c.wsURL, err, c.did())
	}
	code := websocket.CloseGoingAway
	var cerr *websocket.CloseError
	if errors.As(err, &cerr) {
		code = cerr.Code
	}
	_ = c.closeConnection(code)
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Debugf("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		c.decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&c.decoder)
		if err := c.decoder.Error(); err != nil {
			c.logger.Debugf("cdp", "ignoring undecodable message: %v", err)
			continue
		}

		switch {
		case msg.ID != 0:
			c.resolve(&msg)
		case msg.Method != "":
			c.dispatch(string(msg.Method), msg.Params)
		default:
			c.logger.Errorf("cdp", "ignoring malformed incoming message (missing id or method): %s", buf)
		}
	}
}

func (c *Connection) resolve(msg *cdproto.Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debugf("cdp", "dropping response to unknown request %d", msg.ID)
		return
	}
	ch <- msg
}

func (c *Connection) dispatch(method string, params []byte) {
	ev := ParseEvent(method, params)

	switch e := ev.(type) {
	case *DialogOpeningEvent:
		c.startDialogReply(e)
	case *ConsoleAPICalledEvent:
		if c.console.push(newConsoleMessage(e)) {
			c.logger.Debugf("Connection:Console", "console buffer full, dropped oldest message (did: %s)", c.did())
		}
	}

	c.handlersMu.RLock()
	h := c.eventHandler
	c.handlersMu.RUnlock()
	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("Connection:Event", "handler panicked on %s: %v (did: %s)", method, r, c.did())
		}
	}()
	h(ev)
}

// startDialogReply answers ev from its own goroutine unless Close has
// started waiting for the outstanding replies.
func (c *Connection) startDialogReply(ev *DialogOpeningEvent) bool {
	c.dialogsMu.Lock()
	defer c.dialogsMu.Unlock()
	if c.dialogsClosed {
		c.logger.Debugf("Connection:Dialog", "not answering %s dialog on a closed connection (did: %s)", ev.Type, c.did())
		return false
	}
	c.dialogs.Add(1)
	go c.answerDialog(ev)
	return true
}

func (c *Connection) answerDialog(ev *DialogOpeningEvent) {
	defer c.dialogs.Done()

	c.handlersMu.RLock()
	h := c.dialogHandler
	c.handlersMu.RUnlock()

	accept, promptText := true, ""
	if h != nil {
		accept, promptText = h(ev.Type, ev.Message)
	}

	action := page.HandleJavaScriptDialog(accept)
	if promptText != "" {
		action = action.WithPromptText(promptText)
	}

	ctx, cancel := context.WithTimeout(c.ctx, dialogReplyTimeout)
	defer cancel()
	if err := action.Do(cdp.WithExecutor(ctx, c)); err != nil {
		c.logger.Debugf("Connection:Dialog", "answering %s dialog failed: %v (did: %s)", ev.Type, err, c.did())
	}
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			c.encoder = jwriter.Writer{}
			msg.MarshalEasyJSON(&c.encoder)
			if err := c.encoder.Error; err != nil {
				c.logger.Errorf("cdp", "encoding %s: %v", msg.Method, err)
				c.fail(msg.ID, err)
				continue
			}

			buf, _ := c.encoder.BuildBytes()
			c.logger.Debugf("cdp:send", "-> %s", buf)
			writer, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.handleIOError(err)
				return
			}
			if _, err := writer.Write(buf); err != nil {
				c.handleIOError(err)
				return
			}
			if err := writer.Close(); err != nil {
				c.handleIOError(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// fail resolves the request id with a local error.
func (c *Connection) fail(id int64, err error) {
	c.resolve(&cdproto.Message{ID: id, Error: &cdproto.Error{Message: err.Error()}})
}

// Execute implements cdp.Executor and performs a synchronous send and receive.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}

	id := atomic.AddInt64(&c.msgID, 1)
	// buffered so that resolve never blocks the receive goroutine
	ch := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	select {
	case c.sendCh <- msg:
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case msg := <-ch:
		switch {
		case msg.Error != nil:
			return msg.Error
		case res != nil:
			return easyjson.Unmarshal(msg.Result, res)
		}
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
