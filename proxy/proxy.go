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
// Package proxy implements the HTTP proxy the browser traffic is routed
// through. Plain HTTP exchanges are recorded with their decoded bodies,
// CONNECT requests are tunnelled and recorded as such.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/liuxd6825/instrumented/log"
)

const (
	// maxRecordedBodySize bounds the body kept for a recorded exchange.
	// Larger bodies are still proxied but recorded empty.
	maxRecordedBodySize = 10 << 20
	exchangeQueueSize   = 1000
	dialTimeout         = 30 * time.Second
)

// ErrNotStarted is returned when the proxy is waited for before Start.
var ErrNotStarted = errors.New("proxy not started")

// Exchange is one request seen by the proxy.
type Exchange struct {
	// Request is a copy of the browser request with its body buffered.
	Request *http.Request
	// Response has its body decoded. It is nil for tunnels and failures.
	Response *http.Response
	// Tunnel is true for CONNECT requests.
	Tunnel bool
	// Err is the upstream failure, if any.
	Err error
}

// Proxy is a recording forward proxy.
type Proxy struct {
	host      string
	logger    *log.Logger
	dialer    *net.Dialer
	transport http.RoundTripper

	mu            sync.Mutex
	listener      net.Listener
	server        *http.Server
	started       chan struct{}
	stopped       bool
	debuggingID   string
	firstRequest  *http.Request
	firstResponse *http.Response
	tunnelConns   map[net.Conn]struct{}

	tunnels   sync.WaitGroup
	exchanges chan *Exchange
}

// New returns a proxy that will listen on an ephemeral port of host.
func New(host string, logger *log.Logger) *Proxy {
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &Proxy{
		host:   host,
		logger: logger,
		dialer: dialer,
		transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			// bodies are relayed with the coding the server chose
			DisableCompression: true,
		},
		started:     make(chan struct{}),
		tunnelConns: make(map[net.Conn]struct{}),
		exchanges:   make(chan *Exchange, exchangeQueueSize),
	}
}

// SetDebuggingID sets the id added to log lines.
func (p *Proxy) SetDebuggingID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debuggingID = id
}

func (p *Proxy) did() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.debuggingID
}

// Start listens on an ephemeral port and serves in the background.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return errors.New("proxy already stopped")
	}
	if p.listener != nil {
		return errors.New("proxy already started")
	}

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", net.JoinHostPort(p.host, "0"))
	if err != nil {
		return fmt.Errorf("starting proxy on %s: %w", p.host, err)
	}
	p.listener = l
	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Errorf("Proxy:Serve", "serving: %v (did: %s)", err, p.did())
		}
	}(p.server)
	close(p.started)

	p.logger.Debugf("Proxy:Start", "listening on %s (did: %s)", l.Addr(), p.debuggingID)

	return nil
}

// WaitForStart waits until the proxy accepts connections.
func (p *Proxy) WaitForStart(ctx context.Context) error {
	select {
	case <-p.started:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for the proxy: %w", ctx.Err())
	default:
	}

	p.mu.Lock()
	listening := p.listener != nil
	p.mu.Unlock()
	if !listening {
		return ErrNotStarted
	}
	return nil
}

// Port returns the listening port, or 0 when not listening.
func (p *Proxy) Port() int {
	addr := p.Addr()
	if addr == "" {
		return 0
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// Addr returns the listening address, or an empty string when not
// listening.
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil || p.stopped {
		return ""
	}
	return p.listener.Addr().String()
}

// FirstRequest returns the first request the browser sent, or nil.
func (p *Proxy) FirstRequest() *http.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstRequest
}

// FirstResponse returns the first response relayed back to the browser,
// or nil.
func (p *Proxy) FirstResponse() *http.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstResponse
}

// Exchanges returns the queue of recorded exchanges. The queue is bounded:
// exchanges are dropped while it is full.
func (p *Proxy) Exchanges() <-chan *Exchange {
	return p.exchanges
}

// Stop closes the listener, every client connection and every tunnel.
// It is safe to call more than once.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	srv := p.server
	for c := range p.tunnelConns {
		_ = c.Close()
	}
	did := p.debuggingID
	p.mu.Unlock()

	if srv == nil {
		return nil
	}
	p.logger.Debugf("Proxy:Stop", "stopping (did: %s)", did)

	err := srv.Close()
	p.tunnels.Wait()
	if t, ok := p.transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	if err != nil {
		return fmt.Errorf("stopping proxy: %w", err)
	}
	return nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.logger.Tracef("Proxy:ServeHTTP", "%s %s (did: %s)", r.Method, r.RequestURI, p.did())

	switch {
	case r.Method == http.MethodConnect:
		p.tunnel(w, r)
	case !r.URL.IsAbs():
		http.Error(w, "this is a proxy server, requests must use an absolute URL", http.StatusBadRequest)
	default:
		p.forward(w, r)
	}
}

func (p *Proxy) record(ex *Exchange) {
	p.mu.Lock()
	if p.firstRequest == nil {
		p.firstRequest = ex.Request
	}
	if p.firstResponse == nil && ex.Response != nil {
		p.firstResponse = ex.Response
	}
	did := p.debuggingID
	p.mu.Unlock()

	select {
	case p.exchanges <- ex:
	default:
		p.logger.Debugf("Proxy", "exchange queue full, dropping %s (did: %s)", ex.Request.URL, did)
	}
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request) {
	reqBody, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("reading request body: %v", err), http.StatusBadRequest)
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Body = io.NopCloser(bytes.NewReader(reqBody))
	out.ContentLength = int64(len(reqBody))
	removeHopHeaders(out.Header)

	recorded := r.Clone(context.Background())
	recorded.Body = io.NopCloser(bytes.NewReader(reqBody))
	recorded.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(reqBody)), nil
	}

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		p.logger.Debugf("Proxy:forward", "%s %s: %v (did: %s)", r.Method, r.URL, err, p.did())
		p.record(&Exchange{Request: recorded, Err: err})
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	header := resp.Header.Clone()
	removeHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	capture := &limitedBuffer{limit: maxRecordedBodySize}
	_, copyErr := io.Copy(w, io.TeeReader(resp.Body, capture))

	p.record(&Exchange{
		Request:  recorded,
		Response: p.recordedResponse(resp, header, recorded, capture),
		Err:      copyErr,
	})
}

func (p *Proxy) recordedResponse(
	resp *http.Response, header http.Header, req *http.Request, capture *limitedBuffer,
) *http.Response {
	body := capture.Bytes()
	if capture.truncated {
		body = nil
	} else if enc := header.Get("Content-Encoding"); enc != "" {
		decoded, err := DecodeBody(enc, body)
		if err != nil {
			p.logger.Debugf("Proxy", "%s: %v (did: %s)", req.URL, err, p.did())
		} else {
			body = decoded
			header.Del("Content-Encoding")
			header.Del("Content-Length")
		}
	}

	return &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Proto:         resp.Proto,
		ProtoMajor:    resp.ProtoMajor,
		ProtoMinor:    resp.ProtoMinor,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func (p *Proxy) tunnel(w http.ResponseWriter, r *http.Request) {
	recorded := r.Clone(context.Background())
	recorded.Body = http.NoBody

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	upstream, err := p.dialer.DialContext(r.Context(), "tcp", r.Host)
	if err != nil {
		p.logger.Debugf("Proxy:tunnel", "dialing %s: %v (did: %s)", r.Host, err, p.did())
		p.record(&Exchange{Request: recorded, Tunnel: true, Err: err})
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	client, rw, err := hj.Hijack()
	if err != nil {
		_ = upstream.Close()
		p.logger.Debugf("Proxy:tunnel", "hijacking: %v (did: %s)", err, p.did())
		return
	}
	if !p.trackTunnel(client, upstream) {
		_ = client.Close()
		_ = upstream.Close()
		return
	}
	defer p.untrackTunnel(client, upstream)

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}
	p.record(&Exchange{Request: recorded, Tunnel: true})

	pipe(client, rw.Reader, upstream)
}

// pipe copies in both directions until either side is done.
func pipe(client net.Conn, clientReader *bufio.Reader, upstream net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, clientReader)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		done <- struct{}{}
	}()
	<-done
}

func (p *Proxy) trackTunnel(conns ...net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.tunnels.Add(1)
	for _, c := range conns {
		p.tunnelConns[c] = struct{}{}
	}
	return true
}

func (p *Proxy) untrackTunnel(conns ...net.Conn) {
	p.mu.Lock()
	for _, c := range conns {
		delete(p.tunnelConns, c)
		_ = c.Close()
	}
	p.mu.Unlock()
	p.tunnels.Done()
}

// Hop-by-hop headers, removed when forwarding.
//
//nolint:gochecknoglobals
var hopHeaders = [...]string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range bytes.Split([]byte(f), []byte(",")) {
			h.Del(string(bytes.TrimSpace(name)))
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); len(p) > room {
		b.truncated = true
		if room > 0 {
			_, _ = b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p) //nolint:wrapcheck
}
