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
	"net/http"
	"time"

	"github.com/chromedp/cdproto/cdp"

	"github.com/liuxd6825/instrumented/chromium"
	"github.com/liuxd6825/instrumented/common"
	"github.com/liuxd6825/instrumented/log"
	"github.com/liuxd6825/instrumented/proxy"
)

// ProxyServer is the proxy the browser traffic goes through.
type ProxyServer interface {
	Start(ctx context.Context) error
	WaitForStart(ctx context.Context) error
	Port() int
	SetDebuggingID(id string)
	Stop() error
	FirstRequest() *http.Request
	FirstResponse() *http.Response
}

// ProcessSupervisor owns the browser process tree.
type ProcessSupervisor interface {
	SetProxy(host string, port int)
	Start(ctx context.Context) error
	WaitForStart(ctx context.Context) error
	DevToolsPort() int
	ParentPid() int
	ChildrenPids() []int
	SetDebuggingID(id string)
	Terminate() error
}

// ProtocolConnection is the DevTools protocol session of the page.
type ProtocolConnection interface {
	cdp.Executor
	SetEventHandler(h common.EventHandler)
	SetDialogHandler(h common.DialogHandler)
	ReadConsoleMessage() (*common.ConsoleMessage, bool)
	SetDebuggingID(id string)
	Close() error
}

// DialFunc opens the protocol connection to the page of the browser whose
// DevTools endpoint listens on host:port.
type DialFunc func(
	ctx context.Context, host string, port int, timeout time.Duration, logger *log.Logger,
) (ProtocolConnection, error)

// MemoryAccountant returns the private and shared memory, in bytes, used
// by pids.
type MemoryAccountant func(pids []int) (private, shared int64, err error)

var (
	_ ProxyServer        = &proxy.Proxy{}
	_ ProcessSupervisor  = &chromium.Process{}
	_ ProtocolConnection = &common.Connection{}
)

func dialConnection(
	ctx context.Context, host string, port int, timeout time.Duration, logger *log.Logger,
) (ProtocolConnection, error) {
	conn, err := common.Dial(ctx, host, port, timeout, logger)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	return conn, nil
}
