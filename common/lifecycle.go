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
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultPageLoadTimeout bounds WaitForLoad when no timeout is given.
	DefaultPageLoadTimeout = 10 * time.Second
	// DefaultNavigationStartedTimeout bounds NavigationStarted when no
	// timeout is given.
	DefaultNavigationStartedTimeout = 1 * time.Second
	// PollInterval is how often the blocking waits sample the page state.
	PollInterval = 100 * time.Millisecond
)

// PageState is the coarse load state of the controlled page.
type PageState int32

const (
	PageStateNone PageState = iota
	PageStateLoading
	PageStateLoaded
)

func (s PageState) String() string {
	switch s {
	case PageStateNone:
		return "none"
	case PageStateLoading:
		return "loading"
	case PageStateLoaded:
		return "loaded"
	}
	return "unknown"
}

// PageLifecycle infers when the page finished loading from three unordered
// protocol events: the frame stopped loading, the network became almost
// idle and an execution context was created. The page is loaded once all
// three were seen since the last navigation.
//
// Handle is called from the event delivery goroutine while the state is
// read, and the waits run, on caller goroutines. Transitions hold mu so
// that a navigation started concurrently with the last load event is never
// overwritten by a stale LOADED.
type PageLifecycle struct {
	mu    sync.Mutex
	state atomic.Int32

	stoppedLoading          atomic.Bool
	networkAlmostIdle       atomic.Bool
	executionContextCreated atomic.Bool
	navigationScheduled     atomic.Bool
}

// NewPageLifecycle returns a lifecycle in the none state.
func NewPageLifecycle() *PageLifecycle {
	return &PageLifecycle{}
}

// State returns the current page state.
func (l *PageLifecycle) State() PageState {
	return PageState(l.state.Load())
}

// NavigationScheduled reports whether a navigation was announced and none of
// the load events of the new document arrived yet.
func (l *PageLifecycle) NavigationScheduled() bool {
	return l.navigationScheduled.Load()
}

// Handle applies an inbound event. Events that take no part in load
// detection are ignored.
func (l *PageLifecycle) Handle(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch e := ev.(type) {
	case *NavigationScheduledEvent:
		l.resetFlags()
		l.navigationScheduled.Store(true)
		l.state.Store(int32(PageStateLoading))
		return
	case *FrameStoppedLoadingEvent:
		l.navigationScheduled.Store(false)
		l.stoppedLoading.Store(true)
	case *LifecycleEvent:
		if e.Name != LifecycleNetworkAlmostIdle {
			return
		}
		l.navigationScheduled.Store(false)
		l.networkAlmostIdle.Store(true)
	case *ExecutionContextCreatedEvent:
		l.navigationScheduled.Store(false)
		l.executionContextCreated.Store(true)
	default:
		return
	}

	if l.stoppedLoading.Load() && l.networkAlmostIdle.Load() && l.executionContextCreated.Load() {
		l.state.Store(int32(PageStateLoaded))
	}
}

// StartNavigation marks an explicitly requested navigation. It must be
// called before the navigation command is sent so that a wait started right
// after the send never observes the previous document as loaded.
func (l *PageLifecycle) StartNavigation() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetFlags()
	l.state.Store(int32(PageStateLoading))
}

// ForceLoaded marks the page as loaded regardless of the events seen.
func (l *PageLifecycle) ForceLoaded() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.Store(int32(PageStateLoaded))
}

// Reset returns to the none state.
func (l *PageLifecycle) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetFlags()
	l.navigationScheduled.Store(false)
	l.state.Store(int32(PageStateNone))
}

func (l *PageLifecycle) resetFlags() {
	l.stoppedLoading.Store(false)
	l.networkAlmostIdle.Store(false)
	l.executionContextCreated.Store(false)
}

// NavigationStarted waits up to timeout for the page to enter the loading
// state, which is how a dispatched event is found to have triggered a
// navigation. A non-positive timeout means DefaultNavigationStartedTimeout.
func (l *PageLifecycle) NavigationStarted(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultNavigationStartedTimeout
	}
	return l.waitFor(ctx, PageStateLoading, timeout)
}

// WaitForLoad waits up to timeout for the page to be loaded. It returns
// false when the deadline passes or ctx is done; a page whose events never
// arrive simply times out. A non-positive timeout means
// DefaultPageLoadTimeout.
func (l *PageLifecycle) WaitForLoad(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultPageLoadTimeout
	}
	return l.waitFor(ctx, PageStateLoaded, timeout)
}

// waitFor polls every PollInterval, so it never blocks longer than timeout
// plus one interval.
func (l *PageLifecycle) waitFor(ctx context.Context, want PageState, timeout time.Duration) bool {
	start := time.Now()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		if l.State() == want {
			return true
		}
		if time.Since(start) > timeout {
			return false
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}
