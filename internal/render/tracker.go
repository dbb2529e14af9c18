// Platen is a webpage-to-PDF rendering service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package render

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
)

// pageTracker follows the DevTools event stream of one tab. It records
// the HTTP status of the main document, counts in-flight requests for
// the network-idle wait, and signals DOMContentLoaded.
type pageTracker struct {
	mu           sync.Mutex
	mainRequest  network.RequestID
	status       int64
	statusKnown  bool
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time

	domOnce         sync.Once
	domContentFired chan struct{}
}

func newPageTracker() *pageTracker {
	return &pageTracker{
		inflight:        make(map[network.RequestID]struct{}),
		lastActivity:    time.Now(),
		domContentFired: make(chan struct{}),
	}
}

// handle is installed with chromedp.ListenTarget and runs on the
// browser event goroutine; it must not block.
func (t *pageTracker) handle(ev any) {
	switch e := ev.(type) {
	case *page.EventDomContentEventFired:
		t.domOnce.Do(func() { close(t.domContentFired) })
	case *network.EventRequestWillBeSent:
		t.mu.Lock()
		// The first document request is the main navigation. Server
		// redirects reuse its request id, so the final hop's response
		// still matches below.
		if e.Type == network.ResourceTypeDocument && t.mainRequest == "" {
			t.mainRequest = e.RequestID
		}
		t.inflight[e.RequestID] = struct{}{}
		t.lastActivity = time.Now()
		t.mu.Unlock()
	case *network.EventResponseReceived:
		t.mu.Lock()
		if e.RequestID == t.mainRequest {
			t.status = e.Response.Status
			t.statusKnown = true
		}
		t.mu.Unlock()
	case *network.EventLoadingFinished:
		t.requestDone(e.RequestID)
	case *network.EventLoadingFailed:
		t.requestDone(e.RequestID)
	}
}

func (t *pageTracker) requestDone(id network.RequestID) {
	t.mu.Lock()
	delete(t.inflight, id)
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// mainStatus returns the HTTP status of the main document response, if
// one was observed.
func (t *pageTracker) mainStatus() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.statusKnown
}

// waitIdle blocks until the network has been quiet for the given
// period, the limit elapses, or ctx is done. It never fails; pages that
// poll forever simply run out the limit.
func (t *pageTracker) waitIdle(ctx context.Context, quiet, limit time.Duration) {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
			t.mu.Lock()
			idle := len(t.inflight) == 0 && time.Since(t.lastActivity) >= quiet
			t.mu.Unlock()
			if idle {
				return
			}
		}
	}
}
