package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/types"
)

type waitOptions struct {
	update     bool // url, title and load-complete all observed
	activation bool
	timeout    time.Duration
}

// settleTracker accumulates what has been observed about one tab.
type settleTracker struct {
	opts   waitOptions
	signal chan struct{}

	mu        sync.Mutex
	hasURL    bool
	hasTitle  bool
	complete  bool
	activated bool
}

func newSettleTracker(opts waitOptions) *settleTracker {
	return &settleTracker{opts: opts, signal: make(chan struct{}, 1)}
}

func (s *settleTracker) observeTab(tab types.Tab) {
	s.mu.Lock()
	s.hasURL = s.hasURL || tab.URL != ""
	s.hasTitle = s.hasTitle || tab.Title != ""
	s.complete = s.complete || tab.Status == types.StatusComplete
	s.activated = s.activated || tab.Active
	s.mu.Unlock()
	s.notify()
}

func (s *settleTracker) observeEvent(ev types.TabEvent) {
	s.mu.Lock()
	switch ev.Kind {
	case types.TabUpdated:
		s.hasURL = s.hasURL || ev.Change.URL != ""
		s.hasTitle = s.hasTitle || ev.Change.Title != ""
		s.complete = s.complete || ev.Change.Status == types.StatusComplete
	case types.TabActivated:
		s.activated = true
	}
	s.mu.Unlock()
	s.notify()
}

func (s *settleTracker) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *settleTracker) settled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.update && !(s.hasURL && s.hasTitle && s.complete) {
		return false
	}
	if s.opts.activation && !s.activated {
		return false
	}
	return true
}

// waitForTabEvents blocks until the tab has settled per opts, the timeout
// elapses (SETTLE_TIMEOUT) or ctx is done. The directory listener is
// removed on every return path.
func (r *Registry) waitForTabEvents(ctx context.Context, tabID types.TabID, opts waitOptions) error {
	if opts.timeout <= 0 {
		opts.timeout = r.Config().SettleTimeout
	}
	tracker := newSettleTracker(opts)

	unsubscribe := r.tabs.Subscribe(func(ev types.TabEvent) {
		if ev.TabID == tabID {
			tracker.observeEvent(ev)
		}
	})
	defer unsubscribe()

	// The tab may already be in its final state.
	if tab, err := r.tabs.Get(ctx, tabID); err != nil {
		slog.Debug("registry settle seed failed", "tab_id", tabID, "error", err)
	} else {
		tracker.observeTab(tab)
	}

	timer := time.NewTimer(opts.timeout)
	defer timer.Stop()
	for {
		if tracker.settled() {
			slog.Debug("registry tab settled", "tab_id", tabID)
			return nil
		}
		select {
		case <-tracker.signal:
		case <-timer.C:
			slog.Warn("registry tab settle timed out", "tab_id", tabID, "timeout_ms", opts.timeout.Milliseconds())
			return newError(CodeSettleTimeout, fmt.Sprintf("tab operation timed out after %d ms", opts.timeout.Milliseconds()), nil)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
