package debugger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/types"
	"github.com/sourcegraph/conc"
)

// Manager tracks debugger attachment per tab and serializes attach/detach
// sequences so that at most one of them is in flight for any tab.
//
// One Manager is built at process start and shared by every registry.
type Manager struct {
	proto Protocol
	opts  Options
	now   func() time.Time

	mu      sync.Mutex
	states  map[types.TabID]State
	changed chan struct{} // closed and replaced on every state update
}

// NewManager returns a Manager driving the given protocol.
func NewManager(proto Protocol, opts Options) *Manager {
	return &Manager{
		proto:   proto,
		opts:    opts.withDefaults(),
		now:     time.Now,
		states:  make(map[types.TabID]State),
		changed: make(chan struct{}),
	}
}

func (m *Manager) stateLocked(tabID types.TabID) State {
	if st, ok := m.states[tabID]; ok {
		return st
	}
	return State{LastOperation: OpNone, Timestamp: m.now()}
}

// updateLocked replaces the tab's record with the merged fields and wakes
// every waiter.
func (m *Manager) updateLocked(tabID types.TabID, apply func(*State)) {
	st := m.stateLocked(tabID)
	apply(&st)
	st.Timestamp = m.now()
	m.states[tabID] = st
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) update(tabID types.TabID, apply func(*State)) {
	m.mu.Lock()
	m.updateLocked(tabID, apply)
	m.mu.Unlock()
}

// State returns a copy of the tab's record.
func (m *Manager) State(tabID types.TabID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(tabID)
}

// Snapshot returns a copy of every tracked record.
func (m *Manager) Snapshot() map[types.TabID]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.TabID]State, len(m.states))
	for id, st := range m.states {
		out[id] = st
	}
	return out
}

// IsBusy reports whether an attach or detach is in flight for the tab.
func (m *Manager) IsBusy(tabID types.TabID) bool {
	return m.State(tabID).Busy()
}

// ClearState drops the tab's record.
func (m *Manager) ClearState(tabID types.TabID) {
	m.mu.Lock()
	delete(m.states, tabID)
	m.mu.Unlock()
}

// Attach attaches the debugger to the tab and reports success. Concurrent
// callers for the same tab share one underlying attach and observe the same
// outcome. Failures are reported only through the result.
func (m *Manager) Attach(ctx context.Context, tabID types.TabID) bool {
	waitedDetach := false
	for {
		m.mu.Lock()
		st := m.stateLocked(tabID)
		slog.Debug("debugger attach called", "tab_id", tabID, "attaching", st.IsAttaching, "detaching", st.IsDetaching, "attached", st.IsAttached)

		switch {
		case st.IsAttaching:
			m.mu.Unlock()
			slog.Info("debugger attach already in flight, waiting", "tab_id", tabID)
			m.WaitForOperation(ctx, tabID, OpAttach, 0)
			final := m.State(tabID)
			slog.Debug("debugger attach wait done", "tab_id", tabID, "attached", final.IsAttached)
			return final.IsAttached
		case st.IsDetaching:
			m.mu.Unlock()
			if waitedDetach {
				slog.Warn("debugger attach gave up, detach still in flight", "tab_id", tabID)
				return false
			}
			slog.Info("debugger detach in flight, waiting before attach", "tab_id", tabID)
			m.WaitForOperation(ctx, tabID, OpDetach, 0)
			waitedDetach = true
			continue
		case st.IsAttached:
			m.mu.Unlock()
			slog.Debug("debugger already attached", "tab_id", tabID)
			return true
		}

		m.updateLocked(tabID, func(s *State) { s.IsAttaching = true })
		m.mu.Unlock()
		break
	}

	slog.Info("debugger attach start", "tab_id", tabID)
	err := m.attach(ctx, tabID)
	if err != nil {
		m.update(tabID, func(s *State) {
			s.IsAttaching = false
			s.IsAttached = false
			s.LastOperation = OpAttach
		})
		slog.Error("debugger attach failed", "tab_id", tabID, "error", err)
		return false
	}

	m.update(tabID, func(s *State) {
		s.IsAttaching = false
		s.IsAttached = true
		s.LastOperation = OpAttach
	})
	slog.Info("debugger attach ok", "tab_id", tabID)
	return true
}

// attach runs the reconcile-then-attach sequence while the tab is marked
// Attaching. A session held by another client is detached first.
func (m *Manager) attach(ctx context.Context, tabID types.TabID) error {
	attached, err := m.attachedExternally(ctx, tabID)
	if err != nil {
		return err
	}
	if attached {
		slog.Info("debugger tab attached by another client, detaching first", "tab_id", tabID)
		if err := m.proto.Detach(ctx, tabID); err != nil {
			slog.Warn("debugger foreign session detach failed", "tab_id", tabID, "error", err)
		}
		if err := sleep(ctx, m.opts.SettleDelay); err != nil {
			return err
		}
	}
	if err := m.proto.Attach(ctx, tabID, m.opts.ProtocolVersion); err != nil {
		return fmt.Errorf("attach tab %d: %w", tabID, err)
	}
	return nil
}

// Detach detaches the debugger from the tab. It never fails: protocol errors
// are logged and the tab is marked Detached regardless.
func (m *Manager) Detach(ctx context.Context, tabID types.TabID) {
	waitedAttach := false
	for {
		m.mu.Lock()
		st := m.stateLocked(tabID)
		slog.Debug("debugger detach called", "tab_id", tabID, "attaching", st.IsAttaching, "detaching", st.IsDetaching, "attached", st.IsAttached)

		if st.IsDetaching {
			m.mu.Unlock()
			slog.Info("debugger detach already in flight, waiting", "tab_id", tabID)
			m.WaitForOperation(ctx, tabID, OpDetach, 0)
			return
		}
		if st.IsAttaching {
			m.mu.Unlock()
			if waitedAttach {
				slog.Warn("debugger detach skipped, attach still in flight", "tab_id", tabID)
				return
			}
			m.WaitForOperation(ctx, tabID, OpAttach, 0)
			waitedAttach = true
			continue
		}
		if !st.IsAttached {
			// Local bookkeeping can lag behind the browser; ask it.
			m.mu.Unlock()
			attached, err := m.attachedExternally(ctx, tabID)
			if err != nil {
				slog.Warn("debugger detach target check failed", "tab_id", tabID, "error", err)
				return
			}
			if !attached {
				slog.Debug("debugger tab already detached", "tab_id", tabID)
				return
			}
			m.mu.Lock()
			if m.stateLocked(tabID).Busy() {
				m.mu.Unlock()
				continue
			}
		}

		m.updateLocked(tabID, func(s *State) { s.IsDetaching = true })
		m.mu.Unlock()
		break
	}

	slog.Info("debugger detach start", "tab_id", tabID)
	err := m.proto.Detach(ctx, tabID)
	m.update(tabID, func(s *State) {
		s.IsDetaching = false
		s.IsAttached = false
		s.LastOperation = OpDetach
	})
	if err != nil {
		slog.Error("debugger detach failed", "tab_id", tabID, "error", err)
		return
	}
	slog.Info("debugger detach ok", "tab_id", tabID)
}

// ForceDetachAll detaches every target the browser reports as attached,
// including ones this process never tracked. Each detach runs independently;
// the call returns once all of them have settled.
func (m *Manager) ForceDetachAll(ctx context.Context) {
	slog.Info("debugger force detach all")
	targets, err := m.proto.Targets(ctx)
	if err != nil {
		slog.Error("debugger force detach target list failed", "error", err)
		return
	}

	var wg conc.WaitGroup
	count := 0
	for _, t := range targets {
		if !t.Attached || t.TabID == types.NoTab {
			continue
		}
		count++
		tabID := t.TabID
		wg.Go(func() {
			if err := m.proto.Detach(ctx, tabID); err != nil {
				slog.Error("debugger force detach failed", "tab_id", tabID, "error", err)
				return
			}
			m.update(tabID, func(s *State) {
				s.IsAttaching = false
				s.IsDetaching = false
				s.IsAttached = false
				s.LastOperation = OpDetach
			})
			slog.Info("debugger force detach ok", "tab_id", tabID)
		})
	}
	if recovered := wg.WaitAndRecover(); recovered != nil {
		slog.Error("debugger force detach panicked", "error", recovered.AsError())
	}
	slog.Info("debugger force detach done", "targets", count)
}

// HandleDetached records a detach the browser performed on its own, such as
// the tab closing or another client taking over the session.
func (m *Manager) HandleDetached(tabID types.TabID, reason string) {
	slog.Info("debugger detached by browser", "tab_id", tabID, "reason", reason)
	m.update(tabID, func(s *State) {
		s.IsAttached = false
		s.IsDetaching = false
		s.LastOperation = OpDetach
	})
}

// WaitForOperation blocks until the named in-flight flag clears for the tab,
// the timeout elapses, or ctx is done. It never reports a timeout; callers
// re-read the state afterwards. A zero timeout uses Options.OperationTimeout.
func (m *Manager) WaitForOperation(ctx context.Context, tabID types.TabID, op Operation, timeout time.Duration) {
	if timeout <= 0 {
		timeout = m.opts.OperationTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		st := m.stateLocked(tabID)
		changed := m.changed
		m.mu.Unlock()

		if (op == OpAttach && !st.IsAttaching) || (op == OpDetach && !st.IsDetaching) || op == OpNone {
			return
		}

		select {
		case <-changed:
		case <-timer.C:
			slog.Warn("debugger wait timed out", "tab_id", tabID, "operation", op, "timeout", timeout)
			return
		case <-ctx.Done():
			slog.Debug("debugger wait canceled", "tab_id", tabID, "operation", op, "error", ctx.Err())
			return
		}
	}
}

func (m *Manager) attachedExternally(ctx context.Context, tabID types.TabID) (bool, error) {
	targets, err := m.proto.Targets(ctx)
	if err != nil {
		return false, fmt.Errorf("enumerate targets: %w", err)
	}
	for _, t := range targets {
		if t.TabID == tabID && t.Attached {
			return true, nil
		}
	}
	return false, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
