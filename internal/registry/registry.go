package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/types"
	"github.com/sourcegraph/conc"
)

// Config holds the registry's navigation and timing settings.
type Config struct {
	HomePageURL string
	AllowedURLs []string
	DeniedURLs  []string

	SettleTimeout    time.Duration
	BusyWaitAttempts int
	BusyWaitInterval time.Duration
}

// DefaultConfig returns the stock registry settings.
func DefaultConfig() Config {
	return Config{
		HomePageURL:      "about:blank",
		SettleTimeout:    5 * time.Second,
		BusyWaitAttempts: 20,
		BusyWaitInterval: 250 * time.Millisecond,
	}
}

func (c Config) clone() Config {
	c.AllowedURLs = slices.Clone(c.AllowedURLs)
	c.DeniedURLs = slices.Clone(c.DeniedURLs)
	return c
}

// Registry hands out one live Handle per tab and implements tab
// acquisition, navigation and cleanup on top of the debugger manager.
type Registry struct {
	tabs     Directory
	debugger Debugger
	factory  HandleFactory
	policy   URLPolicy

	cfgMu sync.RWMutex
	cfg   Config

	mu           sync.Mutex
	currentTabID types.TabID
	attached     map[types.TabID]Handle

	creating  *flight[types.TabID, Handle]
	acquiring *flight[struct{}, Handle]
}

// New builds a Registry. The debugger is shared by every registry of the
// process.
func New(cfg Config, tabs Directory, dbg Debugger, factory HandleFactory, policy URLPolicy) *Registry {
	d := DefaultConfig()
	if cfg.HomePageURL == "" {
		cfg.HomePageURL = d.HomePageURL
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = d.SettleTimeout
	}
	if cfg.BusyWaitAttempts <= 0 {
		cfg.BusyWaitAttempts = d.BusyWaitAttempts
	}
	if cfg.BusyWaitInterval <= 0 {
		cfg.BusyWaitInterval = d.BusyWaitInterval
	}
	return &Registry{
		tabs:      tabs,
		debugger:  dbg,
		factory:   factory,
		policy:    policy,
		cfg:       cfg.clone(),
		attached:  make(map[types.TabID]Handle),
		creating:  newFlight[types.TabID, Handle](),
		acquiring: newFlight[struct{}, Handle](),
	}
}

// Config returns a copy of the current configuration.
func (r *Registry) Config() Config {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg.clone()
}

// UpdateConfig applies fn to the configuration.
func (r *Registry) UpdateConfig(fn func(*Config)) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	cfg := r.cfg.clone()
	fn(&cfg)
	r.cfg = cfg
}

// CurrentTabID returns the current tab cursor, or types.NoTab.
func (r *Registry) CurrentTabID() types.TabID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTabID
}

// UpdateCurrentTabID moves the cursor without attaching to the tab.
func (r *Registry) UpdateCurrentTabID(tabID types.TabID) {
	r.setCurrent(tabID)
}

// TrackedTabIDs returns the ids of every attached handle in ascending order.
func (r *Registry) TrackedTabIDs() []types.TabID {
	r.mu.Lock()
	ids := make([]types.TabID, 0, len(r.attached))
	for id := range r.attached {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

func (r *Registry) setCurrent(tabID types.TabID) {
	r.mu.Lock()
	r.currentTabID = tabID
	r.mu.Unlock()
}

func (r *Registry) tracked(tabID types.TabID) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.attached[tabID]
	return h, ok
}

// GetOrCreateHandle returns the live handle for tab, creating one when none
// is tracked. Concurrent callers for the same tab share one creation.
func (r *Registry) GetOrCreateHandle(ctx context.Context, tab types.Tab) (Handle, error) {
	if tab.ID == types.NoTab {
		return nil, newError(CodeResourceUnavailable, "tab id is not available", nil)
	}

	if pending, ok := r.creating.lookup(tab.ID); ok {
		slog.Info("registry waiting for existing handle creation", "tab_id", tab.ID)
		return pending.wait(ctx)
	}

	if _, ok := r.tracked(tab.ID); ok {
		if r.debugger.IsBusy(tab.ID) {
			slog.Info("registry tab busy with debugger operation, waiting", "tab_id", tab.ID)
			if err := r.waitWhileBusy(ctx, tab.ID); err != nil {
				return nil, err
			}
		}

		h, ok := r.tracked(tab.ID)
		if ok && h.Attached() {
			slog.Debug("registry reusing connected handle", "tab_id", tab.ID)
			return h, nil
		}
		if ok {
			slog.Info("registry existing handle not connected, removing", "tab_id", tab.ID)
			r.Detach(ctx, tab.ID)
		}
	}

	return r.creating.do(ctx, tab.ID, func() (Handle, error) {
		return r.createHandle(ctx, tab)
	})
}

// createHandle runs under the tab's creation lock. The handle is not tracked
// until it attaches.
func (r *Registry) createHandle(ctx context.Context, tab types.Tab) (Handle, error) {
	if r.debugger.IsBusy(tab.ID) {
		slog.Info("registry tab still busy, waiting before create", "tab_id", tab.ID)
		if err := r.waitWhileBusy(ctx, tab.ID); err != nil {
			return nil, err
		}
	}
	slog.Info("registry creating handle", "tab_id", tab.ID, "url", truncateURL(tab.URL))
	return r.factory.NewHandle(tab), nil
}

// waitWhileBusy polls the debugger's busy flag with a bounded number of
// attempts. Exhausting them is not an error.
func (r *Registry) waitWhileBusy(ctx context.Context, tabID types.TabID) error {
	cfg := r.Config()
	for attempt := 0; attempt < cfg.BusyWaitAttempts && r.debugger.IsBusy(tabID); attempt++ {
		select {
		case <-time.After(cfg.BusyWaitInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.debugger.IsBusy(tabID) {
		slog.Warn("registry busy wait exhausted, continuing", "tab_id", tabID, "attempts", cfg.BusyWaitAttempts)
	}
	return nil
}

// Attach attaches h and tracks it on success. An already tracked, connected
// handle for the same tab counts as success.
func (r *Registry) Attach(ctx context.Context, h Handle) bool {
	tabID := h.TabID()
	if existing, ok := r.tracked(tabID); ok {
		if existing.Attached() {
			slog.Debug("registry handle already attached", "tab_id", tabID)
			return true
		}
		slog.Info("registry existing handle not connected, replacing", "tab_id", tabID)
		r.Detach(ctx, tabID)
	}

	if !h.Attach(ctx) {
		slog.Warn("registry handle attach failed", "tab_id", tabID)
		return false
	}

	r.mu.Lock()
	r.attached[tabID] = h
	r.mu.Unlock()
	slog.Info("registry handle attached", "tab_id", tabID)
	return true
}

// Detach detaches the tracked handle for the tab and stops tracking it.
// Untracked tabs are ignored; detach errors are logged.
func (r *Registry) Detach(ctx context.Context, tabID types.TabID) {
	h, ok := r.tracked(tabID)
	if !ok {
		return
	}
	if err := h.Detach(ctx); err != nil {
		slog.Warn("registry handle detach failed", "tab_id", tabID, "error", err)
	}
	r.mu.Lock()
	if r.attached[tabID] == h {
		delete(r.attached, tabID)
	}
	r.mu.Unlock()
}

// RemoveTracking forgets the tab without detaching, for tabs the browser
// already closed.
func (r *Registry) RemoveTracking(tabID types.TabID) {
	r.mu.Lock()
	delete(r.attached, tabID)
	if r.currentTabID == tabID {
		r.currentTabID = types.NoTab
	}
	r.mu.Unlock()
}

// AcquireCurrent returns the handle of the current tab:
//
//  1. forceNewTab opens a fresh tab at the home page and makes it current.
//  2. Without a current tab, the browser's active tab is used, or a new
//     blank tab when there is none.
//  3. A current but untracked tab gets a new handle.
//  4. A current, tracked tab returns its handle.
//
// Concurrent calls without forceNewTab share one acquisition.
func (r *Registry) AcquireCurrent(ctx context.Context, forceNewTab bool) (Handle, error) {
	if forceNewTab {
		return r.acquireNewTab(ctx)
	}

	if h, ok := r.currentHandle(); ok {
		return h, nil
	}
	return r.acquiring.do(ctx, struct{}{}, func() (Handle, error) {
		return r.acquireCurrent(ctx)
	})
}

func (r *Registry) currentHandle() (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentTabID == types.NoTab {
		return nil, false
	}
	h, ok := r.attached[r.currentTabID]
	return h, ok
}

func (r *Registry) acquireNewTab(ctx context.Context) (Handle, error) {
	tab, err := r.tabs.Create(ctx, CreateOptions{URL: r.Config().HomePageURL, Active: true})
	if err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}
	if tab.ID == types.NoTab {
		return nil, newError(CodeResourceUnavailable, "no tab id available", nil)
	}
	slog.Info("registry force new tab", "tab_id", tab.ID)
	return r.bindTab(ctx, tab)
}

func (r *Registry) acquireCurrent(ctx context.Context) (Handle, error) {
	r.mu.Lock()
	current := r.currentTabID
	h, ok := r.attached[current]
	r.mu.Unlock()

	if current == types.NoTab {
		return r.acquireActiveTab(ctx)
	}
	if ok {
		return h, nil
	}

	tab, err := r.getTab(ctx, current)
	if err != nil {
		if HasCode(err, CodeResourceUnavailable) {
			r.RemoveTracking(current)
		}
		return nil, err
	}
	h, err = r.GetOrCreateHandle(ctx, tab)
	if err != nil {
		return nil, err
	}
	r.Attach(ctx, h)
	return h, nil
}

func (r *Registry) acquireActiveTab(ctx context.Context) (Handle, error) {
	found, err := r.tabs.Query(ctx, types.TabQuery{Active: true, CurrentWindow: true})
	if err != nil {
		return nil, fmt.Errorf("query active tab: %w", err)
	}

	var tab types.Tab
	if len(found) > 0 && found[0].ID != types.NoTab {
		tab = found[0]
	} else {
		tab, err = r.tabs.Create(ctx, CreateOptions{URL: r.Config().HomePageURL, Active: true})
		if err != nil {
			return nil, fmt.Errorf("create tab: %w", err)
		}
		if tab.ID == types.NoTab {
			return nil, newError(CodeResourceUnavailable, "no tab id available", nil)
		}
	}
	slog.Info("registry active tab", "tab_id", tab.ID, "url", truncateURL(tab.URL), "title", tab.Title)
	return r.bindTab(ctx, tab)
}

// bindTab creates and attaches a handle for tab and makes it current.
func (r *Registry) bindTab(ctx context.Context, tab types.Tab) (Handle, error) {
	h, err := r.GetOrCreateHandle(ctx, tab)
	if err != nil {
		return nil, err
	}
	r.Attach(ctx, h)
	r.setCurrent(tab.ID)
	return h, nil
}

// NavigateTo sends the current tab to url. Rejected URLs fail with
// POLICY_REJECTED before any tab is touched.
func (r *Registry) NavigateTo(ctx context.Context, url string) error {
	if err := r.checkURL(url, "URL: "+url+" is not allowed"); err != nil {
		return err
	}

	h, err := r.AcquireCurrent(ctx, false)
	if err != nil {
		if !HasCode(err, CodeResourceUnavailable) {
			return err
		}
		slog.Warn("registry no current handle, opening tab", "url", truncateURL(url), "error", err)
		_, err = r.openTab(ctx, url)
		return err
	}

	if h.Attached() {
		return h.NavigateTo(ctx, url)
	}

	tabID := h.TabID()
	if err := r.tabs.Update(ctx, tabID, UpdateOptions{URL: url, Active: true}); err != nil {
		return r.tabError(tabID, "update tab failed", err)
	}
	if err := r.waitForTabEvents(ctx, tabID, waitOptions{update: true, activation: true}); err != nil {
		return err
	}

	tab, err := r.getTab(ctx, tabID)
	if err != nil {
		return err
	}
	_, err = r.bindTab(ctx, tab)
	return err
}

// OpenTab opens url in a new active tab, waits for it to settle and makes
// it current.
func (r *Registry) OpenTab(ctx context.Context, url string) (Handle, error) {
	if err := r.checkURL(url, "Open tab failed. URL: "+url+" is not allowed"); err != nil {
		return nil, err
	}
	return r.openTab(ctx, url)
}

func (r *Registry) openTab(ctx context.Context, url string) (Handle, error) {
	tab, err := r.tabs.Create(ctx, CreateOptions{URL: url, Active: true})
	if err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}
	if tab.ID == types.NoTab {
		return nil, newError(CodeResourceUnavailable, "no tab id available", nil)
	}
	if err := r.waitForTabEvents(ctx, tab.ID, waitOptions{update: true, activation: true}); err != nil {
		return nil, err
	}

	updated, err := r.getTab(ctx, tab.ID)
	if err != nil {
		return nil, err
	}
	return r.bindTab(ctx, updated)
}

// SwitchTab activates the tab, waits for the activation and makes it
// current.
func (r *Registry) SwitchTab(ctx context.Context, tabID types.TabID) (Handle, error) {
	slog.Info("registry switch tab", "tab_id", tabID)
	if err := r.tabs.Update(ctx, tabID, UpdateOptions{Active: true}); err != nil {
		return nil, r.tabError(tabID, "activate tab failed", err)
	}
	if err := r.waitForTabEvents(ctx, tabID, waitOptions{activation: true}); err != nil {
		return nil, err
	}

	tab, err := r.getTab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return r.bindTab(ctx, tab)
}

// CloseTab detaches and closes the tab, clearing the cursor if it pointed
// there.
func (r *Registry) CloseTab(ctx context.Context, tabID types.TabID) error {
	r.Detach(ctx, tabID)
	if err := r.tabs.Remove(ctx, tabID); err != nil {
		return r.tabError(tabID, "remove tab failed", err)
	}
	r.mu.Lock()
	if r.currentTabID == tabID {
		r.currentTabID = types.NoTab
	}
	r.mu.Unlock()
	return nil
}

// CleanupAll detaches everything the registry tracks and resets it. Every
// step is best-effort: a failing handle detach falls back to a debugger
// detach and never stops the others.
func (r *Registry) CleanupAll(ctx context.Context) {
	r.mu.Lock()
	current := r.attached[r.currentTabID]
	handles := make([]Handle, 0, len(r.attached))
	for _, h := range r.attached {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	if current != nil {
		if err := current.RemoveHighlight(ctx); err != nil {
			slog.Warn("registry cleanup remove highlight failed", "tab_id", current.TabID(), "error", err)
		}
	}

	for _, h := range handles {
		r.debugger.ClearState(h.TabID())
	}

	var wg conc.WaitGroup
	for _, h := range handles {
		wg.Go(func() {
			if err := h.Detach(ctx); err != nil {
				slog.Error("registry cleanup detach failed, forcing debugger detach", "tab_id", h.TabID(), "error", err)
				r.debugger.Detach(ctx, h.TabID())
			}
		})
	}
	if recovered := wg.WaitAndRecover(); recovered != nil {
		slog.Error("registry cleanup detach panicked", "error", recovered.AsError())
	}

	r.mu.Lock()
	r.attached = make(map[types.TabID]Handle)
	r.currentTabID = types.NoTab
	r.mu.Unlock()
	r.creating.reset()
	slog.Info("registry cleanup done", "handles", len(handles))
}

// AllTabIDs returns the ids of every tab in the current window.
func (r *Registry) AllTabIDs(ctx context.Context) ([]types.TabID, error) {
	found, err := r.tabs.Query(ctx, types.TabQuery{CurrentWindow: true})
	if err != nil {
		return nil, fmt.Errorf("query tabs: %w", err)
	}
	ids := make([]types.TabID, 0, len(found))
	for _, t := range found {
		if t.ID != types.NoTab && !slices.Contains(ids, t.ID) {
			ids = append(ids, t.ID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// TabInfos lists tabs that have an id, url and title.
func (r *Registry) TabInfos(ctx context.Context) ([]types.TabInfo, error) {
	found, err := r.tabs.Query(ctx, types.TabQuery{})
	if err != nil {
		return nil, fmt.Errorf("query tabs: %w", err)
	}
	infos := make([]types.TabInfo, 0, len(found))
	for _, t := range found {
		if t.ID == types.NoTab || t.URL == "" || t.Title == "" {
			continue
		}
		infos = append(infos, types.TabInfo{ID: t.ID, URL: t.URL, Title: t.Title})
	}
	return infos, nil
}

// State reports the current page and every tab.
func (r *Registry) State(ctx context.Context, opts StateOptions) (BrowserState, error) {
	h, err := r.AcquireCurrent(ctx, false)
	if err != nil {
		return BrowserState{}, err
	}
	page, err := h.State(ctx, opts)
	if err != nil {
		return BrowserState{}, err
	}
	infos, err := r.TabInfos(ctx)
	if err != nil {
		return BrowserState{}, err
	}
	return BrowserState{PageState: page, Tabs: infos, BrowserErrors: []string{}}, nil
}

// RemoveHighlight clears highlight overlays on the current page.
func (r *Registry) RemoveHighlight(ctx context.Context) error {
	h, err := r.AcquireCurrent(ctx, false)
	if err != nil {
		return err
	}
	return h.RemoveHighlight(ctx)
}

func (r *Registry) checkURL(url, msg string) error {
	cfg := r.Config()
	if r.policy != nil && !r.policy.Allowed(url, cfg.AllowedURLs, cfg.DeniedURLs) {
		slog.Warn("registry url rejected", "url", truncateURL(url))
		return newError(CodePolicyRejected, msg, nil)
	}
	return nil
}

func (r *Registry) getTab(ctx context.Context, tabID types.TabID) (types.Tab, error) {
	tab, err := r.tabs.Get(ctx, tabID)
	if err != nil {
		return types.Tab{}, r.tabError(tabID, "get tab failed", err)
	}
	if tab.ID == types.NoTab {
		return types.Tab{}, newError(CodeResourceUnavailable, fmt.Sprintf("tab %d has no id", tabID), nil)
	}
	return tab, nil
}

// tabError classifies a directory failure; unknown tabs become
// RESOURCE_UNAVAILABLE.
func (r *Registry) tabError(tabID types.TabID, msg string, err error) error {
	if errors.Is(err, types.ErrTabNotFound) {
		return newError(CodeResourceUnavailable, fmt.Sprintf("%s: tab %d", msg, tabID), err)
	}
	return fmt.Errorf("%s: tab %d: %w", msg, tabID, err)
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
