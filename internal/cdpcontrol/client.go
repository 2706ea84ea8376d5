package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabwarden/internal/registry"
	"github.com/dgnsrekt/tabwarden/internal/types"
)

const (
	blankURL           = "about:blank"
	defaultLoadTimeout = 30 * time.Second
)

// Debugger is the session manager that page handles attach through.
type Debugger interface {
	Attach(ctx context.Context, tabID types.TabID) bool
	Detach(ctx context.Context, tabID types.TabID)
	HandleDetached(tabID types.TabID, reason string)
}

// Client drives a browser over one browser-level CDP WebSocket. It is the
// tab directory, the debugger protocol and the page handle factory.
type Client struct {
	cdpURL      string
	evalTimeout time.Duration
	loadTimeout time.Duration
	tabs        *tabMap

	// mu guards the connection. Event handlers never take it, so it may be
	// held across commands.
	mu  sync.Mutex
	cdp *rawCDP

	// stateMu is never held across a command.
	stateMu  sync.Mutex
	sessions map[types.TabID]string // debugger sessions owned by this client
	watches  map[string]types.TabID // temporary load-watch sessions
	status   map[types.TabID]string
	active   types.TabID
	debugger Debugger

	subMu   sync.RWMutex
	subs    map[int64]func(types.TabEvent)
	nextSub int64
}

func NewClient(cdpURL string, evalTimeout time.Duration) *Client {
	if evalTimeout <= 0 {
		evalTimeout = 5 * time.Second
	}
	return &Client{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		loadTimeout: defaultLoadTimeout,
		tabs:        newTabMap(),
		sessions:    make(map[types.TabID]string),
		watches:     make(map[string]types.TabID),
		status:      make(map[types.TabID]string),
		subs:        make(map[int64]func(types.TabEvent)),
	}
}

// SetDebugger wires the session manager used by page handles and notified
// of browser-side detaches.
func (c *Client) SetDebugger(d Debugger) {
	c.stateMu.Lock()
	c.debugger = d
	c.stateMu.Unlock()
}

func (c *Client) debuggerRef() Debugger {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.debugger
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.connectLocked(ctx)
	return err
}

func (c *Client) connectLocked(ctx context.Context) (*rawCDP, error) {
	if c.cdpURL == "" {
		return nil, newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	cdp := newRawCDP(c.cdpURL)
	if err := cdp.connect(ctx); err != nil {
		return nil, newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}
	c.cdp = cdp
	c.bindEvents(cdp)

	if err := cdp.setDiscoverTargets(ctx); err != nil {
		slog.Error("cdpcontrol target discovery failed", "error", err)
		c.cleanupLocked()
		return nil, newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "protocol", cdp.browserProtocolVersion())
	return cdp, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

// cleanupLocked detaches every session the client owns without closing
// targets. Tab ids survive so handles stay valid across reconnects.
func (c *Client) cleanupLocked() {
	c.stateMu.Lock()
	sessions := make([]string, 0, len(c.sessions)+len(c.watches))
	for _, sid := range c.sessions {
		sessions = append(sessions, sid)
	}
	for sid := range c.watches {
		sessions = append(sessions, sid)
	}
	c.sessions = make(map[types.TabID]string)
	c.watches = make(map[string]types.TabID)
	c.stateMu.Unlock()

	if c.cdp == nil {
		return
	}
	for _, sid := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.cdp.detachFromTarget(ctx, sid); err != nil {
			slog.Debug("cdpcontrol detach cleanup failed", "session_id", sid, "error", err)
		}
		cancel()
	}
	c.cdp.close()
	c.cdp = nil
}

// ensureConnected returns the live connection, redialing when the previous
// one dropped.
func (c *Client) ensureConnected(ctx context.Context) (*rawCDP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cdp != nil {
		select {
		case <-c.cdp.closed():
			slog.Warn("cdpcontrol connection lost, reconnecting")
		default:
			return c.cdp, nil
		}
	}
	return c.connectLocked(ctx)
}

func (c *Client) bindEvents(cdp *rawCDP) {
	cdp.registerEventHandler("Target.targetCreated", c.onTargetCreated)
	cdp.registerEventHandler("Target.targetInfoChanged", c.onTargetInfoChanged)
	cdp.registerEventHandler("Target.targetDestroyed", c.onTargetDestroyed)
	cdp.registerEventHandler("Target.detachedFromTarget", c.onDetachedFromTarget)
	cdp.registerEventHandler("Page.loadEventFired", func(sessionID string, _ json.RawMessage) {
		c.loaded(cdp, sessionID)
	})
}

// Subscribe registers fn for tab events until the returned func is called.
// fn runs on the connection's read goroutine and must not block.
func (c *Client) Subscribe(fn func(types.TabEvent)) func() {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Client) emit(ev types.TabEvent) {
	c.subMu.RLock()
	fns := make([]func(types.TabEvent), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Client) Create(ctx context.Context, opts registry.CreateOptions) (types.Tab, error) {
	cdp, err := c.ensureConnected(ctx)
	if err != nil {
		return types.Tab{}, err
	}

	// Open blank and navigate over a watch session so the load event of
	// the requested URL cannot be missed.
	targetID, err := cdp.createTarget(ctx, blankURL, !opts.Active)
	if err != nil {
		return types.Tab{}, newError(CodeCDPUnavailable, "create target failed", err)
	}
	id := c.tabs.idFor(targetID)
	slog.Info("cdpcontrol tab created", "tab_id", id, "target_id", targetID, "url", opts.URL)

	if opts.Active {
		c.setActive(id)
		c.emit(types.TabEvent{Kind: types.TabActivated, TabID: id})
	}
	url := opts.URL
	if url == blankURL {
		url = ""
	}
	if err := c.watchLoad(ctx, cdp, id, targetID, url); err != nil {
		return types.Tab{}, err
	}
	return types.Tab{ID: id, URL: opts.URL, Status: c.statusOf(id), Active: opts.Active}, nil
}

func (c *Client) Query(ctx context.Context, q types.TabQuery) ([]types.Tab, error) {
	cdp, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	infos, err := cdp.getTargets(ctx)
	if err != nil {
		return nil, newError(CodeCDPUnavailable, "failed to list targets", err)
	}

	tabs := c.pageTabs(infos)
	active := c.resolveActive(ctx, cdp, tabs)
	for i := range tabs {
		tabs[i].Active = tabs[i].ID == active
	}
	if !q.Active {
		return tabs, nil
	}
	for _, t := range tabs {
		if t.Active {
			return []types.Tab{t}, nil
		}
	}
	return nil, nil
}

func (c *Client) Get(ctx context.Context, id types.TabID) (types.Tab, error) {
	targetID, ok := c.tabs.target(id)
	if !ok {
		return types.Tab{}, tabNotFound(id)
	}
	cdp, err := c.ensureConnected(ctx)
	if err != nil {
		return types.Tab{}, err
	}
	infos, err := cdp.getTargets(ctx)
	if err != nil {
		return types.Tab{}, newError(CodeCDPUnavailable, "failed to list targets", err)
	}
	for _, info := range infos {
		if info.TargetID != targetID {
			continue
		}
		return types.Tab{
			ID:     id,
			URL:    info.URL,
			Title:  info.Title,
			Status: c.statusOf(id),
			Active: c.activeID() == id,
		}, nil
	}
	c.forget(targetID)
	return types.Tab{}, tabNotFound(id)
}

func (c *Client) Update(ctx context.Context, id types.TabID, opts registry.UpdateOptions) error {
	targetID, ok := c.tabs.target(id)
	if !ok {
		return tabNotFound(id)
	}
	cdp, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}

	if opts.URL != "" {
		if err := c.watchLoad(ctx, cdp, id, targetID, opts.URL); err != nil {
			return err
		}
	}
	if opts.Active {
		if err := cdp.activateTarget(ctx, targetID); err != nil {
			return newError(CodeCDPUnavailable, "activate target failed", err)
		}
		c.setActive(id)
		c.emit(types.TabEvent{Kind: types.TabActivated, TabID: id})
	}
	return nil
}

func (c *Client) Remove(ctx context.Context, id types.TabID) error {
	targetID, ok := c.tabs.target(id)
	if !ok {
		return tabNotFound(id)
	}
	cdp, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	if err := cdp.closeTarget(ctx, targetID); err != nil {
		return newError(CodeCDPUnavailable, "close target failed", err)
	}
	c.forget(targetID)
	slog.Info("cdpcontrol tab removed", "tab_id", id, "target_id", targetID)
	return nil
}

// Attach opens a debugger session on the tab. A session the client already
// owns is reused.
func (c *Client) Attach(ctx context.Context, tabID types.TabID, version string) error {
	targetID, ok := c.tabs.target(tabID)
	if !ok {
		return tabNotFound(tabID)
	}
	cdp, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	if browser := cdp.browserProtocolVersion(); version != "" && browser != "" && browser != version {
		return newError(CodeProtocol, fmt.Sprintf("browser speaks protocol %s, want %s", browser, version), nil)
	}
	if _, ok := c.session(tabID); ok {
		return nil
	}

	sid, err := cdp.attachToTarget(ctx, targetID)
	if err != nil {
		return newError(CodeCDPUnavailable, "attach to target failed", err)
	}
	c.stateMu.Lock()
	c.sessions[tabID] = sid
	c.stateMu.Unlock()
	slog.Debug("cdpcontrol session attached", "tab_id", tabID, "target_id", targetID, "session_id", sid)
	return nil
}

// Detach closes the client's debugger session on the tab. Sessions held by
// other clients cannot be closed from here, so detaching a tab the client
// does not own is a no-op.
func (c *Client) Detach(ctx context.Context, tabID types.TabID) error {
	c.stateMu.Lock()
	sid, ok := c.sessions[tabID]
	delete(c.sessions, tabID)
	c.stateMu.Unlock()
	if !ok {
		slog.Info("cdpcontrol detach skipped, session not owned", "tab_id", tabID)
		return nil
	}

	cdp, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	if err := cdp.detachFromTarget(ctx, sid); err != nil {
		return newError(CodeCDPUnavailable, "detach from target failed", err)
	}
	slog.Debug("cdpcontrol session detached", "tab_id", tabID, "session_id", sid)
	return nil
}

// Targets reports every page target and whether a debugger is attached.
// The client's own load-watch sessions do not count.
func (c *Client) Targets(ctx context.Context) ([]types.Target, error) {
	cdp, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	infos, err := cdp.getTargets(ctx)
	if err != nil {
		return nil, newError(CodeCDPUnavailable, "failed to list targets", err)
	}

	c.stateMu.Lock()
	watched := make(map[types.TabID]bool, len(c.watches))
	for _, id := range c.watches {
		watched[id] = true
	}
	c.stateMu.Unlock()

	out := make([]types.Target, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		id := c.tabs.idFor(info.TargetID)
		_, owned := c.session(id)
		out = append(out, types.Target{TabID: id, Attached: owned || (info.Attached && !watched[id])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out, nil
}

// NewHandle returns an unattached page handle for tab.
func (c *Client) NewHandle(tab types.Tab) registry.Handle {
	return newPage(c, tab)
}

// watchLoad attaches a temporary session that reports the tab's load
// completion, optionally navigating it first. The session is released once
// the page has loaded or loadTimeout elapses.
func (c *Client) watchLoad(ctx context.Context, cdp *rawCDP, id types.TabID, targetID target.ID, url string) error {
	sid, err := cdp.attachToTarget(ctx, targetID)
	if err != nil {
		return newError(CodeCDPUnavailable, "attach watch session failed", err)
	}
	c.stateMu.Lock()
	c.watches[sid] = id
	c.status[id] = types.StatusLoading
	c.stateMu.Unlock()
	time.AfterFunc(c.loadTimeout, func() { c.releaseWatch(cdp, sid) })

	if err := cdp.enablePageDomain(ctx, sid); err != nil {
		c.releaseWatch(cdp, sid)
		return newError(CodeCDPUnavailable, "enable page domain failed", err)
	}
	if url != "" {
		if err := cdp.navigate(ctx, sid, url); err != nil {
			c.releaseWatch(cdp, sid)
			return newError(CodeCDPUnavailable, "navigate failed", err)
		}
		return nil
	}

	state, err := cdp.evaluate(ctx, sid, "document.readyState")
	if err != nil {
		slog.Debug("cdpcontrol ready state check failed", "tab_id", id, "error", err)
		return nil
	}
	if state == "complete" {
		c.loaded(cdp, sid)
	}
	return nil
}

func (c *Client) releaseWatch(cdp *rawCDP, sid string) {
	c.stateMu.Lock()
	_, ok := c.watches[sid]
	c.stateMu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cdp.detachFromTarget(ctx, sid); err != nil {
		slog.Debug("cdpcontrol watch detach failed", "session_id", sid, "error", err)
	}
	c.stateMu.Lock()
	delete(c.watches, sid)
	c.stateMu.Unlock()
}

// loaded marks the tab behind sid complete. Watch sessions are released
// in the background since this may run on the read goroutine.
func (c *Client) loaded(cdp *rawCDP, sid string) {
	c.stateMu.Lock()
	id, watch := c.watches[sid]
	if !watch {
		id = c.ownerLocked(sid)
	}
	if id != types.NoTab {
		c.status[id] = types.StatusComplete
	}
	c.stateMu.Unlock()
	if id == types.NoTab {
		return
	}

	c.emit(types.TabEvent{Kind: types.TabUpdated, TabID: id, Change: types.TabChange{Status: types.StatusComplete}})
	if watch {
		go c.releaseWatch(cdp, sid)
	}
}

func (c *Client) onTargetCreated(_ string, params json.RawMessage) {
	var ev struct {
		TargetInfo *target.Info `json:"targetInfo"`
	}
	if json.Unmarshal(params, &ev) != nil || ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
		return
	}
	c.tabs.idFor(ev.TargetInfo.TargetID)
}

func (c *Client) onTargetInfoChanged(_ string, params json.RawMessage) {
	var ev struct {
		TargetInfo *target.Info `json:"targetInfo"`
	}
	if json.Unmarshal(params, &ev) != nil || ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
		return
	}
	id := c.tabs.idFor(ev.TargetInfo.TargetID)
	c.emit(types.TabEvent{
		Kind:   types.TabUpdated,
		TabID:  id,
		Change: types.TabChange{URL: ev.TargetInfo.URL, Title: ev.TargetInfo.Title},
	})
}

func (c *Client) onTargetDestroyed(_ string, params json.RawMessage) {
	var ev struct {
		TargetID target.ID `json:"targetId"`
	}
	if json.Unmarshal(params, &ev) != nil {
		return
	}
	c.forget(ev.TargetID)
}

func (c *Client) onDetachedFromTarget(_ string, params json.RawMessage) {
	var ev struct {
		SessionID string `json:"sessionId"`
	}
	if json.Unmarshal(params, &ev) != nil || ev.SessionID == "" {
		return
	}

	c.stateMu.Lock()
	if _, ok := c.watches[ev.SessionID]; ok {
		delete(c.watches, ev.SessionID)
		c.stateMu.Unlock()
		return
	}
	id := c.ownerLocked(ev.SessionID)
	if id != types.NoTab {
		delete(c.sessions, id)
	}
	dbg := c.debugger
	c.stateMu.Unlock()

	if id != types.NoTab && dbg != nil {
		dbg.HandleDetached(id, "detached by browser")
	}
}

// forget drops all state for a target that no longer exists.
func (c *Client) forget(targetID target.ID) {
	id, ok := c.tabs.remove(targetID)
	if !ok {
		return
	}
	c.stateMu.Lock()
	_, hadSession := c.sessions[id]
	delete(c.sessions, id)
	delete(c.status, id)
	for sid, wid := range c.watches {
		if wid == id {
			delete(c.watches, sid)
		}
	}
	if c.active == id {
		c.active = types.NoTab
	}
	dbg := c.debugger
	c.stateMu.Unlock()

	if hadSession && dbg != nil {
		dbg.HandleDetached(id, "target destroyed")
	}
}

func (c *Client) ownerLocked(sid string) types.TabID {
	for id, s := range c.sessions {
		if s == sid {
			return id
		}
	}
	return types.NoTab
}

func (c *Client) session(tabID types.TabID) (string, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	sid, ok := c.sessions[tabID]
	return sid, ok
}

func (c *Client) setStatus(tabID types.TabID, status string) {
	c.stateMu.Lock()
	c.status[tabID] = status
	c.stateMu.Unlock()
}

func (c *Client) statusOf(tabID types.TabID) string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if s, ok := c.status[tabID]; ok {
		return s
	}
	return types.StatusComplete
}

func (c *Client) setActive(tabID types.TabID) {
	c.stateMu.Lock()
	c.active = tabID
	c.stateMu.Unlock()
}

func (c *Client) activeID() types.TabID {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.active
}

func (c *Client) pageTabs(infos []*target.Info) []types.Tab {
	tabs := make([]types.Tab, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		id := c.tabs.idFor(info.TargetID)
		tabs = append(tabs, types.Tab{ID: id, URL: info.URL, Title: info.Title, Status: c.statusOf(id)})
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].ID < tabs[j].ID })
	return tabs
}

// resolveActive returns the tab last created or activated through the
// client, falling back to the first page of /json/list.
func (c *Client) resolveActive(ctx context.Context, cdp *rawCDP, tabs []types.Tab) types.TabID {
	active := c.activeID()
	for _, t := range tabs {
		if t.ID == active {
			return active
		}
	}

	listed, err := cdp.listTargets(ctx)
	if err != nil {
		slog.Warn("cdpcontrol active tab lookup failed", "error", err)
		return types.NoTab
	}
	for _, info := range listed {
		if info.Type != "page" {
			continue
		}
		if id, ok := c.tabs.lookup(info.TargetID); ok {
			c.setActive(id)
			return id
		}
	}
	return types.NoTab
}

// evalOnTab evaluates js on the tab's debugger session and decodes the JSON
// string result into out.
func (c *Client) evalOnTab(ctx context.Context, tabID types.TabID, js string, out any) error {
	sid, ok := c.session(tabID)
	if !ok {
		return newError(CodeCDPUnavailable, fmt.Sprintf("tab %d has no debugger session", tabID), nil)
	}
	cdp, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}

	evalCtx, cancel := context.WithTimeout(ctx, c.evalTimeout)
	defer cancel()

	raw, err := cdp.evaluate(evalCtx, sid, js)
	if err != nil {
		slog.Warn("cdpcontrol eval failed", "tab_id", tabID, "error", err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return newError(CodeEvalTimeout, "evaluation timed out", err)
		}
		return newError(CodeEvalFailure, "evaluation failed", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation data", err)
	}
	return nil
}
