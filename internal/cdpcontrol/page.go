package cdpcontrol

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/registry"
	"github.com/dgnsrekt/tabwarden/internal/types"
	"github.com/google/uuid"
)

const jsPageState = `JSON.stringify({url: location.href, title: document.title})`

const jsRemoveHighlight = `(function(){
const container = document.getElementById('playwright-highlight-container');
if (container) container.remove();
document.querySelectorAll('[browser-user-highlight-id]').forEach(function(el){
  el.removeAttribute('browser-user-highlight-id');
});
return "ok";
})()`

// Page is a handle on one tab's debugger session. Attach and Detach go
// through the client's Debugger so every session change is serialized per
// tab.
type Page struct {
	client *Client
	id     string
	tabID  types.TabID

	mu       sync.Mutex
	url      string
	title    string
	attached bool
}

func newPage(c *Client, tab types.Tab) *Page {
	return &Page{
		client: c,
		id:     uuid.NewString(),
		tabID:  tab.ID,
		url:    tab.URL,
		title:  tab.Title,
	}
}

// ID identifies this handle in logs; it differs between handles of the
// same tab.
func (p *Page) ID() string { return p.id }

func (p *Page) TabID() types.TabID { return p.tabID }

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

// Attached reports whether the handle attached and its session is still
// alive.
func (p *Page) Attached() bool {
	p.mu.Lock()
	attached := p.attached
	p.mu.Unlock()
	if !attached {
		return false
	}
	_, ok := p.client.session(p.tabID)
	return ok
}

func (p *Page) Attach(ctx context.Context) bool {
	dbg := p.client.debuggerRef()
	if dbg == nil {
		slog.Error("cdpcontrol page attach without debugger", "page_id", p.id, "tab_id", p.tabID)
		return false
	}

	slog.Info("cdpcontrol page attach", "page_id", p.id, "tab_id", p.tabID)
	if !dbg.Attach(ctx, p.tabID) {
		return false
	}
	sid, ok := p.client.session(p.tabID)
	if !ok {
		slog.Warn("cdpcontrol page attached but session missing", "page_id", p.id, "tab_id", p.tabID)
		return false
	}

	if cdp, err := p.client.ensureConnected(ctx); err == nil {
		if err := cdp.enablePageDomain(ctx, sid); err != nil {
			slog.Warn("cdpcontrol page domain enable failed", "page_id", p.id, "tab_id", p.tabID, "error", err)
		}
	}

	p.mu.Lock()
	p.attached = true
	p.mu.Unlock()
	return true
}

func (p *Page) Detach(ctx context.Context) error {
	p.mu.Lock()
	p.attached = false
	p.mu.Unlock()

	dbg := p.client.debuggerRef()
	if dbg == nil {
		return newError(CodeCDPUnavailable, "no debugger configured", nil)
	}
	slog.Info("cdpcontrol page detach", "page_id", p.id, "tab_id", p.tabID)
	dbg.Detach(ctx, p.tabID)
	return nil
}

// NavigateTo loads url in the attached session and waits for the load event.
func (p *Page) NavigateTo(ctx context.Context, url string) error {
	sid, ok := p.client.session(p.tabID)
	if !ok {
		return newError(CodeCDPUnavailable, "page is not attached", nil)
	}
	cdp, err := p.client.ensureConnected(ctx)
	if err != nil {
		return err
	}

	loaded := make(chan struct{}, 1)
	unregister := cdp.registerEventHandler("Page.loadEventFired", func(sessionID string, _ json.RawMessage) {
		if sessionID != sid {
			return
		}
		select {
		case loaded <- struct{}{}:
		default:
		}
	})
	defer unregister()

	slog.Info("cdpcontrol page navigate", "page_id", p.id, "tab_id", p.tabID, "url", url)
	p.client.setStatus(p.tabID, types.StatusLoading)
	if err := cdp.navigate(ctx, sid, url); err != nil {
		return newError(CodeEvalFailure, "navigate failed", err)
	}

	timer := time.NewTimer(p.client.loadTimeout)
	defer timer.Stop()
	select {
	case <-loaded:
	case <-timer.C:
		return newError(CodeEvalTimeout, "page load timed out", nil)
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := p.State(ctx, registry.StateOptions{}); err != nil {
		slog.Debug("cdpcontrol page state refresh failed", "page_id", p.id, "error", err)
	}
	return nil
}

// State reads the page's URL and title.
func (p *Page) State(ctx context.Context, _ registry.StateOptions) (registry.PageState, error) {
	var out struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	if err := p.client.evalOnTab(ctx, p.tabID, jsPageState, &out); err != nil {
		return registry.PageState{}, err
	}

	p.mu.Lock()
	p.url, p.title = out.URL, out.Title
	p.mu.Unlock()
	return registry.PageState{TabID: p.tabID, URL: out.URL, Title: out.Title}, nil
}

// RemoveHighlight removes element highlight overlays from the page.
func (p *Page) RemoveHighlight(ctx context.Context) error {
	return p.client.evalOnTab(ctx, p.tabID, jsRemoveHighlight, nil)
}
