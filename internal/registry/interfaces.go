package registry

import (
	"context"

	"github.com/dgnsrekt/tabwarden/internal/types"
)

// CreateOptions describes a tab to open.
type CreateOptions struct {
	URL    string
	Active bool
}

// UpdateOptions describes a tab mutation. Empty URL leaves the tab where it is.
type UpdateOptions struct {
	URL    string
	Active bool
}

// Directory is the browser's tab management capability.
type Directory interface {
	Create(ctx context.Context, opts CreateOptions) (types.Tab, error)
	Query(ctx context.Context, q types.TabQuery) ([]types.Tab, error)
	// Get wraps types.ErrTabNotFound when the tab does not exist.
	Get(ctx context.Context, id types.TabID) (types.Tab, error)
	Update(ctx context.Context, id types.TabID, opts UpdateOptions) error
	Remove(ctx context.Context, id types.TabID) error
	// Subscribe registers fn for tab events until the returned func is called.
	Subscribe(fn func(types.TabEvent)) (unsubscribe func())
}

// Debugger is the part of debugger.Manager the registry relies on.
type Debugger interface {
	IsBusy(tabID types.TabID) bool
	ClearState(tabID types.TabID)
	Detach(ctx context.Context, tabID types.TabID)
}

// StateOptions tunes Handle.State.
type StateOptions struct {
	UseVision              bool
	CacheClickableElements bool
}

// PageState is what a handle reports about its page.
type PageState struct {
	TabID types.TabID `json:"tab_id"`
	URL   string      `json:"url"`
	Title string      `json:"title"`
}

// BrowserState is the page state of the current handle plus every tab.
type BrowserState struct {
	PageState
	Tabs          []types.TabInfo `json:"tabs"`
	BrowserErrors []string        `json:"browser_errors"`
}

// Handle is one tab's automation session.
type Handle interface {
	TabID() types.TabID
	URL() string
	Title() string
	Attached() bool
	// Attach reports success; failures are never returned as errors.
	Attach(ctx context.Context) bool
	Detach(ctx context.Context) error
	NavigateTo(ctx context.Context, url string) error
	State(ctx context.Context, opts StateOptions) (PageState, error)
	RemoveHighlight(ctx context.Context) error
}

// HandleFactory constructs unattached handles for tabs.
type HandleFactory interface {
	NewHandle(tab types.Tab) Handle
}

// URLPolicy decides whether navigation to a URL may proceed given the
// configured allow and deny lists.
type URLPolicy interface {
	Allowed(url string, allow, deny []string) bool
}

// URLPolicyFunc adapts a function to URLPolicy.
type URLPolicyFunc func(url string, allow, deny []string) bool

func (f URLPolicyFunc) Allowed(url string, allow, deny []string) bool { return f(url, allow, deny) }
