package registry

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/types"
)

type fakeDirectory struct {
	mu      sync.Mutex
	tabs    map[types.TabID]*types.Tab
	nextID  types.TabID
	subs    map[int]func(types.TabEvent)
	nextSub int
	calls   []string

	createGate     chan struct{}
	settleOnUpdate bool
}

func newFakeDirectory(tabs ...types.Tab) *fakeDirectory {
	d := &fakeDirectory{
		tabs: make(map[types.TabID]*types.Tab),
		subs: make(map[int]func(types.TabEvent)),
	}
	for _, t := range tabs {
		tab := t
		d.tabs[tab.ID] = &tab
		if tab.ID > d.nextID {
			d.nextID = tab.ID
		}
	}
	return d
}

func (d *fakeDirectory) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func (d *fakeDirectory) count(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (d *fakeDirectory) callLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

func (d *fakeDirectory) listeners() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (d *fakeDirectory) Create(ctx context.Context, opts CreateOptions) (types.Tab, error) {
	d.record("create " + opts.URL)
	if d.createGate != nil {
		select {
		case <-d.createGate:
		case <-ctx.Done():
			return types.Tab{}, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	tab := types.Tab{ID: d.nextID, URL: opts.URL, Title: "Title " + opts.URL, Status: types.StatusComplete, Active: opts.Active}
	if opts.Active {
		for _, t := range d.tabs {
			t.Active = false
		}
	}
	d.tabs[tab.ID] = &tab
	return tab, nil
}

func (d *fakeDirectory) Query(_ context.Context, q types.TabQuery) ([]types.Tab, error) {
	d.record("query")
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.Tab, 0, len(d.tabs))
	for _, t := range d.tabs {
		if q.Active && !t.Active {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *fakeDirectory) Get(_ context.Context, id types.TabID) (types.Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tabs[id]
	if !ok {
		return types.Tab{}, fmt.Errorf("get tab %d: %w", id, types.ErrTabNotFound)
	}
	return *t, nil
}

func (d *fakeDirectory) Update(_ context.Context, id types.TabID, opts UpdateOptions) error {
	d.record(fmt.Sprintf("update %d %s", id, opts.URL))
	d.mu.Lock()
	tab, ok := d.tabs[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("update tab %d: %w", id, types.ErrTabNotFound)
	}
	if opts.URL != "" {
		tab.URL = opts.URL
		tab.Title = ""
		tab.Status = types.StatusLoading
	}
	if opts.Active {
		for _, t := range d.tabs {
			t.Active = false
		}
		tab.Active = true
	}
	settle := d.settleOnUpdate && opts.URL != ""
	d.mu.Unlock()

	if opts.Active {
		d.emit(types.TabEvent{Kind: types.TabActivated, TabID: id})
	}
	if settle {
		go d.settle(id, opts.URL)
	}
	return nil
}

func (d *fakeDirectory) settle(id types.TabID, url string) {
	time.Sleep(20 * time.Millisecond)
	d.mu.Lock()
	if tab, ok := d.tabs[id]; ok {
		tab.Title = "Title " + url
		tab.Status = types.StatusComplete
	}
	d.mu.Unlock()
	d.emit(types.TabEvent{Kind: types.TabUpdated, TabID: id, Change: types.TabChange{URL: url}})
	d.emit(types.TabEvent{Kind: types.TabUpdated, TabID: id, Change: types.TabChange{Title: "Title " + url}})
	d.emit(types.TabEvent{Kind: types.TabUpdated, TabID: id, Change: types.TabChange{Status: types.StatusComplete}})
}

func (d *fakeDirectory) Remove(_ context.Context, id types.TabID) error {
	d.record(fmt.Sprintf("remove %d", id))
	d.mu.Lock()
	defer d.mu.Unlock()
	tab, ok := d.tabs[id]
	if !ok {
		return fmt.Errorf("remove tab %d: %w", id, types.ErrTabNotFound)
	}
	delete(d.tabs, id)
	if tab.Active {
		var next types.TabID
		for tid := range d.tabs {
			if next == types.NoTab || tid < next {
				next = tid
			}
		}
		if next != types.NoTab {
			d.tabs[next].Active = true
		}
	}
	return nil
}

func (d *fakeDirectory) Subscribe(fn func(types.TabEvent)) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

func (d *fakeDirectory) emit(ev types.TabEvent) {
	d.mu.Lock()
	fns := make([]func(types.TabEvent), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type fakeHandle struct {
	tabID types.TabID
	url   string
	title string

	attachOK    bool
	detachErr   error
	detachPanic bool

	attached       atomic.Bool
	attachCalls    atomic.Int32
	detachCalls    atomic.Int32
	highlightCalls atomic.Int32

	mu          sync.Mutex
	navigations []string
}

func (h *fakeHandle) TabID() types.TabID { return h.tabID }
func (h *fakeHandle) URL() string        { return h.url }
func (h *fakeHandle) Title() string      { return h.title }
func (h *fakeHandle) Attached() bool     { return h.attached.Load() }

func (h *fakeHandle) Attach(context.Context) bool {
	h.attachCalls.Add(1)
	if h.attachOK {
		h.attached.Store(true)
	}
	return h.attachOK
}

func (h *fakeHandle) Detach(context.Context) error {
	h.detachCalls.Add(1)
	h.attached.Store(false)
	if h.detachPanic {
		panic("detach exploded")
	}
	return h.detachErr
}

func (h *fakeHandle) NavigateTo(_ context.Context, url string) error {
	h.mu.Lock()
	h.navigations = append(h.navigations, url)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) State(context.Context, StateOptions) (PageState, error) {
	return PageState{TabID: h.tabID, URL: h.url, Title: h.title}, nil
}

func (h *fakeHandle) RemoveHighlight(context.Context) error {
	h.highlightCalls.Add(1)
	return nil
}

type fakeFactory struct {
	mu            sync.Mutex
	handles       []*fakeHandle
	attachResults []bool
	gate          chan struct{}
}

func (f *fakeFactory) setGate(gate chan struct{}) {
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
}

func (f *fakeFactory) NewHandle(tab types.Tab) Handle {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	ok := true
	if len(f.attachResults) > 0 {
		ok = f.attachResults[0]
		f.attachResults = f.attachResults[1:]
	}
	h := &fakeHandle{tabID: tab.ID, url: tab.URL, title: tab.Title, attachOK: ok}
	f.handles = append(f.handles, h)
	return h
}

func (f *fakeFactory) created() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.handles)
}

type fakeDebugger struct {
	mu       sync.Mutex
	busy     map[types.TabID]int
	cleared  []types.TabID
	detached []types.TabID
}

func newFakeDebugger() *fakeDebugger {
	return &fakeDebugger{busy: make(map[types.TabID]int)}
}

// setBusy makes IsBusy answer true for the next n calls.
func (d *fakeDebugger) setBusy(tabID types.TabID, n int) {
	d.mu.Lock()
	d.busy[tabID] = n
	d.mu.Unlock()
}

func (d *fakeDebugger) IsBusy(tabID types.TabID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy[tabID] > 0 {
		d.busy[tabID]--
		return true
	}
	return false
}

func (d *fakeDebugger) ClearState(tabID types.TabID) {
	d.mu.Lock()
	d.cleared = append(d.cleared, tabID)
	d.mu.Unlock()
}

func (d *fakeDebugger) Detach(_ context.Context, tabID types.TabID) {
	d.mu.Lock()
	d.detached = append(d.detached, tabID)
	d.mu.Unlock()
}

func (d *fakeDebugger) snapshot() (cleared, detached []types.TabID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.cleared), slices.Clone(d.detached)
}

// prefixPolicy denies urls starting with a deny entry unless an allow entry
// also matches.
var prefixPolicy = URLPolicyFunc(func(url string, allow, deny []string) bool {
	for _, a := range allow {
		if strings.HasPrefix(url, a) {
			return true
		}
	}
	for _, d := range deny {
		if strings.HasPrefix(url, d) {
			return false
		}
	}
	return true
})

func newTestRegistry(dir *fakeDirectory) (*Registry, *fakeFactory, *fakeDebugger) {
	factory := &fakeFactory{}
	dbg := newFakeDebugger()
	cfg := DefaultConfig()
	cfg.BusyWaitInterval = time.Millisecond
	cfg.SettleTimeout = time.Second
	cfg.DeniedURLs = []string{"https://blocked.example"}
	return New(cfg, dir, dbg, factory, prefixPolicy), factory, dbg
}
