package cdpcontrol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabwarden/internal/debugger"
	"github.com/dgnsrekt/tabwarden/internal/registry"
	"github.com/dgnsrekt/tabwarden/internal/types"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectedClient(t *testing.T, b *fakeBrowser) *Client {
	t.Helper()
	c := NewClient(b.url(), time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type recordingDebugger struct {
	mu       sync.Mutex
	detached []types.TabID
}

func (d *recordingDebugger) Attach(context.Context, types.TabID) bool { return true }
func (d *recordingDebugger) Detach(context.Context, types.TabID)      {}
func (d *recordingDebugger) HandleDetached(tabID types.TabID, _ string) {
	d.mu.Lock()
	d.detached = append(d.detached, tabID)
	d.mu.Unlock()
}

func (d *recordingDebugger) got() []types.TabID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.TabID(nil), d.detached...)
}

func TestConnectFailsWithoutVersionEndpoint(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(``))}, nil
	}))

	c := NewClient("http://example.com", time.Second)
	err := c.Connect(context.Background())
	if !HasCode(err, CodeCDPUnavailable) {
		t.Fatalf("Connect() = %v; want %s", err, CodeCDPUnavailable)
	}
	if !strings.Contains(err.Error(), "/json/version: HTTP 404") {
		t.Fatalf("Connect() error = %q; want HTTP status in cause", err)
	}
}

func TestConnectRequiresURL(t *testing.T) {
	err := NewClient("", time.Second).Connect(context.Background())
	if !HasCode(err, CodeCDPUnavailable) {
		t.Fatalf("Connect() = %v; want %s", err, CodeCDPUnavailable)
	}
}

func TestListTargetsWrapsHTTPError(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/json/list" {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader(`oops`)),
			}, nil
		}
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(``))}, nil
	}))

	_, err := newRawCDP("http://example.com").listTargets(context.Background())
	if err == nil || !strings.Contains(err.Error(), "/json/list: HTTP 500") {
		t.Fatalf("listTargets() = %v; want HTTP 500 error", err)
	}
}

func TestCleanupLockedLogsDetachFailure(t *testing.T) {
	var buf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})

	client := NewClient("http://example.com", time.Second)
	client.cdp = newRawCDP("http://example.com")
	client.sessions[1] = "session-1"
	client.cleanupLocked()

	if !strings.Contains(buf.String(), "detach cleanup failed") {
		t.Fatalf("expected detach cleanup debug log, got %q", buf.String())
	}
	if len(client.sessions) != 0 {
		t.Fatalf("sessions = %v; want empty", client.sessions)
	}
	if client.cdp != nil {
		t.Fatal("cleanupLocked() left connection set")
	}
}

func TestQueryActiveFallsBackToFocusOrder(t *testing.T) {
	b := newFakeBrowser(t,
		&fakeTarget{id: "A", url: "https://a.example", title: "A"},
		&fakeTarget{id: "B", url: "https://b.example", title: "B"},
	)
	c := connectedClient(t, b)

	all, err := c.Query(context.Background(), types.TabQuery{})
	if err != nil {
		t.Fatalf("Query() = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Query() returned %d tabs; want 2", len(all))
	}

	active, err := c.Query(context.Background(), types.TabQuery{Active: true, CurrentWindow: true})
	if err != nil {
		t.Fatalf("Query(active) = %v", err)
	}
	if len(active) != 1 || active[0].URL != "https://a.example" || !active[0].Active {
		t.Fatalf("Query(active) = %+v; want tab A", active)
	}
}

func TestCreateNavigatesAndReportsLoad(t *testing.T) {
	b := newFakeBrowser(t)
	c := connectedClient(t, b)

	var (
		mu     sync.Mutex
		events []types.TabEvent
	)
	unsubscribe := c.Subscribe(func(ev types.TabEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer unsubscribe()

	tab, err := c.Create(context.Background(), registry.CreateOptions{URL: "https://x.example", Active: true})
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if tab.ID == types.NoTab {
		t.Fatal("Create() returned no tab id")
	}

	waitFor(t, "load complete", func() bool {
		got, err := c.Get(context.Background(), tab.ID)
		return err == nil && got.Status == types.StatusComplete && got.URL == "https://x.example"
	})
	got, _ := c.Get(context.Background(), tab.ID)
	if !got.Active || got.Title != "Title https://x.example" {
		t.Fatalf("Get() = %+v; want active tab with title", got)
	}

	mu.Lock()
	defer mu.Unlock()
	var activated, completed bool
	for _, ev := range events {
		if ev.TabID != tab.ID {
			continue
		}
		activated = activated || ev.Kind == types.TabActivated
		completed = completed || ev.Change.Status == types.StatusComplete
	}
	if !activated || !completed {
		t.Fatalf("events = %+v; want activation and load completion", events)
	}
}

func TestCreateBlankTabCompletesWithoutNavigation(t *testing.T) {
	b := newFakeBrowser(t)
	c := connectedClient(t, b)

	tab, err := c.Create(context.Background(), registry.CreateOptions{URL: "about:blank", Active: true})
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if tab.Status != types.StatusComplete {
		t.Fatalf("Create() status = %q; want complete", tab.Status)
	}
	if n := b.callCount("Page.navigate"); n != 0 {
		t.Fatalf("Page.navigate calls = %d; want 0", n)
	}
}

func TestGetUnknownTabWrapsNotFound(t *testing.T) {
	b := newFakeBrowser(t)
	c := connectedClient(t, b)

	_, err := c.Get(context.Background(), 42)
	if !errors.Is(err, types.ErrTabNotFound) {
		t.Fatalf("Get() = %v; want ErrTabNotFound", err)
	}
	if !HasCode(err, CodeTabNotFound) {
		t.Fatalf("Get() = %v; want %s", err, CodeTabNotFound)
	}
}

func TestRemoveForgetsTab(t *testing.T) {
	b := newFakeBrowser(t, &fakeTarget{id: "A", url: "https://a.example", title: "A"})
	c := connectedClient(t, b)
	tabs, err := c.Query(context.Background(), types.TabQuery{})
	if err != nil || len(tabs) != 1 {
		t.Fatalf("Query() = %v, %v", tabs, err)
	}

	if err := c.Remove(context.Background(), tabs[0].ID); err != nil {
		t.Fatalf("Remove() = %v", err)
	}
	if _, err := c.Get(context.Background(), tabs[0].ID); !errors.Is(err, types.ErrTabNotFound) {
		t.Fatalf("Get() after Remove = %v; want ErrTabNotFound", err)
	}
	if err := c.Remove(context.Background(), tabs[0].ID); !errors.Is(err, types.ErrTabNotFound) {
		t.Fatalf("second Remove() = %v; want ErrTabNotFound", err)
	}
}

func TestAttachDetachAndTargets(t *testing.T) {
	b := newFakeBrowser(t, &fakeTarget{id: "A", url: "https://a.example", title: "A"})
	c := connectedClient(t, b)
	tabs, _ := c.Query(context.Background(), types.TabQuery{})
	id := tabs[0].ID

	if err := c.Attach(context.Background(), id, "1.3"); err != nil {
		t.Fatalf("Attach() = %v", err)
	}
	if err := c.Attach(context.Background(), id, "1.3"); err != nil {
		t.Fatalf("second Attach() = %v", err)
	}
	if n := b.callCount("Target.attachToTarget"); n != 1 {
		t.Fatalf("attachToTarget calls = %d; want 1", n)
	}

	targets, err := c.Targets(context.Background())
	if err != nil {
		t.Fatalf("Targets() = %v", err)
	}
	if len(targets) != 1 || !targets[0].Attached {
		t.Fatalf("Targets() = %+v; want attached tab", targets)
	}

	if err := c.Detach(context.Background(), id); err != nil {
		t.Fatalf("Detach() = %v", err)
	}
	targets, _ = c.Targets(context.Background())
	if targets[0].Attached {
		t.Fatalf("Targets() after Detach = %+v; want detached", targets)
	}
}

func TestAttachRejectsProtocolMismatch(t *testing.T) {
	b := newFakeBrowser(t, &fakeTarget{id: "A", url: "https://a.example", title: "A"})
	c := connectedClient(t, b)
	tabs, _ := c.Query(context.Background(), types.TabQuery{})

	err := c.Attach(context.Background(), tabs[0].ID, "2.0")
	if !HasCode(err, CodeProtocol) {
		t.Fatalf("Attach() = %v; want %s", err, CodeProtocol)
	}
}

func TestDetachForeignSessionIsNoop(t *testing.T) {
	b := newFakeBrowser(t, &fakeTarget{id: "A", url: "https://a.example", title: "A", foreign: true})
	c := connectedClient(t, b)
	tabs, _ := c.Query(context.Background(), types.TabQuery{})

	targets, _ := c.Targets(context.Background())
	if !targets[0].Attached {
		t.Fatalf("Targets() = %+v; want foreign attachment reported", targets)
	}
	if err := c.Detach(context.Background(), tabs[0].ID); err != nil {
		t.Fatalf("Detach() = %v; want nil", err)
	}
	if n := b.callCount("Target.detachFromTarget"); n != 0 {
		t.Fatalf("detachFromTarget calls = %d; want 0", n)
	}
}

func TestBrowserDetachNotifiesDebugger(t *testing.T) {
	b := newFakeBrowser(t, &fakeTarget{id: "A", url: "https://a.example", title: "A"})
	c := connectedClient(t, b)
	dbg := &recordingDebugger{}
	c.SetDebugger(dbg)
	tabs, _ := c.Query(context.Background(), types.TabQuery{})
	id := tabs[0].ID

	if err := c.Attach(context.Background(), id, ""); err != nil {
		t.Fatalf("Attach() = %v", err)
	}
	sid := b.sessionFor(target.ID("A"))
	b.emit("Target.detachedFromTarget", "", map[string]any{"sessionId": sid, "targetId": "A"})

	waitFor(t, "detach notification", func() bool { return len(dbg.got()) == 1 })
	if got := dbg.got(); got[0] != id {
		t.Fatalf("HandleDetached tab = %d; want %d", got[0], id)
	}
	if _, ok := c.session(id); ok {
		t.Fatal("session still owned after browser detach")
	}
}

func TestPageLifecycleThroughManager(t *testing.T) {
	b := newFakeBrowser(t, &fakeTarget{id: "A", url: "https://a.example", title: "A"})
	c := connectedClient(t, b)
	mgr := debugger.NewManager(c, debugger.Options{SettleDelay: time.Millisecond, OperationTimeout: time.Second})
	c.SetDebugger(mgr)

	tabs, _ := c.Query(context.Background(), types.TabQuery{})
	h := c.NewHandle(tabs[0])
	page, ok := h.(*Page)
	if !ok || page.ID() == "" {
		t.Fatalf("NewHandle() = %T; want *Page with id", h)
	}
	if other := c.NewHandle(tabs[0]).(*Page); other.ID() == page.ID() {
		t.Fatal("handles of the same tab share an id")
	}

	if !h.Attach(context.Background()) || !h.Attached() {
		t.Fatal("Attach() failed")
	}
	if !mgr.State(h.TabID()).IsAttached {
		t.Fatal("manager does not record attachment")
	}

	if err := h.NavigateTo(context.Background(), "https://b.example"); err != nil {
		t.Fatalf("NavigateTo() = %v", err)
	}
	state, err := h.State(context.Background(), registry.StateOptions{})
	if err != nil {
		t.Fatalf("State() = %v", err)
	}
	if state.URL != "https://b.example" || h.URL() != "https://b.example" {
		t.Fatalf("State() = %+v; want navigated url", state)
	}
	if err := h.RemoveHighlight(context.Background()); err != nil {
		t.Fatalf("RemoveHighlight() = %v", err)
	}

	if err := h.Detach(context.Background()); err != nil {
		t.Fatalf("Detach() = %v", err)
	}
	if h.Attached() {
		t.Fatal("Attached() = true after Detach")
	}
	if mgr.State(h.TabID()).IsAttached {
		t.Fatal("manager still records attachment")
	}
}

func TestPageWithoutSessionFails(t *testing.T) {
	c := NewClient("http://example.com", time.Second)
	h := c.NewHandle(types.Tab{ID: 1})

	if h.Attach(context.Background()) {
		t.Fatal("Attach() without debugger = true")
	}
	if err := h.NavigateTo(context.Background(), "https://x.example"); !HasCode(err, CodeCDPUnavailable) {
		t.Fatalf("NavigateTo() = %v; want %s", err, CodeCDPUnavailable)
	}
	if _, err := h.State(context.Background(), registry.StateOptions{}); !HasCode(err, CodeCDPUnavailable) {
		t.Fatalf("State() = %v; want %s", err, CodeCDPUnavailable)
	}
}

func TestTabMapAllocatesStableIDs(t *testing.T) {
	m := newTabMap()
	a := m.idFor("A")
	b := m.idFor("B")
	if a == b || a == types.NoTab {
		t.Fatalf("idFor() = %d, %d; want distinct non-zero ids", a, b)
	}
	if again := m.idFor("A"); again != a {
		t.Fatalf("idFor(A) = %d; want %d", again, a)
	}
	if _, ok := m.remove("A"); !ok {
		t.Fatal("remove(A) = false")
	}
	if fresh := m.idFor("A"); fresh == a {
		t.Fatalf("id %d reused after remove", fresh)
	}
	if m.count() != 2 {
		t.Fatalf("count() = %d; want 2", m.count())
	}
}
