package cdpcontrol

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func withDefaultHTTPClient(t *testing.T, transport http.RoundTripper) {
	t.Helper()
	origClient := http.DefaultClient
	t.Cleanup(func() {
		http.DefaultClient = origClient
	})
	http.DefaultClient = &http.Client{
		Transport: transport,
	}
}

type fakeTarget struct {
	id      target.ID
	url     string
	title   string
	foreign bool
}

// fakeBrowser serves the CDP HTTP discovery endpoints and a browser-level
// WebSocket that understands the target, page and runtime commands the
// client sends.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	targets     []*fakeTarget // /json/list order, most recently focused first
	sessions    map[string]target.ID
	nextSession int
	nextTarget  int
	calls       []string
	protocol    string

	writeMu sync.Mutex
	conn    net.Conn
}

func newFakeBrowser(t *testing.T, targets ...*fakeTarget) *fakeBrowser {
	t.Helper()
	b := &fakeBrowser{
		t:        t,
		targets:  targets,
		sessions: make(map[string]target.ID),
		protocol: "1.3",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", b.handleVersion)
	mux.HandleFunc("/json/list", b.handleList)
	mux.HandleFunc("/devtools/browser/fake", b.handleWS)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBrowser) url() string { return b.srv.URL }

func (b *fakeBrowser) handleVersion(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	protocol := b.protocol
	b.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]string{
		"Browser":              "FakeChrome/1.0",
		"Protocol-Version":     protocol,
		"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/fake",
	})
}

func (b *fakeBrowser) handleList(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	entries := make([]map[string]string, 0, len(b.targets))
	for _, t := range b.targets {
		entries = append(entries, map[string]string{"id": string(t.id), "type": "page", "url": t.url, "title": t.title})
	}
	b.mu.Unlock()
	_ = json.NewEncoder(w).Encode(entries)
}

func (b *fakeBrowser) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		b.t.Errorf("ws upgrade: %v", err)
		return
	}
	b.writeMu.Lock()
	b.conn = conn
	b.writeMu.Unlock()
	defer conn.Close()

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			b.t.Errorf("bad request %s: %v", data, err)
			return
		}
		b.mu.Lock()
		b.calls = append(b.calls, req.Method)
		b.mu.Unlock()

		result, after, cmdErr := b.handle(req.Method, req.SessionID, req.Params)
		resp := map[string]any{"id": req.ID}
		if req.SessionID != "" {
			resp["sessionId"] = req.SessionID
		}
		if cmdErr != "" {
			resp["error"] = map[string]any{"code": -32000, "message": cmdErr}
		} else {
			resp["result"] = result
		}
		b.write(resp)
		for _, ev := range after {
			b.write(ev)
		}
	}
}

func (b *fakeBrowser) write(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.t.Errorf("marshal: %v", err)
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.conn != nil {
		_ = wsutil.WriteServerText(b.conn, data)
	}
}

func event(method, sessionID string, params any) map[string]any {
	ev := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		ev["sessionId"] = sessionID
	}
	return ev
}

func (b *fakeBrowser) findLocked(id target.ID) *fakeTarget {
	for _, t := range b.targets {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (b *fakeBrowser) infoLocked(t *fakeTarget) map[string]any {
	attached := t.foreign
	for _, tid := range b.sessions {
		if tid == t.id {
			attached = true
		}
	}
	return map[string]any{"targetId": t.id, "type": "page", "url": t.url, "title": t.title, "attached": attached}
}

func (b *fakeBrowser) handle(method, sessionID string, raw json.RawMessage) (any, []any, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var p struct {
		TargetID   target.ID `json:"targetId"`
		SessionID  string    `json:"sessionId"`
		URL        string    `json:"url"`
		Expression string    `json:"expression"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}

	switch method {
	case "Target.setDiscoverTargets", "Page.enable":
		return map[string]any{}, nil, ""

	case "Target.getTargets":
		infos := make([]any, 0, len(b.targets))
		for _, t := range b.targets {
			infos = append(infos, b.infoLocked(t))
		}
		return map[string]any{"targetInfos": infos}, nil, ""

	case "Target.createTarget":
		b.nextTarget++
		t := &fakeTarget{id: target.ID(fmt.Sprintf("T%d", b.nextTarget)), url: p.URL, title: p.URL}
		b.targets = append([]*fakeTarget{t}, b.targets...)
		return map[string]any{"targetId": t.id}, []any{event("Target.targetCreated", "", map[string]any{"targetInfo": b.infoLocked(t)})}, ""

	case "Target.attachToTarget":
		if b.findLocked(p.TargetID) == nil {
			return nil, nil, "No target with given id found"
		}
		b.nextSession++
		sid := fmt.Sprintf("S%d", b.nextSession)
		b.sessions[sid] = p.TargetID
		return map[string]any{"sessionId": sid}, nil, ""

	case "Target.detachFromTarget":
		tid, ok := b.sessions[p.SessionID]
		if !ok {
			return nil, nil, "No session with given id"
		}
		delete(b.sessions, p.SessionID)
		return map[string]any{}, []any{event("Target.detachedFromTarget", "", map[string]any{"sessionId": p.SessionID, "targetId": tid})}, ""

	case "Target.activateTarget":
		if b.findLocked(p.TargetID) == nil {
			return nil, nil, "No target with given id found"
		}
		return map[string]any{}, nil, ""

	case "Target.closeTarget":
		for i, t := range b.targets {
			if t.id == p.TargetID {
				b.targets = append(b.targets[:i], b.targets[i+1:]...)
				return map[string]any{"success": true}, []any{event("Target.targetDestroyed", "", map[string]any{"targetId": p.TargetID})}, ""
			}
		}
		return nil, nil, "No target with given id found"

	case "Page.navigate":
		t := b.findLocked(b.sessions[sessionID])
		if t == nil {
			return nil, nil, "session not found"
		}
		t.url = p.URL
		t.title = "Title " + p.URL
		return map[string]any{"frameId": "F1"}, []any{
			event("Target.targetInfoChanged", "", map[string]any{"targetInfo": b.infoLocked(t)}),
			event("Page.loadEventFired", sessionID, map[string]any{"timestamp": 1}),
		}, ""

	case "Runtime.evaluate":
		t := b.findLocked(b.sessions[sessionID])
		if t == nil {
			return nil, nil, "session not found"
		}
		var value string
		switch {
		case p.Expression == "document.readyState":
			value = "complete"
		case strings.Contains(p.Expression, "location.href"):
			state, _ := json.Marshal(map[string]string{"url": t.url, "title": t.title})
			value = string(state)
		default:
			value = "ok"
		}
		return map[string]any{"result": map[string]any{"type": "string", "value": value}}, nil, ""
	}
	return nil, nil, "unknown method " + method
}

// emit pushes an unsolicited event to the client.
func (b *fakeBrowser) emit(method, sessionID string, params any) {
	b.write(event(method, sessionID, params))
}

func (b *fakeBrowser) callCount(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (b *fakeBrowser) sessionFor(id target.ID) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sid, tid := range b.sessions {
		if tid == id {
			return sid
		}
	}
	return ""
}
