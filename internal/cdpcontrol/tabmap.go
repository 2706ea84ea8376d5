package cdpcontrol

import (
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabwarden/internal/types"
)

// tabMap assigns stable integer tab ids to CDP target ids. Ids are never
// reused within one process.
type tabMap struct {
	mu       sync.RWMutex
	next     types.TabID
	byTarget map[target.ID]types.TabID
	byTab    map[types.TabID]target.ID
}

func newTabMap() *tabMap {
	return &tabMap{
		byTarget: make(map[target.ID]types.TabID),
		byTab:    make(map[types.TabID]target.ID),
	}
}

// idFor returns the tab id of targetID, allocating one on first sight.
func (m *tabMap) idFor(targetID target.ID) types.TabID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byTarget[targetID]; ok {
		return id
	}
	m.next++
	m.byTarget[targetID] = m.next
	m.byTab[m.next] = targetID
	return m.next
}

// lookup returns the tab id of a known target without allocating.
func (m *tabMap) lookup(targetID target.ID) (types.TabID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTarget[targetID]
	return id, ok
}

func (m *tabMap) target(id types.TabID) (target.ID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byTab[id]
	return t, ok
}

func (m *tabMap) remove(targetID target.ID) (types.TabID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTarget[targetID]
	if ok {
		delete(m.byTarget, targetID)
		delete(m.byTab, id)
	}
	return id, ok
}

func (m *tabMap) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byTab)
}
