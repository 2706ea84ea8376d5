package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/types"
)

// TabEventSource reports tab events; the CDP client is one.
type TabEventSource interface {
	Subscribe(fn func(types.TabEvent)) (unsubscribe func())
}

// Journal persists relayed records.
type Journal interface {
	Write(record any) error
}

// Record is the wire and journal form of a tab event.
type Record struct {
	Time   time.Time          `json:"time"`
	Kind   types.TabEventKind `json:"kind"`
	TabID  types.TabID        `json:"tab_id"`
	URL    string             `json:"url,omitempty"`
	Title  string             `json:"title,omitempty"`
	Status string             `json:"status,omitempty"`
}

// Relay publishes tab events to a Broker, feed per event kind, and copies
// them to an optional Journal.
type Relay struct {
	broker  *Broker
	journal Journal

	mu          sync.Mutex
	unsubscribe func()
}

func NewRelay(broker *Broker, journal Journal) *Relay {
	return &Relay{broker: broker, journal: journal}
}

// Start subscribes to src. A running relay is restarted on the new source.
func (r *Relay) Start(src TabEventSource) {
	r.Stop()
	unsub := src.Subscribe(r.onTabEvent)
	r.mu.Lock()
	r.unsubscribe = unsub
	r.mu.Unlock()
	slog.Info("relay started", "journal", r.journal != nil)
}

func (r *Relay) Stop() {
	r.mu.Lock()
	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
		slog.Info("relay stopped")
	}
}

// onTabEvent runs on the source's event goroutine and must not block.
func (r *Relay) onTabEvent(ev types.TabEvent) {
	rec := Record{
		Time:   time.Now().UTC(),
		Kind:   ev.Kind,
		TabID:  ev.TabID,
		URL:    ev.Change.URL,
		Title:  ev.Change.Title,
		Status: ev.Change.Status,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		slog.Error("relay marshal failed", "tab_id", ev.TabID, "error", err)
		return
	}
	r.broker.Publish(Event{Feed: string(ev.Kind), Payload: string(payload)})

	if r.journal != nil {
		if err := r.journal.Write(rec); err != nil {
			slog.Debug("relay journal write failed", "tab_id", ev.TabID, "error", err)
		}
	}
}
