package relay

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

// feedSet is the ?feeds= filter of one stream; nil accepts every feed.
type feedSet []string

func parseFeeds(raw string) feedSet {
	var feeds feedSet
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" && !slices.Contains(feeds, f) {
			feeds = append(feeds, f)
		}
	}
	return feeds
}

func (s feedSet) accepts(feed string) bool {
	return s == nil || slices.Contains(s, feed)
}

func writeEvent(w io.Writer, evt Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Feed, evt.Payload)
	return err
}

// SSEHandler streams broker events as server-sent events. Clients may
// filter feeds with ?feeds=updated,activated.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		feeds := parseFeeds(r.URL.Query().Get("feeds"))

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")

		// Subscribe before the first flush so nothing published after the
		// client sees the response is missed.
		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)
		if err := rc.Flush(); err != nil {
			slog.Warn("relay stream flush unsupported", "error", err)
			return
		}
		slog.Debug("relay stream opened", "subscriber", id, "feeds", []string(feeds))

		for {
			select {
			case <-r.Context().Done():
				slog.Debug("relay stream closed", "subscriber", id)
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if !feeds.accepts(evt.Feed) {
					continue
				}
				if err := writeEvent(w, evt); err != nil {
					slog.Debug("relay stream write failed", "subscriber", id, "error", err)
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
			}
		}
	}
}
