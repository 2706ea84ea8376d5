package types

import "errors"

// TabID identifies a browser tab for its whole lifetime.
type TabID int

// NoTab is the zero TabID and means "no tab selected".
const NoTab TabID = 0

// ErrTabNotFound is wrapped by directory implementations when a tab id is
// unknown to the browser.
var ErrTabNotFound = errors.New("tab not found")

// Tab load status values reported by the directory.
const (
	StatusLoading  = "loading"
	StatusComplete = "complete"
)

// Tab is a snapshot of a browser tab as reported by the tab directory.
type Tab struct {
	ID     TabID  `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Status string `json:"status,omitempty"`
	Active bool   `json:"active"`
}

// TabQuery filters directory queries. Zero value matches every tab.
type TabQuery struct {
	Active        bool
	CurrentWindow bool
}

// TabChange carries the fields that changed in an "updated" event.
// Empty strings mean the field did not change.
type TabChange struct {
	URL    string `json:"url,omitempty"`
	Title  string `json:"title,omitempty"`
	Status string `json:"status,omitempty"`
}

// TabEventKind distinguishes directory events.
type TabEventKind string

const (
	TabUpdated   TabEventKind = "updated"
	TabActivated TabEventKind = "activated"
)

// TabEvent is delivered to directory subscribers.
type TabEvent struct {
	Kind   TabEventKind
	TabID  TabID
	Change TabChange
}

// Target is one entry of the debugger target enumeration.
type Target struct {
	TabID    TabID
	Attached bool
}

// TabInfo is the public summary of a tab returned by state queries.
type TabInfo struct {
	ID    TabID  `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}
