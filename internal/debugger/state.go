package debugger

import (
	"context"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/types"
)

// Operation names the last attach/detach operation run for a tab.
type Operation string

const (
	OpNone   Operation = "none"
	OpAttach Operation = "attach"
	OpDetach Operation = "detach"
)

// State is the per-tab debugger bookkeeping record.
// IsAttaching and IsDetaching are never both true.
type State struct {
	IsAttaching   bool      `json:"is_attaching"`
	IsDetaching   bool      `json:"is_detaching"`
	IsAttached    bool      `json:"is_attached"`
	LastOperation Operation `json:"last_operation"`
	Timestamp     time.Time `json:"timestamp"`
}

// Busy reports whether an attach or detach is in flight.
func (s State) Busy() bool {
	return s.IsAttaching || s.IsDetaching
}

// Protocol is the remote debugging capability keyed by tab id.
type Protocol interface {
	Attach(ctx context.Context, tabID types.TabID, version string) error
	Detach(ctx context.Context, tabID types.TabID) error
	Targets(ctx context.Context) ([]types.Target, error)
}

// Options tunes the Manager's timing.
type Options struct {
	// ProtocolVersion is passed to Protocol.Attach.
	ProtocolVersion string
	// SettleDelay is slept after detaching a foreign session before attaching.
	SettleDelay time.Duration
	// OperationTimeout bounds waits on another caller's in-flight operation.
	OperationTimeout time.Duration
}

// DefaultOptions returns the timings used by the browser extension this
// manager coordinates with.
func DefaultOptions() Options {
	return Options{
		ProtocolVersion:  "1.3",
		SettleDelay:      200 * time.Millisecond,
		OperationTimeout: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ProtocolVersion == "" {
		o.ProtocolVersion = d.ProtocolVersion
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	return o
}
