package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Event kinds.
const (
	KindStarted      = "started"
	KindStopped      = "stopped"
	KindSuspended    = "suspended"
	KindResumed      = "resumed"
	KindAvailability = "availability"
)

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxEvents   int           // retention; 0 means DefaultMaxEvents
}

const DefaultMaxEvents = 10000

// Event is one entry of the module event log.
type Event struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Boot   string    `json:"boot,omitempty"`
	Module string    `json:"module"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// Store is the persistence API used by the host.
type Store interface {
	AppendEvent(ctx context.Context, e Event) error
	// RecentEvents returns up to limit events, newest first. An empty
	// module matches every module.
	RecentEvents(ctx context.Context, module string, limit int) ([]Event, error)
	Close() error
}
