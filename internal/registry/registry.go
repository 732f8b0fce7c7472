// Package registry tracks the live sessions of a gateway instance for stats, readiness and drain.
// Sessions can optionally be mirrored to Redis so several instances behind one load balancer
// report a combined view.
package registry

import (
	"errors"
	"time"

	"github.com/matst80/wsgate/internal/obs"
)

// ErrUnknownSession is returned when updating a session that is not registered.
var ErrUnknownSession = errors.New("unknown session")

// Info describes one live session.
type Info struct {
	ID         string    `json:"id"`
	ClientAddr string    `json:"client_addr"`
	ClientPort uint16    `json:"client_port"`
	State      string    `json:"state"`
	Created    time.Time `json:"created"`
	Instance   string    `json:"instance"`
}

// Stats summarises the registry.
type Stats struct {
	Instance   string `json:"instance"`
	Active     int    `json:"active"`
	Connecting int    `json:"connecting"`
	Bridged    int    `json:"bridged"`
	Total      int64  `json:"total"`
	// Cluster is the number of sessions known across all instances; equal to Active without Redis.
	Cluster int `json:"cluster"`
}

// Store abstracts session bookkeeping so the gateway can run as one or many instances.
type Store interface {
	Add(info Info) error
	SetState(id, state string) error
	Remove(id string) error
	// List returns this instance's sessions, oldest first.
	List() []Info
	Stats() Stats
	SetReady(ready bool)
	Ready() bool
	SetClosing(closing bool)
	Closing() bool
	Close() error
}

// New creates either an in-memory or a Redis-backed store.
func New(instance, redisAddr, redisPassword string, redisDB int) (Store, error) {
	if redisAddr == "" {
		obs.Info("registry.backend", obs.Fields{"type": "in-memory", "instance": instance})
		return NewMemory(instance), nil
	}
	obs.Info("registry.backend", obs.Fields{"type": "redis", "addr": redisAddr, "instance": instance})
	return NewRedis(instance, redisAddr, redisPassword, redisDB)
}
