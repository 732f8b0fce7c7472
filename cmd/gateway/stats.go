package main

import (
	"time"

	"github.com/matst80/wsgate/internal/gateway"
	"github.com/matst80/wsgate/internal/registry"
)

// Stats represents current gateway stats for dashboards & API.
type Stats struct {
	registry.Stats
	Backend     string          `json:"backend"`
	ProxyHeader bool            `json:"proxy_header"`
	Ready       bool            `json:"ready"`
	Sessions    []registry.Info `json:"sessions"`
	Now         string          `json:"now"`
}

func collectStats(gw *gateway.Server) Stats {
	store := gw.Registry()
	c := gw.Connector()
	return Stats{
		Stats:       store.Stats(),
		Backend:     c.Addr(),
		ProxyHeader: c.InjectHeader,
		Ready:       store.Ready() && !store.Closing(),
		Sessions:    store.List(),
		Now:         time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Title":       "wsgate " + s.Instance,
		"Instance":    s.Instance,
		"Backend":     s.Backend,
		"ProxyHeader": s.ProxyHeader,
		"Active":      s.Active,
		"Connecting":  s.Connecting,
		"Bridged":     s.Bridged,
		"Total":       s.Total,
		"Cluster":     s.Cluster,
		"Sessions":    s.Sessions,
	}
}
