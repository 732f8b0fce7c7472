package main

import (
	"context"
	"os"

	"github.com/matst80/wsgate/internal/config"
	"github.com/matst80/wsgate/internal/gateway"
	"github.com/matst80/wsgate/internal/obs"
)

// watchConfig re-reads the configuration when its file changes and applies what can change live:
// backend settings and debug logging. Everything else is reported and needs a restart.
func watchConfig(ctx context.Context, current *config.Config, gw *gateway.Server) {
	err := config.Watch(ctx, current.File, config.DefaultDebounce, func() {
		next, err := config.Load(name, os.Args[1:])
		if err != nil {
			obs.ErrorsTotal.WithLabelValues("config_reload").Inc()
			obs.Error("config.reload", obs.Fields{"err": err.Error()})
			return
		}
		applyReload(current, next, gw)
		current = next
	})
	if err != nil {
		obs.Error("config.watch", obs.Fields{"err": err.Error(), "path": current.File})
	}
}

func applyReload(prev, next *config.Config, gw *gateway.Server) {
	if next.Debug != prev.Debug {
		obs.EnableDebug(next.Debug)
	}
	if next.BackendHost != prev.BackendHost || next.BackendPort != prev.BackendPort ||
		next.ProxyHeader != prev.ProxyHeader || next.DialTimeout != prev.DialTimeout {
		gw.SetConnector(connectorFor(next))
	}
	var restart []string
	if next.Listen != prev.Listen {
		restart = append(restart, "listen")
	}
	if next.OpsListen != prev.OpsListen {
		restart = append(restart, "ops_listen")
	}
	if next.RedisAddr != prev.RedisAddr || next.RedisDB != prev.RedisDB {
		restart = append(restart, "redis")
	}
	if next.MaxPendingBytes != prev.MaxPendingBytes || next.MaxMessageBytes != prev.MaxMessageBytes {
		restart = append(restart, "limits")
	}
	if next.RateGlobal != prev.RateGlobal || next.RatePerClient != prev.RatePerClient || next.RateBurst != prev.RateBurst {
		restart = append(restart, "rate")
	}
	fields := obs.Fields{"debug": next.Debug, "backend": connectorFor(next).Addr()}
	if len(restart) > 0 {
		fields["restart_required"] = restart
	}
	obs.Info("config.reloaded", fields)
}
