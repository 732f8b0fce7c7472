// Command gateway accepts WebSocket clients and bridges each one to a raw TCP backend.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/wsgate/internal/backend"
	"github.com/matst80/wsgate/internal/config"
	"github.com/matst80/wsgate/internal/gateway"
	"github.com/matst80/wsgate/internal/obs"
	"github.com/matst80/wsgate/internal/ratelimit"
	"github.com/matst80/wsgate/internal/registry"
	"github.com/spf13/pflag"
)

const name = "wsgate"

func main() {
	cfg, err := config.Load(name, os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		obs.Error("config.load", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	obs.EnableDebug(cfg.Debug)
	obs.Info("gateway.start", obs.Fields{
		"listen":       cfg.Listen,
		"ops":          cfg.OpsListen,
		"backend":      connectorFor(cfg).Addr(),
		"proxy_header": cfg.ProxyHeader,
		"config":       cfg.File,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := registry.New(instanceID(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("registry.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	defer store.Close()
	if m, ok := store.(interface{ StartMaintenance(context.Context) }); ok {
		go m.StartMaintenance(ctx)
	}

	limiter := ratelimit.New(cfg.RateGlobal, cfg.RatePerClient, cfg.RateBurst)
	go runPruneLoop(ctx, limiter, time.Minute)

	gw := gateway.New(connectorFor(cfg), gateway.Options{
		PublicHost:      cfg.PublicHost,
		RedirectBase:    cfg.RedirectBase,
		MaxPendingBytes: cfg.MaxPendingBytes,
		MaxMessageBytes: cfg.MaxMessageBytes,
		PingInterval:    cfg.PingInterval,
		WriteTimeout:    cfg.WriteTimeout,
		Limiter:         limiter,
		Registry:        store,
	})
	if cfg.File != "" {
		go watchConfig(ctx, cfg, gw)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		obs.Error("listen.gateway", obs.Fields{"err": err.Error(), "addr": cfg.Listen})
		os.Exit(1)
	}
	srv := &http.Server{Handler: gw, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("gateway.serve", obs.Fields{"err": err.Error()})
			stop()
		}
	}()

	var ops *http.Server
	if cfg.OpsListen != "" {
		ops = startOpsServer(cfg.OpsListen, gw)
	}

	store.SetReady(true)
	obs.Info("gateway.ready", obs.Fields{"addr": ln.Addr().String()})

	<-ctx.Done()
	obs.Info("gateway.shutdown.signal", obs.Fields{})
	store.SetClosing(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// http.Server.Shutdown does not track hijacked WebSocket connections; the gateway drains those.
	_ = srv.Shutdown(shutdownCtx)
	if err := gw.Shutdown(shutdownCtx); err != nil {
		obs.Error("gateway.shutdown", obs.Fields{"err": err.Error(), "remaining": gw.Active()})
	}
	if ops != nil {
		_ = ops.Shutdown(shutdownCtx)
	}
	obs.Info("gateway.shutdown.complete", obs.Fields{})
}

func connectorFor(cfg *config.Config) *backend.Connector {
	return &backend.Connector{
		Host:         cfg.BackendHost,
		Port:         cfg.BackendPort,
		InjectHeader: cfg.ProxyHeader,
		DialTimeout:  cfg.DialTimeout,
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = name
	}
	return host + "-" + uuid.NewString()[:8]
}

func runPruneLoop(ctx context.Context, l *ratelimit.Limiter, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.Prune(10 * interval); n > 0 {
				obs.Debug("ratelimit.pruned", obs.Fields{"clients": n, "remaining": l.Clients()})
			}
		}
	}
}
