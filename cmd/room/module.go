package main

import (
	"context"
	"errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"net"
	"net/http"
	"projekt/room/cmd/base"
	"projekt/room/lib/config"
	"projekt/room/lib/device"
	"projekt/room/lib/directory"
	"projekt/room/lib/liveness"
	"projekt/room/lib/metrics"
	"projekt/room/lib/relay"
	"projekt/room/lib/room"
	"projekt/room/lib/tunnel"
)

// Module wires a complete room server.
var Module = fx.Options(
	fx.Module("metrics",
		fx.Provide(newRegistry, newMetrics),
		fx.Invoke(serveMetrics),
	),
	fx.Module("room",
		fx.Provide(newKey, newDirectory, newRoom),
		fx.Invoke(runCompaction),
	),
	fx.Module("relay",
		fx.Provide(newServerProtocol, newServer),
		// The bridge must listen before the server accepts peers.
		fx.Invoke(runLiveness, func(*relay.Server) {}),
	),
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func serveMetrics(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry, log *zap.Logger) {
	if cfg.MetricsAddress == "" {
		return
	}
	logger := log.Sugar().Named("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			listener, err := net.Listen("tcp", cfg.MetricsAddress)
			if err != nil {
				return err
			}
			logger.Infow("serving metrics", "address", listener.Addr().String())
			go func() {
				if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Errorw("metrics server failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: server.Shutdown,
	})
}

func newKey(cfg *config.Config, log *zap.Logger) (device.KeyPair, error) {
	return base.LoadKey(cfg.KeyFile, log.Sugar().Named("key"))
}

func newDirectory(lc fx.Lifecycle, cfg *config.Config, key device.KeyPair, m *metrics.Metrics, log *zap.Logger) *directory.Directory {
	dir := directory.New(key.PeerID(),
		directory.WithLogger(log.Sugar().Named("directory")),
		directory.WithMetrics(m),
		directory.WithFeedBuffer(cfg.FeedBuffer))
	lc.Append(fx.StopHook(dir.Close))
	return dir
}

func newRoom(dir *directory.Directory, m *metrics.Metrics, log *zap.Logger) *room.Room {
	relay := tunnel.NewRelay(dir, log.Sugar().Named("tunnel"), m)
	return room.New(dir, relay, room.WithLogger(log.Sugar().Named("room")))
}

func runCompaction(lc fx.Lifecycle, cfg *config.Config, r *room.Room) {
	if cfg.TombstoneTTL <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go r.RunCompaction(ctx, cfg.TombstoneTTL, cfg.CompactInterval)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func newServerProtocol(r *room.Room, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) *relay.ServerProtocol {
	return relay.NewServerProtocol(r, relay.ServerConfig{
		SessionPort:    cfg.AdvertiseSessionPort,
		SessionTimeout: cfg.SessionTimeout,
		EventBuffer:    cfg.EventBuffer,
		Policy:         cfg.Policy(),
		Logger:         log.Sugar().Named("relay.server"),
		Metrics:        m,
	})
}

func newServer(lc fx.Lifecycle, cfg *config.Config, key device.KeyPair, sp *relay.ServerProtocol, log *zap.Logger) (*relay.Server, error) {
	cert, err := key.Certificate()
	if err != nil {
		return nil, err
	}
	server := relay.NewServer(cert, sp, cfg.ListenAddress, cfg.SessionAddress, cfg.MaxConnections, log.Sugar().Named("relay"))
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return server.Listen()
		},
		OnStop: func(context.Context) error {
			return server.Close()
		},
	})
	return server, nil
}

// runLiveness removes endpoints of peers whose connection ended.
func runLiveness(lc fx.Lifecycle, sp *relay.ServerProtocol, dir *directory.Directory, key device.KeyPair, log *zap.Logger) {
	logger := log.Sugar().Named("liveness")
	bridge := liveness.NewBridge(sp, dir, logger)
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			bridge.Start(ctx)
			logger.Infow("forwarding liveness changes", "room", key.PeerID().String())
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
