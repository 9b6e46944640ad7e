// Package server wires the config store, watcher, session registry, VFS
// resolver, and listener together into one runnable daemon, per spec.md
// §5's lifecycle and shutdown policy.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zentarim/rtftp/internal/logger"
	"github.com/zentarim/rtftp/pkg/config"
	"github.com/zentarim/rtftp/pkg/guestfs"
	"github.com/zentarim/rtftp/pkg/listener"
	"github.com/zentarim/rtftp/pkg/metrics"
	"github.com/zentarim/rtftp/pkg/session"
	"github.com/zentarim/rtftp/pkg/transfer"
	"github.com/zentarim/rtftp/pkg/vfs"
)

// Server owns every long-lived component of the daemon and coordinates
// their startup and graceful shutdown.
type Server struct {
	cfg *config.ServerConfig

	store      *config.Store
	watcher    *config.Watcher
	registry   *session.Registry
	resolver   *vfs.Resolver
	listen     *listener.Listener
	metrics    *metrics.Metrics
	metricsReg *prometheus.Registry
}

// New builds a Server from cfg. It performs the initial config-store scan
// of cfg.TFTPRoot and binds the listener socket, but does not yet serve
// requests or start background loops -- call Run for that.
func New(cfg *config.ServerConfig) (*Server, error) {
	store := config.NewStore(cfg.TFTPRoot)
	if err := store.Scan(); err != nil {
		return nil, fmt.Errorf("server: scan tftp root: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	registry := session.NewRegistry(guestfs.ExecRunner{}, cfg.IdleTimeout)
	registry.SetMetrics(m)

	resolver := vfs.NewResolver(cfg.TFTPRoot, store, registry)

	var warm config.WarmFunc
	if cfg.ProactiveWarm {
		warm = func(addr config.ClientAddr, nbdCfg *config.NbdConfig) {
			go func() {
				ctx := context.Background()
				sess, err := registry.GetOrAttach(ctx, nbdCfg.URL, nbdCfg.Mounts)
				if err != nil {
					logger.Warn("server: proactive warm failed",
						logger.KeyClientAddr, string(addr), logger.KeySessionURL, nbdCfg.URL, logger.KeyError, err.Error())
					return
				}
				sess.Release()
			}()
		}
	}
	drain := func(addr config.ClientAddr, nbdCfg *config.NbdConfig) {
		if nbdCfg != nil {
			registry.Drain(nbdCfg.URL)
		}
	}

	watcher, err := config.NewWatcher(store, cfg.DebounceWindow, warm, drain)
	if err != nil {
		return nil, fmt.Errorf("server: create config watcher: %w", err)
	}

	engineCfg := transfer.EngineConfig{
		RetryBudget: cfg.RetryBudget,
		AckTimeout:  cfg.AckTimeout,
		Metrics:     m,
	}
	l, err := listener.New(cfg.ListenAddress, resolver, engineCfg)
	if err != nil {
		return nil, fmt.Errorf("server: bind listener: %w", err)
	}
	l.SetMetrics(m)

	return &Server{
		cfg:        cfg,
		store:      store,
		watcher:    watcher,
		registry:   registry,
		resolver:   resolver,
		listen:     l,
		metrics:    m,
		metricsReg: reg,
	}, nil
}

// Run starts the config watcher, idle sweeper, optional metrics endpoint,
// and listener, and blocks until ctx is cancelled. On cancellation it stops
// accepting new RRQs, lets in-flight transfers finish or time out on their
// own, and drains every Ready guest session before returning.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.registry.RunSweeper(ctx)
	}()

	if s.cfg.MetricsAddress != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.ServeHTTP(ctx, s.cfg.MetricsAddress, s.metricsReg); err != nil {
				logger.Warn("server: metrics endpoint stopped", logger.KeyError, err.Error())
			}
		}()
	}

	logger.Info("server: ready",
		logger.KeyClientAddr, s.listen.Addr().String(), "tftp_root", s.cfg.TFTPRoot)

	err := s.listen.Serve(ctx)

	logger.Info("server: draining guest sessions")
	s.registry.Shutdown()

	wg.Wait()
	return err
}
