package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/envoyage/envoyage/internal/config"
	"github.com/envoyage/envoyage/internal/docker"
	"github.com/envoyage/envoyage/internal/gateway"
	"github.com/envoyage/envoyage/internal/store"
	"github.com/envoyage/envoyage/internal/xds"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the gateway: router, plugin engine, balancer, xDS server, and admin API",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "error", err)
		return err
	}
	log.Info("config loaded",
		"xds_addr", cfg.XDSAddr,
		"api_addr", cfg.APIAddr,
		"ingress_addr", cfg.IngressAddr,
	)

	if err := writePIDFile(pidFile); err != nil {
		log.Warn("failed to write pid file", "path", pidFile, "error", err)
	}

	st := store.New()

	var etcdWatcher *store.EtcdWatcher
	if len(cfg.EtcdEndpoints) > 0 {
		etcdWatcher, err = store.NewEtcdWatcher(cfg.EtcdEndpoints, cfg.EtcdDialTimeout, cfg.ReconnectBackoffMin, cfg.ReconnectBackoffMax, st, log)
		if err != nil {
			log.Error("failed to connect to etcd", "error", err)
			return err
		}
		etcdWatcher.SetPrefixes(cfg.WatchPrefixes)
	}

	var fileWatcher *store.FileWatcher
	if cfg.ConfigFile != "" {
		fileWatcher = store.NewFileWatcher(cfg.ConfigFile, cfg.ConfigFilePoll, st, log)
	}
	if etcdWatcher == nil && fileWatcher == nil {
		log.Warn("no etcd endpoints or config file configured, relying on admin API / Docker watcher only")
	}

	dockerWatcher, err := docker.NewWatcher(st, log)
	if err != nil {
		log.Warn("docker watcher unavailable, continuing without it", "error", err)
	}

	gw := gateway.New(st, cfg, log)
	xdsServer := xds.NewServer(st, gw.Selector(), cfg, log)
	if err := xdsServer.Seed(); err != nil {
		log.Error("failed to seed xDS", "error", err)
		return err
	}

	adminMux := newAdminMux(st, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		for s := range sig {
			if s == syscall.SIGHUP {
				if fileWatcher != nil {
					if err := fileWatcher.Reload(); err != nil {
						log.Warn("reload signal: config file reload failed", "error", err)
					} else {
						log.Info("reload signal: config file re-read", "path", cfg.ConfigFile)
					}
					continue
				}
				log.Info("reload signal received; config snapshot store is watch-driven, nothing to re-read",
					"routes_version", st.Routes.Version(), "upstreams_version", st.Upstreams.Version())
				continue
			}
			log.Info("received shutdown signal")
			cancel()
			return
		}
	}()

	if etcdWatcher != nil {
		go func() {
			if err := etcdWatcher.Run(ctx); err != nil {
				log.Error("etcd watcher stopped", "error", err)
			}
		}()
	}
	if fileWatcher != nil {
		go func() {
			if err := fileWatcher.Run(ctx); err != nil {
				log.Error("config file watcher stopped", "error", err)
			}
		}()
	}
	if dockerWatcher != nil {
		go func() {
			if err := dockerWatcher.Run(ctx); err != nil {
				log.Error("docker watcher stopped", "error", err)
			}
		}()
	}

	go gw.Run(ctx)

	for _, addr := range cfg.StreamAddrs {
		addr := addr
		go func() {
			if err := gw.ServeStream(ctx, addr); err != nil {
				log.Error("stream listener stopped", "addr", addr, "error", err)
			}
		}()
	}

	go func() {
		log.Info("admin API listening", "addr", cfg.APIAddr)
		if err := http.ListenAndServe(cfg.APIAddr, adminMux); err != nil {
			log.Error("admin API failed", "error", err)
		}
	}()

	go func() {
		httpsServer := &http.Server{Addr: cfg.IngressTLSAddr, Handler: gw, TLSConfig: gw.TLSConfig()}
		log.Info("HTTPS ingress listening", "addr", cfg.IngressTLSAddr)
		if err := httpsServer.ListenAndServeTLS("", ""); err != nil {
			log.Warn("HTTPS ingress stopped", "error", err)
		}
	}()

	go func() {
		if err := xdsServer.Serve(ctx, cfg.XDSAddr); err != nil {
			log.Error("xDS server failed", "error", err)
		}
	}()

	log.Info("HTTP ingress listening", "addr", cfg.IngressAddr)
	httpServer := &http.Server{Addr: cfg.IngressAddr, Handler: gw}
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("HTTP ingress failed", "error", err)
		return err
	}
	return nil
}
