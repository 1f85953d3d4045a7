package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hub-rpc/config"
	"hub-rpc/logging"
	"hub-rpc/middleware"
	"hub-rpc/registry"
	"hub-rpc/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the Chat hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultServerConfig()
		cfg.Advertise = cfg.Listen
		if configPath != "" {
			var err error
			if cfg, err = config.LoadServer(configPath); err != nil {
				return err
			}
		}
		logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment, nil)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func buildMiddleware(cfg config.ServerConfig, logger *zap.Logger) []middleware.Middleware {
	var mws []middleware.Middleware
	if cfg.LogInvocations {
		mws = append(mws, middleware.LoggingMiddleware(logger.Named("invocations")))
	}
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(cfg.Retries, cfg.RetryDelay, logger.Named("retry")))
	}
	if cfg.Timeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.Timeout))
	}
	return mws
}

func serve(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svr := server.NewServer(
		server.WithLogger(logger.Named("server")),
		server.WithMetrics(server.NewMetrics(promReg)),
		server.WithKeepAliveInterval(cfg.KeepAliveInterval),
		server.WithClientTimeout(cfg.ClientTimeout),
		server.WithMaxRecordSize(cfg.MaxRecordSize),
		server.WithMiddleware(buildMiddleware(cfg, logger)...),
	)
	if err := svr.Register(&Chat{svr: svr}); err != nil {
		return err
	}

	errc := make(chan error, 3)
	var httpServers []*http.Server

	if cfg.Listen != "" {
		l, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return err
		}
		logger.Info("serving tcp", zap.String("addr", l.Addr().String()))
		go func() { errc <- svr.ServeListener(l) }()
	}

	if cfg.WSListen != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.WSPath, svr.WebSocketHandler())
		hs := &http.Server{Addr: cfg.WSListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		httpServers = append(httpServers, hs)
		logger.Info("serving websocket", zap.String("addr", cfg.WSListen), zap.String("path", cfg.WSPath))
		go func() { errc <- listenAndServe(hs) }()
	}

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		hs := &http.Server{Addr: cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		httpServers = append(httpServers, hs)
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsListen))
		go func() { errc <- listenAndServe(hs) }()
	}

	if len(cfg.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, logger.Named("registry"))
		if err != nil {
			return err
		}
		defer reg.Close()

		instance := registry.HubInstance{Addr: cfg.Advertise, Transport: "tcp", Weight: 1}
		if cfg.Listen == "" {
			instance.Transport, instance.Path = "ws", cfg.WSPath
		}
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = svr.RegisterWith(rctx, reg, instance)
		cancel()
		if err != nil {
			return fmt.Errorf("register with etcd: %w", err)
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
		logger.Error("listener stopped", zap.Error(runErr))
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, hs := range httpServers {
		hs.Shutdown(sctx)
	}
	if err := svr.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	return runErr
}

func listenAndServe(hs *http.Server) error {
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
