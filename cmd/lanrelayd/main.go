package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/lanrelay/internal/directory"
	"github.com/malbeclabs/lanrelay/internal/metrics"
	"github.com/malbeclabs/lanrelay/internal/relay"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	ListenAddr             string
	MetricsAddr            string
	BroadcastFanoutWorkers int
	Verbose                bool
	ShowVersion            bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags()

	if cfg.ShowVersion {
		fmt.Printf("lanrelayd version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	conn, err := net.ListenUDP("udp", mustResolveUDP(cfg.ListenAddr))
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	log.Info("udp socket bound", "address", conn.LocalAddr().String())

	dir := directory.New(directory.Hooks{
		OnMACSessionExpired: func(token, mac string) {
			metrics.MACSessionsExpired.Inc()
			log.Debug("mac session expired", "token", token, "mac", mac)
		},
		OnSessionExpired: func(ctx directory.Context, demoted bool) {
			metrics.SessionsExpired.Inc()
			log.Debug("session expired", "token", ctx.Token, "mac", ctx.MAC, "demoted", demoted)
		},
	})
	dir.Start()
	defer dir.Stop()

	srv, err := relay.New(&relay.Config{
		Logger:                 log.With("component", "relay"),
		Directory:              dir,
		BroadcastFanoutWorkers: cfg.BroadcastFanoutWorkers,
	})
	if err != nil {
		return fmt.Errorf("failed to create relay server: %w", err)
	}
	defer srv.Close()

	metricsLis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.MetricsAddr, err)
	}
	log.Info("metrics listener created", "address", metricsLis.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Run(gctx, conn); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("relay server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server error: %w", err)
		}
		return nil
	})

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case <-gctx.Done():
	}

	cancel()
	conn.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("server shutdown complete")
	return nil
}

func mustResolveUDP(addr string) *net.UDPAddr {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &net.UDPAddr{Port: 0}
	}
	return udpAddr
}

func parseFlags() *config {
	cfg := &config{}

	flag.StringVar(&cfg.ListenAddr, "listen", ":4789", "UDP address to listen on for registration and relay traffic")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", ":9090", "HTTP address to serve Prometheus metrics on")
	flag.IntVar(&cfg.BroadcastFanoutWorkers, "broadcast-fanout-workers", 8, "Worker pool size for broadcast turn-frame fan-out")
	flag.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose logging")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")

	flag.Parse()
	return cfg
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
