package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/hopproxy/internal/config"
	"github.com/die-net/hopproxy/internal/dialer"
	"github.com/die-net/hopproxy/internal/metrics"
	"github.com/die-net/hopproxy/internal/proxy"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	ka := cfg.KeepAlive()
	m := metrics.New()

	d, err := dialer.New(dialer.Config{
		DialTimeout:        time.Duration(cfg.DialTimeout),
		NegotiationTimeout: time.Duration(cfg.NegotiationTimeout),
		KeepAlive:          ka,
		SSHKeyPath:         cfg.SSHKey,
		SSHKnownHostsPath:  cfg.SSHKnownHosts,
		Logger:             logger,
	}, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DebugListen != "" {
		ln, err := proxy.ListenTCP(ctx, "tcp", cfg.DebugListen, ka)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		debugSrv := &http.Server{Handler: debugMux(m), ReadHeaderTimeout: time.Duration(cfg.NegotiationTimeout)}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(ln); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", "addr", ln.Addr().String())
	}

	ln, err := proxy.ListenTCP(ctx, "tcp", cfg.Listen, ka)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	srv := proxy.NewHTTPProxyServer(ctx, proxy.Config{
		NegotiationTimeout: time.Duration(cfg.NegotiationTimeout),
		HTTPIdleTimeout:    time.Duration(cfg.HTTPIdleTimeout),
		HTTPMaxIdleConns:   cfg.HTTPMaxIdleConns,
		KeepAlive:          ka,
		Dialer:             d,
		Logger:             logger,
		Metrics:            m,
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("http proxy serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down", "timeout", time.Duration(cfg.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(cfg.ShutdownTimeout))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("http proxy shutdown: %w", err)
		}
		if c, ok := d.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return nil
	})

	logger.Info("http proxy listening", "addr", ln.Addr().String(), "upstream", redactUpstream(cfg.Upstream))

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// newLogger writes to stderr at the configured level and format.
func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "trace":
		level = proxy.LevelTrace
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(h)
}

func debugMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", m.Handler())
	return mux
}

// redactUpstream hides any password in the upstream URL.
func redactUpstream(upstream string) string {
	u, err := url.Parse(upstream)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}
