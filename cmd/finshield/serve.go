package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/finshield-project/finshield/internal/api"
	"github.com/finshield-project/finshield/internal/core"
	"github.com/finshield-project/finshield/internal/pipeline"
	"github.com/finshield-project/finshield/internal/store"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admission proxy and the admin API",
		Long: `Run the admission proxy in front of server.upstream_url.

Every request passes the admission pipeline before it reaches the upstream.
SIGHUP reloads the config file; SIGINT or SIGTERM shut down gracefully.

Examples:
  finshield serve --config finshield.yaml
  FINSHIELD_REDIS_ADDR=redis:6379 finshield serve`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("upstream", "", "override server.upstream_url")
	cmd.Flags().Int("port", 0, "override server.port")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("upstream"); v != "" {
		cfg.Server.UpstreamURL = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		cfg.Server.Port = v
	}
	upstream, err := parseUpstream(cfg.Server.UpstreamURL)
	if err != nil {
		return err
	}

	logger := core.NewLogger(cfg.Logging, os.Stderr)
	api.Version = version

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := store.Open(ctx, cfg.Store, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("opening admission store: %w", err)
	}

	engine, err := core.NewEngine(cfg, st, logger)
	if err != nil {
		return err
	}
	engine.ConfigPath = path
	if err := engine.Start(); err != nil {
		return err
	}

	p, err := pipeline.New(engine)
	if err != nil {
		_ = engine.Shutdown()
		return fmt.Errorf("building admission pipeline: %w", err)
	}

	if mem := store.LocalMemory(st); mem != nil {
		go mem.SweepLoop(engine.Context(), time.Minute, longestWindow(cfg), cfg.Admission.Behavior.Retention)
	}

	proxy := newUpstreamProxy(upstream, logger)
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           p.Middleware(proxy),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var admin *api.Server
	if cfg.Admin.Enabled {
		admin = api.NewServer(engine, p)
		if err := admin.Start(); err != nil {
			logger.Error().Err(err).Msg("admin API failed to start")
		}
	}

	fmt.Fprintf(os.Stderr, "  %s finshield %s admitting on %s\n", green("✓"), version, bold(srv.Addr))
	fmt.Fprintf(os.Stderr, "  %s upstream %s\n", dim("▸"), cyan(upstream.String()))
	if admin != nil {
		fmt.Fprintf(os.Stderr, "  %s admin API on %s:%d\n", dim("▸"), cfg.Admin.Host, cfg.Admin.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-serveErr:
			shutdown(srv, admin, engine, logger)
			return fmt.Errorf("admission listener: %w", err)
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				changes, err := core.ReloadConfig(engine)
				if err != nil {
					logger.Error().Err(err).Msg("config reload failed, keeping current config")
					continue
				}
				logger.Info().Strs("changes", changes).Msg("config reloaded")
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			shutdown(srv, admin, engine, logger)
			return nil
		}
	}
}

// shutdown drains the admission listener before closing the engine so
// in-flight requests can still record their outcome.
func shutdown(srv *http.Server, admin *api.Server, engine *core.Engine, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("admission listener shutdown")
	}
	if admin != nil {
		if err := admin.Stop(); err != nil {
			logger.Error().Err(err).Msg("admin API shutdown")
		}
	}
	_ = engine.Shutdown()
}

func parseUpstream(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: want http(s)://host[:port]", raw)
	}
	return u, nil
}

// newUpstreamProxy forwards admitted requests to target. Upstream failures
// become a 502 in the same JSON shape as admission errors.
func newUpstreamProxy(target *url.URL, logger zerolog.Logger) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		proto := "http"
		if req.TLS != nil {
			proto = "https"
		}
		director(req)
		req.Host = target.Host
		req.Header.Set("X-Forwarded-Proto", proto)
		// The transport negotiates gzip itself and hands back a plain body
		// the response filter can read.
		req.Header.Del("Accept-Encoding")
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", r.Header.Get("X-Request-Id")).
			Msg("upstream request failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":      "bad_gateway",
			"message":    "upstream unavailable",
			"request_id": r.Header.Get("X-Request-Id"),
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		})
	}
	return proxy
}
