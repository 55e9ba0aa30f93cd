package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/fedkeys/internal/adapters/http/api"
	service "github.com/okian/fedkeys/internal/app"
	"github.com/okian/fedkeys/internal/bootstrap"
	"github.com/okian/fedkeys/internal/config"
	"github.com/okian/fedkeys/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// HTTP server timeout constants.
const (
	readTimeout       = 10 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func run() error {
	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		return err
	}
	log := logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	rt, err := bootstrap.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Service.Start(ctx); err != nil {
		return err
	}

	servers := newHTTPServers(cfg, rt.Service, log)
	if cfg.AdminAddr == "" {
		log.Warn(ctx, "admin routes share the public listener; restrict access to /admin at the network edge")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			log.Info(gctx, "starting HTTP server", logger.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		runScheduler(gctx, rt.Service, cfg.Upload.Interval, log.Named("scheduler"))
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(gctx, "shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error(shutdownCtx, "server shutdown failed", logger.String("addr", srv.Addr), logger.Error(err))
			}
		}
		if err := rt.Service.Stop(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "service stop failed", logger.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info(context.Background(), "server stopped")
	return err
}

// newHTTPServers returns the public server and, when an admin address is
// configured, a second server carrying the admin routes.
func newHTTPServers(cfg *config.Config, svc api.Dependencies, log logger.Logger) []*http.Server {
	apiServer := api.NewServer(svc,
		api.WithLogger(log.Named("http")),
		api.WithRequestTimeout(cfg.RequestTimeout),
	)
	if cfg.AdminAddr == "" {
		return []*http.Server{newHTTPServer(cfg.Addr, apiServer.Router())}
	}
	return []*http.Server{
		newHTTPServer(cfg.Addr, apiServer.PublicRouter()),
		newHTTPServer(cfg.AdminAddr, apiServer.AdminRouter()),
	}
}

// No WriteTimeout: upload runs answer after the whole run.
func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// uploadRunner runs one federation upload.
type uploadRunner interface {
	RunUpload(ctx context.Context) service.RunResult
}

// runScheduler triggers an upload run every interval until ctx is done. A
// non-positive interval disables it. Runs overlapping a manual run are skipped.
func runScheduler(ctx context.Context, r uploadRunner, interval time.Duration, log logger.Logger) {
	if interval <= 0 {
		log.Info(ctx, "scheduled uploads disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := r.RunUpload(ctx)
			if errors.Is(res.Err, service.ErrRunInProgress) {
				log.Debug(ctx, "upload run already in progress; skipping tick")
			}
		}
	}
}
