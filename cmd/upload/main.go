// Command upload performs one federation upload run and exits. The exit code
// is 1 when the run aborts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	service "github.com/okian/fedkeys/internal/app"
	"github.com/okian/fedkeys/internal/bootstrap"
	"github.com/okian/fedkeys/internal/config"
	"github.com/okian/fedkeys/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx)
	stop()
	os.Exit(code)
}

func run(ctx context.Context) int {
	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		return 1
	}
	_ = logger.SetLevelString(cfg.LogLevel)
	log := logger.Named("upload")

	rt, err := bootstrap.Build(ctx, cfg, log)
	if err != nil {
		log.Error(ctx, "failed to build runtime", logger.Error(err))
		return 1
	}
	defer rt.Close()

	return exitCode(rt.Service.RunUpload(ctx))
}

func exitCode(res service.RunResult) int {
	if res.State == service.RunAborted {
		return 1
	}
	return 0
}
