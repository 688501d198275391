package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ivlev/animcompose/internal/arbiter"
	"github.com/ivlev/animcompose/internal/config"
	"github.com/ivlev/animcompose/internal/engine"
	"github.com/ivlev/animcompose/internal/errs"
	"github.com/ivlev/animcompose/internal/logger"
	"github.com/ivlev/animcompose/internal/model"
	"github.com/ivlev/animcompose/internal/source"
	"github.com/ivlev/animcompose/internal/system"
	"github.com/ivlev/animcompose/internal/toolchain"
)

const exitCancelled = 130

func main() {
	configPtr := flag.String("config", "", "Path to config.yaml (default: ./configs/config.yaml or ./config.yaml)")
	requestPtr := flag.String("request", "", "Composition manifest (.yaml or .json)")
	outputDirPtr := flag.String("output-dir", "", "Overrides output.dir")
	ditherPtr := flag.String("dither", "", fmt.Sprintf("Dither profile: %v", toolchain.DitherProfiles()))
	metricsPtr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	logLevelPtr := flag.String("log-level", "", "debug, info, warn, error")
	noFastPtr := flag.Bool("no-fast-path", false, "Send single-layer requests through the multi-layer synthesizer")

	flag.Parse()

	if *requestPtr == "" {
		log.Fatalf("[-] -request is required")
	}

	cfg, err := config.Load(*configPtr)
	if err != nil {
		log.Fatalf("[-] Config error: %v", err)
	}
	if *outputDirPtr != "" {
		cfg.Output.Dir = *outputDirPtr
	}
	if *metricsPtr != "" {
		cfg.Metrics.Addr = *metricsPtr
	}
	if *logLevelPtr != "" {
		cfg.Logging.Level = *logLevelPtr
	}

	zl := logger.Must(cfg.Logging.Level, cfg.Logging.Format)
	defer zl.Sync()

	system.InitResourceLimits(zl)

	for _, d := range []string{cfg.Output.Dir, cfg.Cache.Dir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			log.Fatalf("[-] Cannot create %s: %v", d, err)
		}
	}

	req, err := model.ReadManifest(*requestPtr)
	if err != nil {
		log.Fatalf("[-] Manifest error: %v", err)
	}
	if *ditherPtr != "" {
		req.Dither = *ditherPtr
	}

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, zl)
	}

	tools := toolchain.NewFFmpeg(toolchain.Options{
		FFmpeg:      cfg.Toolchain.FFmpeg,
		FFprobe:     cfg.Toolchain.FFprobe,
		Gifsicle:    cfg.Toolchain.Gifsicle,
		MaskDir:     filepath.Join(cfg.Cache.Dir, "masks"),
		Parallelism: system.Parallelism(cfg.Limits.Parallelism),
		Budget: toolchain.Budget{
			Base:  cfg.Limits.InvocationTimeoutBase,
			PerMB: cfg.Limits.InvocationTimeoutPerMB,
		},
	}, zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	index, closeIndex := buildIndex(ctx, cfg, zl)
	defer closeIndex()

	cache, err := source.NewCache(cfg.Cache.Dir, tools, zl)
	if err != nil {
		log.Fatalf("[-] Cache error: %v", err)
	}

	eng := engine.New(cfg, tools, source.NewResolver(index, cfg.Sources.DropDirs, zl), cache, arbiter.NewArena(zl), zl)
	eng.DisableFastPath = *noFastPtr

	if err := eng.Preflight(ctx); err != nil {
		log.Fatalf("[-] %v\n    %s", err, errs.HintOf(err))
	}

	req.Progress = model.ProgressFunc(func(percent int, message string) {
		fmt.Printf("[>] %3d%% %s\n", percent, message)
	})

	fmt.Printf("[*] Composing %q: %d animated, %d static layers on %dx%d\n",
		req.FrameName, len(req.Animated), len(req.Static), req.Canvas.W, req.Canvas.H)

	start := time.Now()
	res, err := eng.Compose(ctx, req)
	if err != nil {
		if errs.IsCancelled(err) {
			os.Exit(exitCancelled)
		}
		log.Fatalf("[-] %v\n    %s", err, errs.HintOf(err))
	}

	if res.Skipped {
		fmt.Printf("[*] Unchanged, already exported as %s\n", res.Path)
		return
	}
	fmt.Printf("[+++] Done in %s: %s (%d bytes)\n", time.Since(start).Round(time.Millisecond), res.Path, res.ByteSize)
}

// buildIndex chains the local yaml index with the shared redis index when one is configured.
func buildIndex(ctx context.Context, cfg *config.Config, zl *zap.Logger) (source.Index, func()) {
	chain := source.Chain{source.NewFileIndex(cfg.Sources.IndexFile)}
	rc := cfg.Sources.Redis
	if rc.Address == "" {
		return chain, func() {}
	}

	ri := source.NewRedisIndex(rc.Address, rc.Password, rc.DB, rc.KeyPrefix)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := ri.Ping(pctx); err != nil {
		zl.Warn("redis source index unreachable, using local index only", zap.String("addr", rc.Address), zap.Error(err))
		ri.Close()
		return chain, func() {}
	}
	return append(chain, ri), func() { ri.Close() }
}

func serveMetrics(addr string, zl *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	zl.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zl.Error("metrics server stopped", zap.Error(err))
	}
}
