package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dvbkit/tsdvr/config"
	"github.com/dvbkit/tsdvr/ingest"
	srtingest "github.com/dvbkit/tsdvr/ingest/srt"
	"github.com/dvbkit/tsdvr/internal/metrics"
	"github.com/dvbkit/tsdvr/internal/psi"
	"github.com/dvbkit/tsdvr/internal/recorder"
)

var version = "dev"

// app tracks the active recorders so the metrics collector and the
// shutdown path can reach them.
type app struct {
	mu        sync.Mutex
	recorders map[string]*recorder.Recorder
}

func (a *app) add(key string, r *recorder.Recorder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recorders[key] = r
}

func (a *app) remove(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.recorders, key)
}

func (a *app) snapshots() []recorder.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snaps := make([]recorder.Snapshot, 0, len(a.recorders))
	for _, r := range a.recorders {
		snaps = append(snaps, r.Snapshot())
	}
	return snaps
}

func (a *app) stopAll() {
	a.mu.Lock()
	recorders := make([]*recorder.Recorder, 0, len(a.recorders))
	for _, r := range a.recorders {
		recorders = append(recorders, r)
	}
	a.mu.Unlock()
	for _, r := range recorders {
		r.Stop()
	}
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	paths := []string{"tsdvr.toml", "/etc/tsdvr/config.toml"}
	if *configPath != "" {
		paths = []string{*configPath}
	}
	cfg, err := config.Parse(paths)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	channel := &psi.Channel{
		VideoPID:      cfg.Channel.VideoPID,
		VideoType:     cfg.Channel.VideoType,
		PCRPID:        cfg.Channel.PCRPID,
		AudioPIDs:     cfg.Channel.AudioPIDs,
		AudioLangs:    cfg.Channel.AudioLangs,
		AC3PIDs:       cfg.Channel.AC3PIDs,
		AC3Langs:      cfg.Channel.AC3Langs,
		SubtitlePIDs:  cfg.Channel.SubtitlePIDs,
		SubtitleLangs: cfg.Channel.SubtitleLangs,
		TeletextPID:   cfg.Channel.TeletextPID,
	}

	recorderCfg := recorder.Config{
		MaxFileSizeMiB:     cfg.Recorder.MaxVideoFileSizeMiB,
		MinFreeDiskSpaceMB: cfg.Recorder.MinFreeDiskSpaceMiB,
		DiskCheckInterval:  time.Duration(cfg.Recorder.DiskCheckIntervalS) * time.Second,
		MaxBrokenTimeout:   time.Duration(cfg.Recorder.MaxBrokenTimeoutS) * time.Second,
		RingBufferBytes:    cfg.Recorder.RingBufferBytes,
		// A broken stream means the whole process has nothing left to
		// do; request shutdown so the supervisor can restart it.
		EmergencyStop: cancel,
	}

	a := &app{recorders: make(map[string]*recorder.Recorder)}

	registry := ingest.NewRegistry(func(key string) (ingest.Receiver, func(), error) {
		dir := cfg.Recorder.Directory + "/" + key
		r, err := recorder.New(dir, channel, recorderCfg, slog.Default())
		if err != nil {
			return nil, nil, err
		}
		r.Start()
		a.add(key, r)
		slog.Info("recording started", "dir", dir)
		return r, func() {
			r.Stop()
			a.remove(key)
			slog.Info("recording stopped", "dir", dir)
		}, nil
	})

	slog.Info("tsdvr starting",
		"version", version,
		"srt", cfg.SRT.Address,
		"api", cfg.API.Address,
		"directory", cfg.Recorder.Directory,
	)

	g, ctx := errgroup.WithContext(ctx)

	srtSrv := srtingest.NewServer(cfg.SRT.Address, registry, slog.Default())
	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	if cfg.API.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(metrics.NewCollector(a.snapshots))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		apiSrv := &http.Server{Addr: cfg.API.Address, Handler: mux}

		g.Go(func() error {
			err := apiSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer shutdownCancel()
			return apiSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		a.stopAll()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("terminated with error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
