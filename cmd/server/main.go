package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"voxelkeep.ai/internal/config"
	"voxelkeep.ai/internal/persistence/indexdb"
	persistlog "voxelkeep.ai/internal/persistence/log"
	"voxelkeep.ai/internal/persistence/r2s3"
	"voxelkeep.ai/internal/transport/ws"
	"voxelkeep.ai/internal/world/chunk"
	"voxelkeep.ai/internal/world/level"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to voxelkeep.yaml (optional)")
		addr       = flag.String("addr", "", "http listen address (overrides server.addr)")
		worldRoot  = flag.String("world", "", "world directory (overrides world.root)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath, func(c *config.Config) {
		if v := strings.TrimSpace(*addr); v != "" {
			c.Server.Addr = v
		}
		if v := strings.TrimSpace(*worldRoot); v != "" {
			c.World.Root = v
		}
	})
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	fan := &fanout{}
	idx, err := openRuntimeIndex(cfg)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		fan.add(idx)
	}
	if cfg.Journal.Enabled {
		j := persistlog.NewJournal(cfg.Journal.Dir)
		j.OnError = func(err error) { logger.Printf("journal write failed err=%v", err) }
		defer j.Close()
		fan.add(j)
		logger.Printf("journal dir=%s run=%s", cfg.Journal.Dir, j.RunID())
	}
	mirror, err := buildR2Mirror(cfg.World.Root, logger)
	if err != nil {
		logger.Fatalf("init r2 mirror: %v", err)
	}
	if mirror != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			mirror.Close(ctx)
		}()
		fan.add(mirror)
	}

	lvl, err := level.Open(level.Config{
		Root:               cfg.World.Root,
		Name:               cfg.World.Name,
		Seed:               cfg.World.Seed,
		Height:             cfg.World.Height,
		Options:            cfg.RegionOptions(),
		GenerationWorkers:  cfg.Cache.GenerationWorkers,
		FetchBuffer:        cfg.Cache.FetchBuffer,
		RegionParallelism:  cfg.Cache.RegionParallelism,
		Logger:             log.New(os.Stdout, "[world] ", log.LstdFlags|log.Lmicroseconds),
		WriteObserver:      fan,
		CheckpointObserver: fan,
	})
	if err != nil {
		logger.Fatalf("open world: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if r := cfg.World.SpawnRadius; r > 0 {
		info := lvl.Info()
		center := chunk.Pos{X: info.SpawnX >> 4, Z: info.SpawnZ >> 4}
		if err := lvl.ReadSpawnChunks(ctx, level.SpawnArea(center, int32(r))); err != nil {
			logger.Printf("spawn chunks not loaded err=%v", err)
		}
	}

	wsSrv := ws.NewServer(lvl, ws.Config{
		MaxFetch:   cfg.Server.MaxFetch,
		FetchRate:  cfg.Server.FetchRate,
		FetchBurst: cfg.Server.FetchBurst,
		OutQueue:   cfg.Cache.FetchBuffer,
		Logger:     logger,
	})
	rt := &runtime{
		cfg:    cfg,
		level:  lvl,
		ws:     wsSrv,
		index:  idx,
		mirror: mirror,
		logger: logger,
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           rt.mux(envBool("VK_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go cleanLoop(ctx, lvl, cfg.Cache.CleanMemoryInterval)
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s world=%s", cfg.Server.Addr, cfg.World.Root)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
	}
	cancel()

	// Sessions release their watches before the final save.
	wsSrv.Close()
	if err := lvl.Close(); err != nil {
		logger.Printf("world close err=%v", err)
	}
	logger.Printf("shutdown complete")
}

// runtime bundles what the HTTP handlers read.
type runtime struct {
	cfg    config.Config
	level  *level.Level
	ws     *ws.Server
	index  *indexdb.SQLiteIndex
	mirror *r2s3.Mirror
	logger *log.Logger
}

func cleanLoop(ctx context.Context, lvl *level.Level, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			lvl.CleanMemory()
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
