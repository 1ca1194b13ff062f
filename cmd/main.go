package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dag-consensus/config"
	"dag-consensus/consensus"
	"dag-consensus/crypto"
	"dag-consensus/db"
	"dag-consensus/handlers"
	"dag-consensus/logger"
	"dag-consensus/metrics"
	"dag-consensus/models"
	"dag-consensus/network"
	"dag-consensus/repository"
	"dag-consensus/routers"
)

func main() {
	fs := pflag.NewFlagSet("dagc", pflag.ContinueOnError)
	config.AddFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Println("Flag error:", err)
		os.Exit(2)
	}

	// Load config
	path, _ := fs.GetString(config.ConfigFileKey)
	cfg, err := config.Load(path, fs)
	if err != nil {
		fmt.Println("Config file error:", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Log.AppLogFile, cfg.Log.Level, cfg.Rotation()); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Logger.Sync()

	if err := run(cfg); err != nil {
		logger.Logger.Error("Node exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger.Logger.Info("Starting DAG consensus node...")

	engineCfg, err := cfg.Engine()
	if err != nil {
		return err
	}

	// Connect to LevelDB
	ldb, err := db.NewLevelDB(cfg.LevelDB.Path)
	if err != nil {
		return fmt.Errorf("opening leveldb at %s: %w", cfg.LevelDB.Path, err)
	}
	defer ldb.Close()

	repo := repository.NewVertexRepository(ldb)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New("dagc", reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	peers := make([]models.PeerID, len(cfg.Peers))
	for i, p := range cfg.Peers {
		peers[i] = models.PeerID(p)
	}
	net := network.NewLoopback(peers, time.Now().UnixNano())

	engine, err := consensus.New(engineCfg, crypto.Blake2b{}, net, repo, m)
	if err != nil {
		return err
	}
	net.Bind(engine)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	restored, err := engine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring from checkpoint: %w", err)
	}
	if !restored {
		logger.Logger.Info("No checkpoint found, starting with an empty DAG")
	}

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, handlers.NewHandler(engine), reg)

	// HTTP Server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		logger.Logger.Info("Server running on port", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Logger.Info("Shutdown signal received, exiting...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Checkpoint.Interval > 0 {
		g.Go(func() error {
			checkpointLoop(gctx, engine, cfg.Checkpoint.Interval)
			return nil
		})
	}

	err = g.Wait()

	// final checkpoint so a restart resumes where this run stopped
	if _, cpErr := engine.Checkpoint(context.Background()); cpErr != nil {
		logger.Logger.Error("Failed to write final checkpoint", zap.Error(cpErr))
	}
	return err
}

func checkpointLoop(ctx context.Context, engine *consensus.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.Checkpoint(ctx); err != nil {
				logger.Logger.Error("Failed to write checkpoint", zap.Error(err))
			}
		}
	}
}
