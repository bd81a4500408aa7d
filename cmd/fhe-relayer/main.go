// Command fhe-relayer runs a development relayer: it accepts encrypted inputs,
// keeps the ciphertexts and an access list, and answers user decryption
// requests signed by authorized identities.
//
//	fhe-relayer -addr :8448 -data ./data -lag 2s
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/fhevault/config"
	"github.com/luxfi/fhevault/internal/localengine"
	"github.com/luxfi/fhevault/internal/storage"
	"github.com/luxfi/fhevault/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "YAML configuration file")
		addr        = flag.String("addr", "", "HTTP listen address")
		dataDir     = flag.String("data", "", "directory for keys and ciphertexts; empty keeps everything in memory")
		lag         = flag.Duration("lag", -1, "delay before a granted permission becomes visible")
		bitWidth    = flag.Int("bits", 0, "widest accepted plaintext")
		allowGrants = flag.Bool("allow-grants", false, "accept access grants over HTTP")
		capacityMB  = flag.Int64("capacity", 0, "in-memory ciphertext capacity in MB, 0 for unbounded")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *addr != "" {
		cfg.Server.Listen = *addr
	}
	if *dataDir != "" {
		cfg.Server.DataDir = *dataDir
	}
	if *lag >= 0 {
		cfg.Server.PropagationLag = *lag
	}
	if *bitWidth > 0 {
		cfg.Server.BitWidth = *bitWidth
	}
	if *allowGrants {
		cfg.Server.AllowGrants = true
	}

	logger := log.NewLogger("fhe-relayer")
	logger.Info("FHE relayer starting",
		"addr", cfg.Server.Listen,
		"data", cfg.Server.DataDir,
		"lag", cfg.Server.PropagationLag,
		"bits", cfg.Server.BitWidth,
		"allowGrants", cfg.Server.AllowGrants,
	)

	var store storage.Storage
	if cfg.Server.DataDir == "" {
		store = storage.NewMemory(*capacityMB)
	} else {
		fs, err := storage.NewFile(filepath.Join(cfg.Server.DataDir, "ciphertexts"))
		if err != nil {
			return fmt.Errorf("create storage: %w", err)
		}
		store = fs
	}
	defer store.Close()

	eng, err := localengine.New(store, localengine.Config{
		Domain:         cfg.Domain(),
		BitWidth:       cfg.Server.BitWidth,
		PropagationLag: cfg.Server.PropagationLag,
		KeyDir:         cfg.Server.DataDir,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return err
	}

	srv := server.New(server.Config{
		Address:     cfg.Server.Listen,
		AllowGrants: cfg.Server.AllowGrants,
	}, eng, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", srv.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("FHE relayer listening", "addr", cfg.Server.Listen, "coprocessor", eng.Coprocessor())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("Shutting down FHE relayer", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("Server shutdown error", "error", err)
	}
	logger.Info("FHE relayer stopped")
	return nil
}
