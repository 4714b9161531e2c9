package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/wellspring/internal/config"
	"github.com/lazypower/wellspring/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := open(ctx, "")
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	log := s.log

	// Tuning constants hot-reload; everything else needs a restart.
	stopWatch, err := config.Watch(s.cfgPath, log, func(t config.Tuning) {
		if err := s.engine.SetTuning(ctx, t); err != nil {
			log.Warn("apply tuning", zap.Error(err))
		}
	})
	if err != nil {
		log.Warn("config watch disabled", zap.String("path", s.cfgPath), zap.Error(err))
	} else {
		defer stopWatch()
	}

	s.engine.StartRecompute()

	addr := s.cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(s.engine, s.cfg.Server, VersionString(), log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info("wellspring serving",
			zap.String("addr", addr),
			zap.String("db", s.cfg.Database.Path),
			zap.String("version", VersionString()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-done:
	case err := <-errCh:
		return err
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(shutdownCtx)
}
