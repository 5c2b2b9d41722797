package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/andresmejia3/pulse/internal/registry"
	"github.com/andresmejia3/pulse/internal/server"
	"github.com/andresmejia3/pulse/internal/session"
	"github.com/andresmejia3/pulse/internal/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveOpts Options

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the live stream, uploads and measurements over HTTP",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(cmd.Context(), serveOpts); err != nil {
			utils.Die("Server failed", err, nil)
		}
	},
}

func init() {
	serveCmd.Flags().StringVarP(&Cfg.Addr, "addr", "a", Cfg.Addr, "Listen address")
	serveCmd.Flags().IntVarP(&serveOpts.NumEngines, "engines", "e", Cfg.Workers, "Number of face detector processes (0 assumes a centred face)")
	serveCmd.Flags().DurationVar(&Cfg.Shutdown, "shutdown-timeout", Cfg.Shutdown, "Grace period for open requests on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, opts Options) error {
	locator, closeLocator := newLocator(ctx, opts.NumEngines)
	defer closeLocator()

	pub, err := newPublisher()
	if err != nil {
		return err
	}
	defer pub.Close()

	jobs := registry.NewJobs()
	measurements := registry.NewMeasurements()
	runner := &session.Runner{
		Jobs:         jobs,
		Measurements: measurements,
		Locator:      locator,
		Publisher:    pub,
		Logger:       Logger,
		Estimator:    Cfg.Estimator,
		OutputDir:    outputDir(),
	}
	srv := server.New(ctx, server.Server{
		Jobs:         jobs,
		Measurements: measurements,
		Runner:       runner,
		Locator:      locator,
		Publisher:    pub,
		Logger:       Logger,
		Estimator:    Cfg.Estimator,
		UploadDir:    uploadDir(),
	})
	if DB != nil {
		runner.Archive = DB
		srv.Archive = DB
	}

	httpSrv := &http.Server{
		Addr:              Cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- httpSrv.ListenAndServe()
	}()
	fmt.Fprintf(os.Stderr, "💓 Pulse listening on %s\n", Cfg.Addr)
	Logger.Info("Server started", zap.String("addr", Cfg.Addr), zap.Int("engines", opts.NumEngines), zap.Bool("archive", DB != nil))

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	Logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), Cfg.Shutdown)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		Logger.Warn("Forced shutdown", zap.Error(err))
	}
	// Jobs run under ctx, which is already cancelled; they fail fast and archive themselves.
	runner.Wait()

	if DB != nil {
		for _, m := range measurements.List() {
			if err := DB.SaveMeasurement(shutdownCtx, m); err != nil {
				Logger.Warn("Archive measurement failed", zap.String("measurement_id", m.ID), zap.Error(err))
			}
		}
	}
	return nil
}
