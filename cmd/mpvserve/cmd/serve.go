package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mpvserve/mpvserve/internal/api"
	"github.com/mpvserve/mpvserve/internal/listing"
	"github.com/mpvserve/mpvserve/internal/metrics"
	"github.com/mpvserve/mpvserve/internal/progress"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a media directory",
		Long:  `Serve the movies below --dir, list them with mpv:// links and record playback progress.`,
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	serveCmd.Flags().String("dir", "", "root directory with the movies")
	serveCmd.Flags().String("host", "", "address to listen on")
	serveCmd.Flags().Int("port", 0, "port to listen on")

	bindFlag(serveCmd, "root_dir", "dir")
	bindFlag(serveCmd, "server.host", "host")
	bindFlag(serveCmd, "server.port", "port")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logCloser, err := loadConfig()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if err := cfg.ValidateRoot(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := initializeStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			slog.Error("Failed to close storage", "error", err)
		}
	}()

	metrics.Register(prometheus.DefaultRegisterer)

	persister := progress.NewPersister(store,
		progress.WithLogger(slog.With("component", "progress-persister")))

	tracker := api.NewStreamTracker()
	defer tracker.Stop()
	tracker.StartCleanup(ctx)

	fs := afero.NewOsFs()
	lister := listing.New(fs, store,
		listing.WithMovieExtensions(cfg.Listing.MovieExtensions),
		listing.WithMaxLookups(cfg.Listing.MaxProgressLookups),
		listing.WithLogger(slog.With("component", "lister")))

	server, err := api.NewServer(api.Options{
		RootDir:       cfg.RootDir,
		Fs:            fs,
		Lister:        lister,
		Persister:     persister,
		StreamTracker: tracker,
		Logger:        slog.With("component", "api"),
	})
	if err != nil {
		return err
	}
	server.SetReady(true)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.InfoContext(ctx, "Starting server", "addr", addr, "root", cfg.RootDir)
		if err := server.Listen(addr); err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// The server waits for in-flight responses until the timeout but
		// does not abort them. Streams still open afterwards are closed here
		// so their last position reaches the persister.
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down server", "error", err)
		}
		if n := tracker.CloseAll(); n > 0 {
			slog.Info("Closed open streams", "count", n)
		}

		persistCtx, cancelPersist := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelPersist()
		if err := persister.Close(persistCtx); err != nil {
			slog.Error("Progress writes did not finish before shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}
