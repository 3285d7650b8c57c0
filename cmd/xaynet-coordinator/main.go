// The xaynet-coordinator daemon drives PET federated learning rounds: it
// selects participants, collects masked models over HTTP and publishes a
// new global model every round.
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

	clock "github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"

	"github.com/xaynetwork/xaynet/common/log"
	"github.com/xaynetwork/xaynet/config"
	"github.com/xaynetwork/xaynet/coordinator"
	"github.com/xaynetwork/xaynet/events"
	"github.com/xaynetwork/xaynet/metrics"
	"github.com/xaynetwork/xaynet/pet"
	"github.com/xaynetwork/xaynet/pipeline"
	"github.com/xaynetwork/xaynet/server"
	"github.com/xaynetwork/xaynet/storage"
	"github.com/xaynetwork/xaynet/storage/boltdb"
	"github.com/xaynetwork/xaynet/storage/memdb"
	"github.com/xaynetwork/xaynet/storage/models"
	"github.com/xaynetwork/xaynet/storage/redisdb"
)

func main() {
	app := &cli.App{
		Name:  "xaynet-coordinator",
		Usage: "coordinator for privacy-preserving federated learning",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the TOML configuration",
				Value:   "coordinator.toml",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log at debug level",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "run the coordinator",
				Action: start,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func start(c *cli.Context) error {
	settings, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	level := config.LogLevel(settings.Log.Level)
	if c.Bool("verbose") {
		level = log.DebugLevel
	}
	logger := log.New(nil, level, settings.Log.JSON)

	store, err := buildCoordinatorStorage(settings)
	if err != nil {
		return err
	}
	defer store.Close()
	modelStore, err := buildModelStorage(settings)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.IsReady(ctx); err != nil {
		return fmt.Errorf("coordinator storage not ready: %w", err)
	}
	if err := modelStore.IsReady(ctx); err != nil {
		return fmt.Errorf("model storage not ready: %w", err)
	}

	restored, err := restoreState(ctx, settings, store, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	bus := events.NewBus()
	pipe, err := pipeline.New(bus, m, logger, settings.PipelineConfig())
	if err != nil {
		return err
	}
	coordSettings, err := settings.CoordinatorSettings()
	if err != nil {
		return err
	}
	machine := coordinator.New(coordSettings, store, modelStore, bus, pipe.Intake(), m, logger, clock.NewRealClock(), restored)

	httpServer := &http.Server{
		Addr:    settings.API.Bind,
		Handler: server.New(pipe, bus, store, modelStore, m, logger).Handler(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infow("http server listening", "addr", settings.API.Bind)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		errCh <- machine.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Infow("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("fatal error", "err", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildCoordinatorStorage(settings config.Settings) (storage.Coordinator, error) {
	switch settings.Storage.Coordinator.Engine {
	case "memory":
		return memdb.NewStore(), nil
	case "bolt":
		return boltdb.NewStore(settings.Storage.Coordinator.BoltPath, nil)
	case "redis":
		return redisdb.NewStore(settings.Storage.Coordinator.RedisURL)
	default:
		return nil, fmt.Errorf("unknown coordinator storage engine %q", settings.Storage.Coordinator.Engine)
	}
}

func buildModelStorage(settings config.Settings) (storage.Models, error) {
	switch settings.Storage.Models.Engine {
	case "memory":
		return models.NewMemoryStore(), nil
	case "s3":
		return models.NewS3Store(models.S3Config{
			Region:         settings.Storage.Models.S3.Region,
			Endpoint:       settings.Storage.Models.S3.Endpoint,
			Bucket:         settings.Storage.Models.S3.Bucket,
			ForcePathStyle: settings.Storage.Models.S3.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown model storage engine %q", settings.Storage.Models.Engine)
	}
}

// restoreState reloads the previous coordinator state when enabled. A fresh
// start wipes whatever an earlier run left behind.
func restoreState(ctx context.Context, settings config.Settings, store storage.Coordinator, logger log.Logger) (*pet.CoordinatorState, error) {
	if !settings.Restore.Enable {
		if err := store.DeleteCoordinatorData(ctx); err != nil {
			return nil, fmt.Errorf("wiping coordinator data: %w", err)
		}
		logger.Infow("restore disabled, starting fresh")
		return nil, nil
	}
	state, err := store.State(ctx)
	if errors.Is(err, storage.ErrNoCoordinatorState) {
		logger.Infow("no previous state, starting fresh")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("restoring coordinator state: %w", err)
	}
	logger.Infow("restored coordinator state", "round", state.RoundID)
	return state, nil
}
