package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/plm/config"
	"example.com/backstage/plm/messaging"
	"example.com/backstage/plm/projections"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the outbox worker",
	Long:  `Drain the event outbox into the version search index and lifecycle notifications`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(cfg, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	var projectors []projections.Projector

	if cfg.Elasticsearch.Enabled {
		esClient, err := projections.NewElasticsearchClient(cfg.Elasticsearch)
		if err != nil {
			return err
		}
		if err := projections.EnsureIndices(esClient, cfg); err != nil {
			return errors.Wrap(err, "failed to prepare indices")
		}
		index := config.FormatIndex(cfg, projections.EntityVersionsIndex)
		projectors = append(projectors, projections.NewVersionProjector(esClient, index))
	} else {
		log.Warn().Msg("Elasticsearch disabled, versions will not be indexed")
	}

	if cfg.Azure.Enabled {
		azureClient, err := messaging.NewAzureClient(cfg.Azure)
		if err != nil {
			return err
		}
		defer azureClient.Close(context.Background())

		publisher, err := azureClient.NewPublisher(cfg.Azure.NotificationsTopic)
		if err != nil {
			return errors.Wrap(err, "failed to create notification publisher")
		}
		defer publisher.Close(context.Background())
		projectors = append(projectors, projections.NewNotificationProjector(publisher))
	}

	processor := projections.NewEventProcessor(svc.store, cfg.Worker, svc.metrics, projectors...)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}
		if err := processor.Schedule(ctx, scheduler); err != nil {
			return err
		}

		log.Info().Dur("interval", cfg.Worker.Interval).Int("batch_size", cfg.Worker.BatchSize).Msg("Starting outbox worker")
		scheduler.Start()

		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
