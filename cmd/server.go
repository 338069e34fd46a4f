package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/plm/api"
	"example.com/backstage/plm/internal/telemetry"
	"example.com/backstage/plm/messaging"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	Long:  `Start the HTTP API and, when Azure is enabled, the lifecycle command consumer`,
	RunE:  runServer,
}

var inMemory bool

func init() {
	serverCmd.Flags().BoolVar(&inMemory, "memory", false, "keep all state in memory (development only)")
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	log.Info().Msg("Starting server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(cfg, inMemory)
	if err != nil {
		return err
	}
	defer svc.Close()

	nrApp, err := telemetry.InitNewRelic(cfg.NewRelic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize New Relic, continuing without APM")
	}
	if nrApp != nil {
		defer nrApp.Shutdown(5 * time.Second)
	}

	server := api.NewServer(cfg, api.Handlers{
		Lifecycle:  svc.lifecycle,
		Queries:    svc.queries,
		WorkOrders: svc.workOrders,
		ECNs:       svc.ecns,
	}, svc.metrics, nrApp)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	var azureClient *messaging.AzureClient
	if cfg.Azure.Enabled {
		azureClient, err = messaging.NewAzureClient(cfg.Azure)
		if err != nil {
			return err
		}
		processor := messaging.NewProcessor(svc.lifecycle, svc.workOrders, svc.ecns)
		g.Go(func() error {
			return azureClient.StartConsumers(ctx, cfg.Azure.CommandsQueueName, processor)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		if azureClient != nil {
			if err := azureClient.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to close Azure Service Bus client")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
		return err
	}

	log.Info().Msg("Server exited properly")
	return nil
}
