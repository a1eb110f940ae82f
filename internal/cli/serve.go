package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/durable-research/pkg/api"
	"github.com/jdziat/durable-research/pkg/events"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workers, the maintenance scheduler and the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.wirePipeline(ctx); err != nil {
		return err
	}
	if err := a.maintenance.Register(); err != nil {
		return err
	}
	limiter, err := a.limiter(ctx)
	if err != nil {
		return err
	}
	pipelineWorker, maintenanceWorker := a.workers(limiter)

	srv := api.NewServer(a.service, a.gate, logger)
	router := srv.Router()
	if a.bot != nil {
		srv.TelegramWebhook(router, cfg.Telegram.WebhookSecret, a.bot)
	}
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	var publisher *events.Publisher
	if cfg.AMQP.URL != "" {
		conn, err := amqp.Dial(cfg.AMQP.URL)
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		defer conn.Close()
		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("amqp channel: %w", err)
		}
		defer ch.Close()
		if err := events.Declare(ch, cfg.AMQP.Exchange); err != nil {
			return err
		}
		publisher = events.NewPublisher(ch, cfg.AMQP.Exchange, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(pipelineWorker.Start(gctx)) })
	g.Go(func() error { return ignoreCancel(maintenanceWorker.Start(gctx)) })

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if publisher != nil {
		sub := a.queue.Events()
		g.Go(func() error {
			defer a.queue.Unsubscribe(sub)
			publisher.Run(gctx, sub)
			return nil
		})
	}

	logger.Info("researchd started", "version", Version)
	err = g.Wait()
	logger.Info("researchd stopped")
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
