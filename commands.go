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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencron/condwatch/internal/config"
	"github.com/opencron/condwatch/internal/dispatcher"
	"github.com/opencron/condwatch/internal/handlers"
	"github.com/opencron/condwatch/internal/models"
	"github.com/opencron/condwatch/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the notification dispatcher and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	api := &handlers.API{
		Store:    a.store,
		Runner:   a.scheduler,
		Webhooks: a.dispatcher,
		Logger:   a.logger.Named("http"),
	}
	srv := &http.Server{
		Addr:              a.cfg.HTTP.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := a.scheduler.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatcher.Run(ctx)
	})
	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			a.scheduler.Stop(shutdownCtx),
		)
	})
	return g.Wait()
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task-id>",
		Short: "Evaluate a task once, outside its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			exec, err := a.scheduler.RunTaskNow(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "execution %s: %s\n", exec.ID, exec.Status)
			if exec.Status == models.ExecutionFailed && exec.ErrorMessage != nil {
				fmt.Fprintf(out, "error: %s\n", *exec.ErrorMessage)
				return nil
			}
			fmt.Fprintf(out, "condition met: %t\n", exec.ConditionMet)
			fmt.Fprintf(out, "answer: %s\n", exec.Answer)

			// Send what the run queued now instead of waiting for a server.
			n, err := a.dispatcher.Poll(ctx)
			if err != nil {
				return fmt.Errorf("delivering notifications: %w", err)
			}
			if n > 0 {
				fmt.Fprintf(out, "notifications attempted: %d\n", n)
			}
			return nil
		},
	}
}

func newTestWebhookCmd() *cobra.Command {
	var url, secret string
	cmd := &cobra.Command{
		Use:   "test-webhook",
		Short: "Send a signed webhook.test event to an endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			d := dispatcher.New(nil, cfg.DispatcherConfig(), dispatcher.WithLogger(logger))
			res, err := d.SendTest(cmd.Context(), &models.WebhookConfig{URL: url, Secret: secret, OwnerID: "cli", Enabled: true})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "delivery %s: status %d in %s\n", res.DeliveryID, res.StatusCode, res.Duration.Round(time.Millisecond))
			if !res.Success {
				return fmt.Errorf("test delivery failed: %s", res.Error)
			}
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "https endpoint to deliver to")
	cmd.Flags().StringVar(&secret, "secret", "", "shared signing secret")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func newVerifySignatureCmd() *cobra.Command {
	var secret, header, bodyFile string
	var maxSkew time.Duration
	cmd := &cobra.Command{
		Use:   "verify-signature",
		Short: "Check an " + webhook.HeaderSignature + " header against a received body",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := os.ReadFile(bodyFile)
			if err != nil {
				return fmt.Errorf("reading body: %w", err)
			}
			if !cmd.Flags().Changed("max-skew") {
				cfg, err := config.Load(configFile)
				if err != nil {
					return err
				}
				maxSkew = cfg.Dispatcher.MaxSkew
			}
			if err := webhook.Verify(secret, header, body, time.Now(), maxSkew); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signature valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "shared signing secret")
	cmd.Flags().StringVar(&header, "header", "", "value of the "+webhook.HeaderSignature+" header")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "file holding the raw request body")
	cmd.Flags().DurationVar(&maxSkew, "max-skew", 0, "accepted timestamp drift, 0 disables the check (default dispatcher.max_skew)")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("header")
	_ = cmd.MarkFlagRequired("body-file")
	return cmd
}
