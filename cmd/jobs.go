package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-checkout/app/service"
	"github.com/vibast-solutions/ms-go-checkout/config"
)

var (
	workerMode bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile submitted payment sessions against the gateway",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"reconcile",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ReconcileInterval },
			func(s *service.CheckoutService, ctx context.Context) error {
				return s.RunReconcileBatch(ctx)
			},
		)
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Run expiration-related commands",
}

var expireCreatedCmd = &cobra.Command{
	Use:   "created",
	Short: "Expire sessions that never reached the gateway",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"expire_created",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ExpireCreatedInterval },
			func(s *service.CheckoutService, ctx context.Context) error {
				return s.RunExpireCreatedBatch(ctx)
			},
		)
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Run order notification commands",
}

var notificationsDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Retry pending payment outcome notifications to the order service",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"notifications_dispatch",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.NotificationDispatchInterval },
			func(s *service.CheckoutService, ctx context.Context) error {
				return s.RunDispatchNotificationsBatch(ctx)
			},
		)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(expireCmd)
	rootCmd.AddCommand(notificationsCmd)
	expireCmd.AddCommand(expireCreatedCmd)
	notificationsCmd.AddCommand(notificationsDispatchCmd)

	rootCmd.PersistentFlags().BoolVar(&workerMode, "worker", false, "Run continuously using configured interval")
}

func runCommand(
	name string,
	intervalResolver func(cfg *config.Config) time.Duration,
	fn func(s *service.CheckoutService, ctx context.Context) error,
) {
	app := mustCreateCheckoutService()
	defer app.cleanup()

	if workerMode {
		runWorker(name, intervalResolver(app.cfg), app.service, fn)
		return
	}

	ctx := context.Background()
	runJob(name, func() error { return fn(app.service, ctx) })
}

func runWorker(
	name string,
	interval time.Duration,
	checkoutService *service.CheckoutService,
	fn func(s *service.CheckoutService, ctx context.Context) error,
) {
	if interval <= 0 {
		logrus.WithField("job", name).Fatal("invalid worker interval")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runJob(name, func() error { return fn(checkoutService, ctx) })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-quit:
			logrus.WithField("job", name).Info("Worker shutdown requested")
			return
		case <-ticker.C:
			runJob(name, func() error { return fn(checkoutService, ctx) })
		}
	}
}

func runJob(name string, fn func() error) {
	start := time.Now()
	err := fn()
	latency := time.Since(start)
	if err != nil {
		logrus.WithError(err).WithField("job", name).WithField("latency", latency.String()).Error("job_failed")
		return
	}
	logrus.WithField("job", name).WithField("latency", latency.String()).Info("job_completed")
}
