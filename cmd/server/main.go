package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	config "github.com/maheshrc27/postpilot/configs"
	"github.com/maheshrc27/postpilot/internal/api"
	"github.com/maheshrc27/postpilot/internal/queue"
	"github.com/maheshrc27/postpilot/internal/repository"
	"github.com/maheshrc27/postpilot/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:           "postpilot",
	Short:         "Schedule and publish social media posts",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API, the scheduler and the publish worker",
	RunE:  runServe,
}

var tickCmd = &cobra.Command{
	Use:   "tick <posting|refresh|retry|metrics>",
	Short: "Run one scheduler tick and print its report",
	Args:  cobra.ExactArgs(1),
	RunE:  runTick,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE:  runMigrate,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ENCRYPTION_KEY and an admin API key with its hash",
	RunE:  runKeygen,
}

var migrateOnStart bool

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "apply the schema before serving")
	rootCmd.AddCommand(serveCmd, tickCmd, migrateCmd, keygenCmd)
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "Warning: Failed to load environment variables", err)
	}

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*components, error) {
	log, err := utils.NewLogger(utils.LogConfigFromEnv())
	if err != nil {
		return nil, err
	}

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return buildComponents(ctx, cfg, log)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	c, err := setup(ctx)
	if err != nil {
		return err
	}
	defer c.log.Sync()
	defer c.close()
	log := c.log

	if migrateOnStart {
		if err := migrate(ctx, c); err != nil {
			return err
		}
	}

	var enqueuer queue.Enqueuer
	var worker *asynq.Server
	if redis, ok := redisOpt(c.cfg); ok {
		client := asynq.NewClient(redis)
		defer client.Close()
		enqueuer = client

		worker = asynq.NewServer(redis, asynq.Config{
			Concurrency: c.cfg.Scheduler.Concurrency,
			Logger:      log.Named("asynq").Sugar(),
		})
		go func() {
			log.Info("starting the asynq server")
			if err := worker.Run(c.queue.Mux()); err != nil {
				log.Fatal("could not start asynq server", zap.Error(err))
			}
		}()
	} else {
		log.Warn("REDIS_URI is not set; publish requests run in-process")
		inline := queue.NewInline(c.queue)
		defer inline.Wait()
		enqueuer = inline
	}

	if err := c.scheduler.Start(); err != nil {
		return err
	}

	app := api.NewApp(api.Deps{
		Posts:           c.posts,
		Accounts:        c.accounts,
		Connect:         c.connect,
		Audit:           c.audit,
		Scheduler:       c.scheduler,
		Enqueuer:        enqueuer,
		SecretKey:       c.cfg.SecretKey,
		AdminAPIKeyHash: c.cfg.AdminAPIKeyHash,
		FrontendURL:     c.cfg.FrontendURL,
		Log:             log.Named("api"),
		RequestLog:      true,
	})

	go func() {
		if err := app.Listen(c.cfg.ListenAddr); err != nil {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()
	log.Info("server is running", zap.String("addr", c.cfg.ListenAddr),
		zap.Bool("automation_enabled", c.cfg.Scheduler.AutomationEnabled))

	gracefulShutdown(app, worker, c)
	return nil
}

func gracefulShutdown(app *fiber.App, worker *asynq.Server, c *components) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	c.log.Info("shutting down server")

	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		c.log.Error("failed to shut down server", zap.Error(err))
	}
	if worker != nil {
		worker.Shutdown()
	}
	c.scheduler.Stop()

	c.log.Info("server shutdown complete")
}

func runTick(cmd *cobra.Command, args []string) error {
	c, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer c.log.Sync()
	defer c.close()

	report, err := c.scheduler.Tick(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	c.scheduler.Stop()

	fmt.Fprintf(cmd.OutOrStdout(), "%s: examined=%d succeeded=%d failed=%d deferred=%d ignored=%d flagged=%d swept=%d",
		report.Tick, report.Examined, report.Succeeded, report.Failed, report.Deferred, report.Ignored, report.Flagged, report.Swept)
	if report.Skipped != "" {
		fmt.Fprintf(cmd.OutOrStdout(), " skipped=%q", report.Skipped)
	}
	if report.Error != "" {
		fmt.Fprintf(cmd.OutOrStdout(), " error=%q", report.Error)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

func migrate(ctx context.Context, c *components) error {
	if c.db == nil {
		return fmt.Errorf("migrate needs STORE_DRIVER=postgres")
	}
	if err := repository.Migrate(ctx, c.db); err != nil {
		return err
	}
	c.log.Info("schema applied")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	c, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer c.log.Sync()
	defer c.close()
	return migrate(cmd.Context(), c)
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	encKey, err := utils.GenerateRandomKey(32)
	if err != nil {
		return err
	}
	apiKey, err := utils.GenerateRandomKey(24)
	if err != nil {
		return err
	}
	hash, err := utils.HashAPIKey(apiKey)
	if err != nil {
		return err
	}
	secret, err := utils.GenerateRandomKey(32)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ENCRYPTION_KEY=%s\n", encKey)
	fmt.Fprintf(out, "SECRET_KEY=%s\n", secret)
	fmt.Fprintf(out, "ADMIN_API_KEY_HASH='%s'\n", hash)
	fmt.Fprintf(out, "# admin api key, shown once: %s\n", apiKey)
	return nil
}
