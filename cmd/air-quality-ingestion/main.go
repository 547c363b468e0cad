package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/i474232898/air-quality-ingestion/internal/airquality"
	httpapi "github.com/i474232898/air-quality-ingestion/internal/api/http"
	"github.com/i474232898/air-quality-ingestion/internal/config"
	"github.com/i474232898/air-quality-ingestion/internal/logging"
	"github.com/i474232898/air-quality-ingestion/internal/scheduler"
	"github.com/i474232898/air-quality-ingestion/internal/store"
)

const appName = "air-quality-ingestion"

// Exit codes
const (
	ExitSuccess          = 0
	ExitFailure          = 1
	ExitConfigError      = 2
	ExitPersistenceError = 3
)

func main() {
	logging.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	if err := newApp().Run(os.Args); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, airquality.ErrConfig):
		return ExitConfigError
	case errors.Is(err, airquality.ErrPersistence):
		return ExitPersistenceError
	default:
		return ExitFailure
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  appName,
		Usage: "fetch WAQI air-quality readings and keep a latest snapshot plus a deduplicated history",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "optional YAML config file",
				EnvVars: []string{"AQI_CONFIG_FILE"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override LOG_LEVEL (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run one ingestion batch and exit",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "dry-run", Usage: "fetch and merge without writing anything"},
					&cli.BoolFlag{Name: "json", Usage: "print the run report as JSON"},
				},
				Action: runCommand,
			},
			{
				Name:   "serve",
				Usage:  "run batches on a schedule and expose the ops HTTP API",
				Action: serveCommand,
			},
			{
				Name:  "targets",
				Usage: "print the resolved fetch targets",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "print as JSON"},
				},
				Action: targetsCommand,
			},
		},
	}
}

func loadConfig(c *cli.Context) (*config.AppConfig, error) {
	if path := c.String("config"); path != "" {
		os.Setenv("AQI_CONFIG_FILE", path)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if l := c.String("log-level"); l != "" {
		level = l
	}
	logging.Setup(level, cfg.LogFormat)
	return cfg, nil
}

func runCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.RequireToken(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg, c.Bool("dry-run"))
	if err != nil {
		return err
	}
	defer p.Close()

	report, err := p.service.Run(ctx)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	if p.dryRun != nil {
		return printSnapshot(ctx, c.App.Writer, p.dryRun, report)
	}
	fmt.Fprintf(c.App.Writer, "Saved %d rows to latest snapshot\n", report.SnapshotRows)
	fmt.Fprintf(c.App.Writer, "Log updated: %d rows (%d new)\n", report.LogRows, report.LogAdded)
	if report.Failed > 0 || report.Dropped > 0 {
		fmt.Fprintf(c.App.Writer, "Skipped %d failed and %d dropped of %d targets\n", report.Failed, report.Dropped, report.Targets)
	}
	return nil
}

// printSnapshot shows what a dry run would have written.
func printSnapshot(ctx context.Context, out io.Writer, mem *store.MemoryStore, report airquality.RunReport) error {
	snap, err := mem.ReadSnapshot(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CITY\tAQI\tCATEGORY\tOBSERVED_AT_UTC\tDOMINENTPOL")
	for _, r := range snap {
		aqi, pol := "-", "-"
		if r.AQI != nil {
			aqi = fmt.Sprintf("%g", *r.AQI)
		}
		if r.DominantPollutant != nil {
			pol = *r.DominantPollutant
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.City, aqi, r.Category(), r.ObservedAt, pol)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Dry run: %d snapshot rows, log would hold %d rows (%d new)\n",
		report.SnapshotRows, report.LogRows, report.LogAdded)
	return nil
}

func targetsCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg.Targets)
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CITY\tLAT\tLON")
	for _, t := range cfg.Targets {
		fmt.Fprintf(w, "%s\t%g\t%g\n", t.Name, t.Lat, t.Lon)
	}
	return w.Flush()
}

func serveCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.RequireToken(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer p.Close()

	// Scheduler that periodically runs the pipeline.
	sched := scheduler.New(p.service, cfg.ScheduleInterval, cfg.ScheduleInterval)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               appName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		// Manual runs hold the connection until the batch finishes.
		WriteTimeout: 10 * time.Minute,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": appName,
			"store":   cfg.StoreBackend,
			"targets": len(cfg.Targets),
		})
	})

	httpapi.RegisterRoutes(app, httpapi.Deps{
		Trigger: sched,
		Targets: cfg.Targets,
	})

	log.Info().Str("port", cfg.Port).Dur("interval", cfg.ScheduleInterval).Msg("serving ops API")
	return listenUntilDone(ctx, app, ":"+cfg.Port)
}

// listenUntilDone serves app until ctx is cancelled, then shuts it down.
// A listener that fails on its own is returned as an error.
func listenUntilDone(ctx context.Context, app *fiber.App, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ops API listener on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
	return nil
}
