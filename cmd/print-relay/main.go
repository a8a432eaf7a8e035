package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/labelworks/print-relay/internal/config"
	"github.com/labelworks/print-relay/internal/deadletter"
	"github.com/labelworks/print-relay/internal/dispatch"
	"github.com/labelworks/print-relay/internal/ledger"
	"github.com/labelworks/print-relay/internal/logging"
	"github.com/labelworks/print-relay/internal/metrics"
	"github.com/labelworks/print-relay/internal/printer"
	"github.com/labelworks/print-relay/internal/queue"
)

// Version is stamped at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "print-relay: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:          "print-relay",
		Short:        "Relay print jobs from a message queue to a physical printer",
		Long:         "print-relay subscribes to a print job queue, deduplicates deliveries against a durable ledger, and submits each job to the printer exactly once per logical request.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg)
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().StringP("printer", "p", "", "Printer destination (default: system default printer)")
	cmd.Flags().StringP("parity", "n", "", "Which order numbers to print: all, odd or even")
	cmd.Flags().StringP("log-level", "l", "", "Log level: debug, info, warn or error")
	cmd.Flags().String("log-format", "", "Log format: text or json")
	cmd.Flags().Bool("skip-printer-check", false, "Skip the startup printer probe")

	return cmd
}

// applyFlags lets explicit CLI flags win over file and environment values.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("printer") {
		cfg.Printer.Name, _ = flags.GetString("printer")
	}
	if flags.Changed("parity") {
		v, _ := flags.GetString("parity")
		cfg.Printer.Parity = config.Parity(v)
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("skip-printer-check") {
		cfg.Printer.SkipCheck, _ = flags.GetBool("skip-printer-check")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.Setup(cfg.Log)
	log := logging.Component("main")
	log.Info("print relay starting", "version", Version, "parity", string(cfg.Printer.Parity))

	if !cfg.Printer.Parity.Valid() {
		return fmt.Errorf("parity must be one of all, odd, even; got %q", cfg.Printer.Parity)
	}

	if cfg.Metrics.Enabled {
		metrics.Init("print_relay")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	if !cfg.Printer.SkipCheck {
		if cfg.Printer.Name == "" {
			name, err := printer.DefaultPrinter(ctx)
			if err != nil {
				return err
			}
			cfg.Printer.Name = name
		}
		if err := printer.ValidatePrinter(ctx, cfg.Printer.Name); err != nil {
			return err
		}
	}
	log.Info("printing to", "printer", cfg.Printer.Name)

	store, err := openLedger(cfg.Ledger)
	if err != nil {
		return err
	}
	defer store.Close()

	dlq, err := deadletter.Open(ctx, cfg.DeadLetter.BucketURL, cfg.DeadLetter.Prefix)
	if err != nil {
		return err
	}
	defer dlq.Close()

	spooler, err := printer.NewSpooler(printer.SpoolerConfig{
		SpoolDir:     cfg.Printer.SpoolDir,
		DeepValidate: cfg.Printer.DeepValidate,
	})
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(dispatch.Config{
		PrinterName:     cfg.Printer.Name,
		Parity:          cfg.Printer.Parity,
		MaxRedeliveries: cfg.Dispatch.MaxRedeliveries,
		NackBackoff:     cfg.Dispatch.NackBackoff,
		MaxNackBackoff:  cfg.Dispatch.MaxNackBackoff,
		MaxPayloadBytes: cfg.Dispatch.MaxPayloadBytes,
	}, store, spooler, dlq)

	go dispatch.RunRecovery(ctx, store, cfg.Ledger.StaleAfter, cfg.Ledger.RecoveryInterval)

	sub, err := queue.Open(ctx, cfg.Queue.SubscriptionURL)
	if err != nil {
		return err
	}
	subscriber := queue.NewSubscriber(sub, dispatcher, cfg.Dispatch.Concurrency)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := subscriber.Shutdown(shutdownCtx); err != nil {
			log.Error("subscription shutdown failed", "error", err)
		}
	}()

	err = subscriber.Run(ctx)
	log.Info("print relay stopped")
	return err
}

func openLedger(cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Backend {
	case "memory":
		slog.Warn("using in-memory ledger, dedup will not survive restarts")
		return ledger.NewMemoryStore(), nil
	default:
		return ledger.NewPostgresStore(ledger.PostgresConfig{DSN: cfg.PostgresDSN})
	}
}
