// Command kbctl manages the knowledge base: ingestion, freshness audits and
// ingestion jobs over NATS.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/eventsphere/kbassist/config"
	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/engine/events"
	"github.com/eventsphere/kbassist/engine/ingest"
	"github.com/eventsphere/kbassist/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRoot(os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	configPath string
	logOut     io.Writer
	cfg        *config.Config
	logger     *slog.Logger
}

func newRoot(logOut io.Writer) *cobra.Command {
	c := &cli{logOut: logOut}
	root := &cobra.Command{
		Use:          "kbctl",
		Short:        "Manage the kbassist knowledge base",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("KBASSIST_CONFIG"), "config file (yaml)")

	root.AddCommand(
		c.ingestCmd(),
		c.statsCmd(),
		c.auditCmd(),
		c.refreshCmd(),
		c.watchCmd(),
		c.publishCmd(),
		c.consumeCmd(),
		c.migrateCmd(),
	)
	return root
}

func (c *cli) load() error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	cfg.Log.Format = "text"
	c.cfg = cfg
	c.logger = app.NewLogger(cfg.Log, c.logOut)
	slog.SetDefault(c.logger)
	return nil
}

// withApp runs f against freshly wired services and closes them afterwards.
func (c *cli) withApp(ctx context.Context, f func(a *app.App) error) error {
	a, err := app.New(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return f(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [dir]",
		Short: "Chunk, embed and store every document under dir",
		Long:  "Ingest is idempotent: chunks already stored are skipped. dir defaults to freshness.docs_dir.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := c.cfg.Freshness.DocsDir
			if len(args) == 1 {
				dir = args[0]
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				start := time.Now()
				sum, err := a.Pipeline.IngestDir(cmd.Context(), dir)
				c.logger.Info("ingest finished", "dir", dir, "documents", sum.Documents,
					"stored", sum.Stored, "skipped", sum.Skipped, "failed", sum.Failed,
					"duration", time.Since(start))
				if perr := printJSON(cmd.OutOrStdout(), sum); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show vector collection statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				stats, err := a.Store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func (c *cli) auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Report stale points and duplicate groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Freshness.Audit(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func (c *cli) refreshCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild the index when the audit recommends it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				update := a.Freshness.AutoUpdate
				if force {
					update = a.Freshness.ForceUpdate
				}
				out, err := update(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "clear and rebuild regardless of the audit")
	return cmd
}

func (c *cli) watchCmd() *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Ingest dir, then re-ingest files as they change",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := c.cfg.Freshness.DocsDir
			if len(args) == 1 {
				dir = args[0]
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				sum, err := a.Pipeline.IngestDir(cmd.Context(), dir)
				if err != nil {
					c.logger.Warn("initial ingest incomplete", "err", err)
				}
				c.logger.Info("watching", "dir", dir, "stored", sum.Stored, "skipped", sum.Skipped)
				return ingest.NewWatcher(dir, a.Pipeline, a.Store, debounce, c.logger).Run(cmd.Context())
			})
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "coalesce writes within this window")
	return cmd
}

func (c *cli) connect() (*nats.Conn, error) {
	nc, err := nats.Connect(c.cfg.NATS.URL, nats.Name("kbctl"))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", c.cfg.NATS.URL, err)
	}
	return nc, nil
}

func (c *cli) publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish [dir]",
		Short: "Enqueue every document under dir as an ingestion job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := c.cfg.Freshness.DocsDir
			if len(args) == 1 {
				dir = args[0]
			}
			docs, err := ingest.LoadDocuments(dir)
			if err != nil {
				return err
			}
			nc, err := c.connect()
			if err != nil {
				return err
			}
			defer nc.Close()
			if err := ingest.PublishDocuments(cmd.Context(), nc, docs); err != nil {
				return err
			}
			if err := nc.Flush(); err != nil {
				return err
			}
			c.logger.Info("published", "subject", ingest.Subject, "documents", len(docs))
			return nil
		},
	}
}

func (c *cli) consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Run ingestion jobs from NATS until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nc, err := c.connect()
			if err != nil {
				return err
			}
			defer nc.Drain()
			return c.withApp(cmd.Context(), func(a *app.App) error {
				sub, err := ingest.NewConsumer(a.Pipeline, nc, c.logger).Start(nc)
				if err != nil {
					return err
				}
				defer sub.Unsubscribe()
				c.logger.Info("consuming", "subject", ingest.Subject, "dlq", ingest.DLQSubject)
				<-cmd.Context().Done()
				return nil
			})
		},
	}
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the events schema if it is missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Events.DSN == "" {
				return domain.NewConfigurationError("events.dsn", "required for migrate")
			}
			store, err := events.NewPGStore(cmd.Context(), c.cfg.Events.DSN)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			c.logger.Info("events schema ready")
			return nil
		},
	}
}
