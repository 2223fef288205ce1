package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tanpawarit/mission-engine/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	"github.com/tanpawarit/mission-engine/agent/server"
	statex "github.com/tanpawarit/mission-engine/agent/state"
	usagex "github.com/tanpawarit/mission-engine/agent/usage"
	workerx "github.com/tanpawarit/mission-engine/agent/worker"
	configx "github.com/tanpawarit/mission-engine/pkg/config"
	logx "github.com/tanpawarit/mission-engine/pkg/logger"
	_ "github.com/tanpawarit/mission-engine/pkg/logger/autoload"
	qstashx "github.com/tanpawarit/mission-engine/pkg/qstash"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "mission",
	Short:         "Mission orchestration engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if envFile != "" {
			configx.SetEnvFile(envFile)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "env file to load (defaults to ./.env or $"+configx.EnvFileVariable+")")
	rootCmd.AddCommand(serveCmd(), runCmd(), migrateCmd(), usageCmd(), conversationCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept missions over HTTP and run them on the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	orch, err := a.newOrchestrator()
	if err != nil {
		return err
	}
	logger := logx.Component("serve")

	// Missions outlive the request that delivered them.
	pool, err := workerx.New(a.cfg.Config, func(ctx context.Context, m contractx.Mission) {
		out := orch.Run(ctx, m)
		ev := logger.Info()
		if out.Err != nil {
			ev = logger.Warn().Err(out.Err)
		}
		ev.Str("status", string(out.Status)).Str("verb", out.Verb).Str("process_id", out.ProcessID).Msg("mission done")
	}, log.Logger)
	if err != nil {
		return err
	}

	var verifier server.SignatureVerifier
	if a.qstash.CurrentSigningKey != "" || a.qstash.NextSigningKey != "" {
		client, err := qstashx.NewClient(a.qstash)
		if err != nil {
			return err
		}
		verifier = client
	}

	handler, err := server.New(server.Config{
		Missions: pool,
		Usage:    a.ledger,
		Verifier: verifier,
		Logger:   log.Logger,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(context.WithoutCancel(gctx))
	})
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		pool.Close()
		logger.Info().Msg("stopped accepting missions, draining queue")
		return err
	})
	if a.cfg.SweepInterval > 0 {
		g.Go(func() error {
			sweepLoop(gctx, a.store, a.cfg.SweepInterval)
			return nil
		})
	}
	return g.Wait()
}

func sweepLoop(ctx context.Context, store *statex.Store, every time.Duration) {
	logger := logx.Component("sweeper")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.SweepExpired(ctx, now.UTC())
			if err != nil {
				logger.Error().Err(err).Msg("sweep expired processes")
				continue
			}
			if n > 0 {
				logger.Info().Int("failed", n).Msg("expired processes failed")
			}
		}
	}
}

func runCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "run [mission-json]",
		Short: "Run one mission in the foreground",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := missionInput(cmd.InOrStdin(), file, args)
			if err != nil {
				return err
			}
			var mission contractx.Mission
			if err := json.Unmarshal(raw, &mission); err != nil {
				return fmt.Errorf("decode mission: %w", err)
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				orch, err := a.newOrchestrator()
				if err != nil {
					return err
				}
				out := orch.Run(ctx, mission)
				printOutcome(cmd.OutOrStdout(), out)
				return out.Err
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the mission from a file (- for stdin)")
	return cmd
}

func missionInput(stdin io.Reader, file string, args []string) ([]byte, error) {
	switch {
	case len(args) == 1:
		return []byte(args[0]), nil
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		return os.ReadFile(file)
	default:
		return nil, errors.New("a mission is required: pass it as an argument or with --file")
	}
}

func printOutcome(w io.Writer, out orchestrator.Outcome) {
	status := color.New(color.FgYellow)
	switch {
	case out.Err != nil || out.Status == statex.StatusFailed:
		status = color.New(color.FgRed, color.Bold)
	case out.Status == statex.StatusFinished:
		status = color.New(color.FgGreen, color.Bold)
	}

	label := string(out.Status)
	if label == "" {
		label = "NOT STARTED"
	}
	status.Fprintf(w, "%s", label)
	fmt.Fprintf(w, " verb=%s process=%s resumed=%t\n", out.Verb, out.ProcessID, out.Resumed)
	if out.Reply != "" {
		fmt.Fprintf(w, "%s %s\n", color.CyanString("reply:"), out.Reply)
	}
	fmt.Fprintf(w, "tokens: in=%d out=%d dispatched=%t\n", out.Usage.InputTokens, out.Usage.OutputTokens, out.Dispatched)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables and seed wallets from the directory file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				seeded, err := a.migrate(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrated; %d wallet(s) seeded\n", seeded)
				return nil
			})
		},
	}
}

func usageCmd() *cobra.Command {
	var since time.Duration
	var groupBy string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarise recorded token usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var from time.Time
				if since > 0 {
					from = time.Now().UTC().Add(-since)
				}

				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.SetStyle(table.StyleLight)

				if groupBy == "" {
					totals, err := a.ledger.Summary(ctx, from, time.Time{})
					if err != nil {
						return err
					}
					t.AppendHeader(table.Row{"Records", "Input", "Output", "Total"})
					t.AppendRow(table.Row{totals.Records, totals.InputTokens, totals.OutputTokens, totals.TotalTokens()})
					t.Render()
					return nil
				}

				rows, err := a.ledger.SummaryBy(ctx, usagex.GroupBy(strings.ToLower(groupBy)), from, time.Time{})
				if err != nil {
					return err
				}
				t.AppendHeader(table.Row{strings.ToUpper(groupBy), "Records", "Input", "Output", "Total"})
				var total usagex.Totals
				for _, r := range rows {
					t.AppendRow(table.Row{r.Key, r.Records, r.InputTokens, r.OutputTokens, r.TotalTokens()})
					total.Records += r.Records
					total.InputTokens += r.InputTokens
					total.OutputTokens += r.OutputTokens
				}
				t.AppendFooter(table.Row{"Total", total.Records, total.InputTokens, total.OutputTokens, total.TotalTokens()})
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "look-back window (0 for all time)")
	cmd.Flags().StringVar(&groupBy, "group-by", "", "group by payer, action, model or user")
	return cmd
}

func conversationCmd() *cobra.Command {
	conv := &cobra.Command{Use: "conversation", Short: "Manage conversations"}
	conv.AddCommand(&cobra.Command{
		Use:   "archive <conversation-id>",
		Short: "Archive a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.store.Archive(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "conversation %s archived\n", args[0])
				return nil
			})
		},
	})
	return conv
}
