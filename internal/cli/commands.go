package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"fincore/internal/config"
	"fincore/internal/core"
	"fincore/internal/ledger"
	"fincore/internal/log"
	"fincore/internal/storage"
)

// Opener builds the service graph for one command. The returned cleanup
// releases the store and the event connection.
type Opener func(ctx context.Context, cfg *config.Config) (*App, func(), error)

// Runtime carries what every command needs. Tests swap in an in-memory
// opener.
type Runtime struct {
	LoadConfig func() (*config.Config, error)
	Open       Opener
	Logger     *log.Logger
}

// DefaultRuntime reads .env and the environment and opens the configured
// backends.
func DefaultRuntime() *Runtime {
	LoadEnvFile()
	cfg := config.Load()
	logger := SetupLogger(cfg.LogLevel).WithComponent(log.ComponentCLI)
	return &Runtime{
		LoadConfig: func() (*config.Config, error) {
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		},
		Open: func(ctx context.Context, cfg *config.Config) (*App, func(), error) {
			return OpenApp(ctx, logger, cfg)
		},
		Logger: logger,
	}
}

// OpenApp opens the store and event sink and wires the services.
func OpenApp(ctx context.Context, logger *log.Logger, cfg *config.Config) (*App, func(), error) {
	store, closeStore, err := OpenStore(ctx, logger, cfg)
	if err != nil {
		return nil, nil, err
	}
	sink, closeEvents, err := OpenEvents(ctx, logger, cfg)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	app := NewApp(cfg, store, sink, logger)
	return app, func() {
		closeEvents()
		closeStore()
	}, nil
}

// NewRootCommand builds the fincorectl command tree.
func NewRootCommand(rt *Runtime) *cobra.Command {
	root := &cobra.Command{
		Use:   "fincorectl",
		Short: "Operate the fincore ledger",
		Long: `Operator tool for the fincore ledger. It opens the backend named by
STORAGE_BACKEND and runs one maintenance operation against it.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newMigrateCmd(rt),
		newOpenAccountCmd(rt),
		newAuditCmd(rt),
		newSweepCmd(rt),
		newRecomputeCmd(rt),
		newRefreshOverdueCmd(rt),
	)
	return root
}

// withApp loads config, opens the app, runs fn and cleans up.
func withApp(cmd *cobra.Command, rt *Runtime, fn func(ctx context.Context, app *App, out io.Writer) error) error {
	cfg, err := rt.LoadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, cleanup, err := rt.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer cleanup()
	return fn(ctx, app, cmd.OutOrStdout())
}

// ─── migrate ────────────────────────────────────────────────────────────────

func newMigrateCmd(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQLite schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rt.LoadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg.StorageBackend != "sqlite" {
				fmt.Fprintf(out, "Backend %q has no migrations\n", cfg.StorageBackend)
				return nil
			}
			if err := storage.RunMigrations(cfg.SQLiteDBPath); err != nil {
				return err
			}
			version, dirty, err := storage.MigrationVersion(cfg.SQLiteDBPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Schema at version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}

// ─── open-account ───────────────────────────────────────────────────────────

func newOpenAccountCmd(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open-account USER_ID",
		Short: "Open a credit account with the signup grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			noGrant, _ := cmd.Flags().GetBool("no-grant")
			return withApp(cmd, rt, func(ctx context.Context, app *App, out io.Writer) error {
				grant := app.Config.SignupGrant
				if noGrant {
					grant = core.Money{}
				}
				acct, err := app.Ledger.OpenAccount(ctx, args[0], grant)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Account %s for %s, balance %s\n", acct.ID, acct.UserID, acct.Balance)
				return nil
			})
		},
	}
	cmd.Flags().Bool("no-grant", false, "Open the account without the signup grant")
	return cmd
}

// ─── audit ──────────────────────────────────────────────────────────────────

// ErrDrift is returned by the audit command when any account drifted, so
// the process exits non-zero.
var ErrDrift = errors.New("ledger drift detected")

func newAuditCmd(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "audit [ACCOUNT_ID]",
		Short: "Replay the ledger and compare it with stored balances",
		Long: `Replay completed ledger entries and compare them with the stored
balance. Without an ACCOUNT_ID every account is audited. Nothing is corrected.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rt, func(ctx context.Context, app *App, out io.Writer) error {
				var reports []ledger.AuditReport
				if len(args) == 1 {
					r, err := app.Ledger.Audit(ctx, args[0])
					if err != nil && !core.IsDrift(err) {
						return err
					}
					reports = append(reports, *r)
				} else {
					all, err := app.Ledger.AuditAll(ctx)
					if err != nil && !core.IsDrift(err) {
						return err
					}
					reports = all
				}
				return printAudit(out, reports)
			})
		},
	}
}

func printAudit(out io.Writer, reports []ledger.AuditReport) error {
	drifted := 0
	for _, r := range reports {
		state := "ok"
		if r.InFlight {
			state = "ok (write in flight)"
		}
		if !r.Consistent() {
			state = "DRIFT " + r.AccountBalance.Sub(r.LedgerBalance).String()
			drifted++
		}
		fmt.Fprintf(out, "%s\tbalance=%s\tledger=%s\tpending=%d\t%s\n",
			r.AccountID, r.AccountBalance, r.LedgerBalance, r.Pending, state)
	}
	fmt.Fprintf(out, "%d accounts audited, %d drifted\n", len(reports), drifted)
	if drifted > 0 {
		return ErrDrift
	}
	return nil
}

// ─── sweep ──────────────────────────────────────────────────────────────────

func newSweepCmd(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation pass",
		Long: `Resolve pending ledger entries, repair orphaned charged records and
purge expired idempotency keys, once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rt, func(ctx context.Context, app *App, out io.Writer) error {
				stats, err := app.Reconciler.RunOnce(ctx)
				fmt.Fprintf(out, "pending completed=%d deleted=%d ambiguous=%d reversals=%d\n",
					stats.Ledger.Completed, stats.Ledger.Deleted, stats.Ledger.Ambiguous, stats.Ledger.ReversalsFinished)
				fmt.Fprintf(out, "records charged=%d deleted=%d skipped=%d\n",
					stats.ChargesCompleted, stats.RecordsDeleted, stats.ChargesSkipped)
				fmt.Fprintf(out, "idempotency keys purged=%d\n", stats.IdempotencyPurged)
				return err
			})
		},
	}
}

// ─── recompute ──────────────────────────────────────────────────────────────

func newRecomputeCmd(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute PARTY_ID",
		Short: "Refold a party aggregate from its transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rt, func(ctx context.Context, app *App, out io.Writer) error {
				p, err := app.Parties.RecomputePartyAccount(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s: total=%s paid=%s remaining=%s status=%s overdue_days=%d\n",
					p.ID, p.PartyName, p.TotalAmount, p.PaidAmount, p.RemainingAmount, p.Status, p.OverdueDays)
				return nil
			})
		},
	}
}

// ─── refresh-overdue ────────────────────────────────────────────────────────

func newRefreshOverdueCmd(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh-overdue",
		Short: "Re-derive due status for every unpaid party",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			at, _ := cmd.Flags().GetString("at")
			now := time.Now()
			if at != "" {
				t, err := time.Parse("2006-01-02", at)
				if err != nil {
					return fmt.Errorf("invalid --at %q: want YYYY-MM-DD", at)
				}
				now = t
			}
			return withApp(cmd, rt, func(ctx context.Context, app *App, out io.Writer) error {
				stats, err := app.Overdue.ProcessDue(ctx, now)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "checked=%d updated=%d overdue=%d\n", stats.Checked, stats.Updated, stats.Overdue)
				return nil
			})
		},
	}
	cmd.Flags().String("at", "", "Evaluate as of this date (YYYY-MM-DD)")
	return cmd
}
