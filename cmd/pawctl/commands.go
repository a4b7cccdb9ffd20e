package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"

	"github.com/pawhero/backend/internal/auth"
	"github.com/pawhero/backend/internal/config"
	"github.com/pawhero/backend/internal/ledger"
	"github.com/pawhero/backend/internal/models"
	"github.com/pawhero/backend/internal/repository"
)

// env bundles the database handles a command needs.
type env struct {
	pool     *pgxpool.Pool
	accounts *repository.AccountRepo
	ledger   *ledger.Ledger
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Read()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	accounts := repository.NewAccountRepo(pool)
	store := ledger.NewPostgresStore(pool, accounts, repository.NewCreditRepo(pool))
	return &env{pool: pool, accounts: accounts, ledger: ledger.New(store, cfg.InitialCredits, nil)}, nil
}

func withEnv(fn func(cmd *cobra.Command, args []string, e *env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.pool.Close()
		return fn(cmd, args, e)
	}
}

func parseAccount(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("account id %q is not a uuid", s)
	}
	return id, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the application schema and River migrations",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			ctx := cmd.Context()
			if err := repository.Migrate(ctx, e.pool); err != nil {
				return fmt.Errorf("schema: %w", err)
			}
			migrator, err := rivermigrate.New(riverpgxv5.New(e.pool), nil)
			if err != nil {
				return err
			}
			res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
			if err != nil {
				return fmt.Errorf("river: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied; %d river migration(s) run\n", len(res.Versions))
			return nil
		}),
	}
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Print an account's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			id, err := parseAccount(args[0])
			if err != nil {
				return err
			}
			acc, err := e.ledger.Account(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\n", acc.ID, acc.Email, acc.CreditBalance)
			return nil
		}),
	}
}

func ledgerCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "ledger <account-id>",
		Short: "List an account's ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			id, err := parseAccount(args[0])
			if err != nil {
				return err
			}
			entries, err := e.ledger.Entries(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			printEntries(cmd, entries)
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries to show (0 for all)")
	return cmd
}

func printEntries(cmd *cobra.Command, entries []*models.LedgerEntry) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tKIND\tAMOUNT\tBALANCE\tDESCRIPTION\tREFERENCE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%+d\t%d\t%s\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.Kind, e.Amount, e.BalanceAfter, e.Description, e.Reference)
	}
	tw.Flush()
}

func grantCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "grant <account-id> <amount>",
		Short: "Grant BONUS credits to an account",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			id, err := parseAccount(args[0])
			if err != nil {
				return err
			}
			amount, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("amount %q is not an integer", args[1])
			}
			entry, err := e.ledger.Add(cmd.Context(), id, amount, models.EntryBonus, description)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits; balance %d\n", amount, entry.BalanceAfter)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&description, "description", "d", "admin grant", "ledger entry description")
	return cmd
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <account-id>",
		Short: "Check that the ledger entries sum to the stored balance",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			id, err := parseAccount(args[0])
			if err != nil {
				return err
			}
			rep, err := e.ledger.Audit(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "balance %d, entry sum %d over %d entries\n", rep.Balance, rep.EntrySum, rep.EntryCount)
			if !rep.Consistent() {
				return fmt.Errorf("account %s is inconsistent: off by %d", id, rep.Balance-rep.EntrySum)
			}
			return nil
		}),
	}
}

func promoteCmd() *cobra.Command {
	var revoke bool
	cmd := &cobra.Command{
		Use:   "promote <account-id>",
		Short: "Grant (or with --revoke, remove) admin rights",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			id, err := parseAccount(args[0])
			if err != nil {
				return err
			}
			if err := e.accounts.SetAdmin(cmd.Context(), id, !revoke); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("account %s not found", id)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s admin=%t\n", id, !revoke)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&revoke, "revoke", false, "remove admin rights instead")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		email string
		admin bool
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <account-id>",
		Short: "Mint a development access token signed with SUPABASE_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccount(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Read()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("SUPABASE_JWT_SECRET is not set")
			}
			tok, err := auth.Issue(cfg.JWTSecret, auth.Identity{UserID: id, Email: email, IsAdmin: admin}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "dev@pawhero.local", "email claim")
	cmd.Flags().BoolVar(&admin, "admin", false, "include the admin role")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
