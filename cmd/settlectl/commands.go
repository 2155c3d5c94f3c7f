package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alipayeth/backend/internal/app"
	"github.com/alipayeth/backend/internal/auth"
	"github.com/alipayeth/backend/internal/config"
	"github.com/alipayeth/backend/internal/db"
	"github.com/alipayeth/backend/internal/ledger"
	"github.com/alipayeth/backend/internal/money"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// withApp wires every service for one command and tears it down after.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, app.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel), app.Options{})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema and job queue migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			pool, err := db.Connect(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(cmd.Context(), pool, app.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one reconciliation pass over pending gateway intents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sum, err := a.Poller.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d deferred=%d verified=%d pending=%d failed=%d expired=%d noop=%d errors=%d\n",
					sum.Scanned, sum.Deferred, sum.Verified, sum.Pending, sum.Failed, sum.Expired, sum.NoOp, sum.Errors)
				return nil
			})
		},
	}
}

func approveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <intent-id>",
		Short: "Approve a manual transfer after checking the receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid intent id: %w", err)
			}
			reviewer, _ := cmd.Flags().GetString("reviewer")
			rawAmount, _ := cmd.Flags().GetString("amount")
			amount, err := money.ParseMajor(rawAmount)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				outcome, err := a.ReviewService.Approve(ctx, id, reviewer, amount)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id, outcome)
				return nil
			})
		},
	}
	cmd.Flags().String("reviewer", "", "Reviewer id recorded on the intent")
	cmd.Flags().String("amount", "", "Amount seen on the receipt, in ETB (e.g. 150.00)")
	_ = cmd.MarkFlagRequired("reviewer")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func rejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <intent-id>",
		Short: "Reject a manual transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid intent id: %w", err)
			}
			reviewer, _ := cmd.Flags().GetString("reviewer")
			reason, _ := cmd.Flags().GetString("reason")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				outcome, err := a.ReviewService.Reject(ctx, id, reviewer, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id, outcome)
				return nil
			})
		},
	}
	cmd.Flags().String("reviewer", "", "Reviewer id recorded on the intent")
	cmd.Flags().String("reason", "", "Reason shown to the user")
	_ = cmd.MarkFlagRequired("reviewer")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <reference>",
		Short: "Show a payment intent by its gateway reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := a.Intents.GetByReference(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(p)
				}
				conv := a.Config.Converter()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Reference:  %s\n", p.ExternalReference)
				fmt.Fprintf(out, "Intent:     %s (%s/%s)\n", p.ID, p.Kind, p.Method)
				fmt.Fprintf(out, "User:       %d\n", p.SubjectID)
				fmt.Fprintf(out, "Amount:     %s\n", conv.Display(p.AmountMinor))
				fmt.Fprintf(out, "Status:     %s\n", p.Status)
				fmt.Fprintf(out, "Attempts:   %d (consecutive failures %d)\n", p.AttemptCount, p.FailureCount)
				fmt.Fprintf(out, "Expires:    %s\n", p.ExpiresAt.Format(time.RFC3339))
				if p.NeedsReview {
					fmt.Fprintf(out, "Review:     needed (%s)\n", p.FailureReason)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "List a user's intents and settlements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				conv := a.Config.Converter()
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				defer tw.Flush()

				acc, err := a.Ledger.GetAccount(ctx, userID)
				switch {
				case errors.Is(err, ledger.ErrAccountNotFound):
					fmt.Fprintf(tw, "No ledger account for %d\n", userID)
				case err != nil:
					return err
				default:
					fmt.Fprintf(tw, "Balance:\t%s\n", conv.Display(acc.BalanceMinor))
					if acc.SubscriptionExpiry != nil {
						fmt.Fprintf(tw, "Subscription until:\t%s\n", acc.SubscriptionExpiry.Format(time.RFC3339))
					}
					code, err := a.Referrals.CodeFor(ctx, userID)
					if err != nil {
						return err
					}
					if code != "" {
						fmt.Fprintf(tw, "Referred by:\t%s\n", code)
					}
				}

				list, err := a.Intents.ListBySubject(ctx, userID, limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "\nREFERENCE\tKIND\tMETHOD\tAMOUNT\tSTATUS\tCREATED")
				for _, p := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ExternalReference, p.Kind, p.Method,
						money.FormatMajor(p.AmountMinor), p.Status, p.CreatedAt.Format(time.RFC3339))
				}

				recs, err := a.Ledger.ListSettlements(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "\nSETTLED\tSOURCE\tAPPLIED\tFEE\tBALANCE")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.SettledAt.Format(time.RFC3339), r.Source,
						money.FormatMajor(r.AppliedAmountMinor), money.FormatMajor(r.FeeMinor), money.FormatMajor(r.ResultingBalanceMinor))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "Maximum intents to list")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a reviewer password from stdin and print its bcrypt hash for admin.reviewers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("empty password")
	}
	return pw, nil
}
