package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	httpadapter "github.com/stepsync/studio_services/internal/studio_service/adapters/http"
	"github.com/stepsync/studio_services/internal/studio_service/app"
	"github.com/stepsync/studio_services/internal/studio_service/domain"
	"github.com/stepsync/studio_services/internal/studio_service/repository"
)

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// withEnv builds the environment, runs fn and tears the environment down.
func withEnv(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, e *env) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := newEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer e.close()
	return fn(e.principalContext(ctx, opts), e)
}

type pricingGetter interface {
	GetPricing(ctx context.Context) (domain.PricingTable, error)
}

func pricingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pricing",
		Short: "Show the active casual rates and concession packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				return runPricing(ctx, cmd.OutOrStdout(), e.payments)
			})
		},
	}
}

func runPricing(ctx context.Context, out io.Writer, svc pricingGetter) error {
	table, err := svc.GetPricing(ctx)
	if err != nil {
		return err
	}
	entries := make([]domain.PricingEntry, 0, len(table))
	for _, entry := range table {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].ID < entries[j].ID
	})
	return writeYAML(out, entries)
}

// ledgerRow is the CLI view of a transaction.
type ledgerRow struct {
	ID            string `yaml:"id"`
	Type          string `yaml:"type"`
	Amount        string `yaml:"amount"`
	PaymentMethod string `yaml:"paymentMethod"`
	Refunded      string `yaml:"refunded,omitempty"`
	TotalRefunded string `yaml:"totalRefunded,omitempty"`
	Parent        string `yaml:"parent,omitempty"`
	CreatedAt     string `yaml:"createdAt"`
}

type ledgerPage struct {
	StudentID    string      `yaml:"studentId"`
	Total        int         `yaml:"total"`
	Transactions []ledgerRow `yaml:"transactions"`
}

type ledgerLister interface {
	ListStudentTransactions(ctx context.Context, studentID string, limit, offset int) ([]*domain.Transaction, int, error)
}

func ledgerCmd(opts *rootOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "ledger [studentID]",
		Short: "List a student's transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				return runLedger(ctx, cmd.OutOrStdout(), e.payments, args[0], limit, offset)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum transactions")
	cmd.Flags().IntVar(&offset, "offset", 0, "Transactions to skip")
	return cmd
}

func runLedger(ctx context.Context, out io.Writer, svc ledgerLister, studentID string, limit, offset int) error {
	txns, total, err := svc.ListStudentTransactions(ctx, studentID, limit, offset)
	if err != nil {
		return err
	}
	page := ledgerPage{StudentID: studentID, Total: total, Transactions: make([]ledgerRow, 0, len(txns))}
	for _, t := range txns {
		row := ledgerRow{
			ID:            t.ID,
			Type:          string(t.Type),
			Amount:        domain.FormatMinorUnits(t.Amount, t.Currency),
			PaymentMethod: t.PaymentMethod,
			CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339),
		}
		if t.Refunded != "" && t.Refunded != domain.RefundStatusNone {
			row.Refunded = string(t.Refunded)
			row.TotalRefunded = domain.FormatMinorUnits(t.TotalRefunded, t.Currency)
		}
		if t.ParentTransactionID != nil {
			row.Parent = *t.ParentTransactionID
		}
		page.Transactions = append(page.Transactions, row)
	}
	return writeYAML(out, page)
}

type refundFlags struct {
	amount        string
	paymentMethod string
	reason        string
	full          bool
}

type refundProcessor interface {
	ProcessRefund(ctx context.Context, req app.RefundRequest) (*app.RefundResponse, error)
}

func refundCmd(opts *rootOptions) *cobra.Command {
	var f refundFlags
	cmd := &cobra.Command{
		Use:   "refund [transactionID]",
		Short: "Refund part or all of a transaction",
		Long: `Refund part or all of a transaction. The amount is in major units (25.50).
Without --amount the whole remaining balance is refunded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				return runRefund(ctx, cmd.OutOrStdout(), e.ledger, e.refunds, args[0], f)
			})
		},
	}
	cmd.Flags().StringVarP(&f.amount, "amount", "a", "", "Amount to refund in major units")
	cmd.Flags().StringVarP(&f.paymentMethod, "payment-method", "m", "", "Payment method of the original transaction (defaults to the recorded one)")
	cmd.Flags().StringVarP(&f.reason, "reason", "r", "", "Reason for the refund")
	cmd.Flags().BoolVar(&f.full, "full", false, "Mark the original transaction fully refunded")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

// runRefund reads the transaction to build the snapshot the refund is checked against.
func runRefund(ctx context.Context, out io.Writer, ledger repository.TransactionRepository, svc refundProcessor, transactionID string, f refundFlags) error {
	original, err := ledger.GetByID(ctx, nil, transactionID)
	if err != nil {
		return fmt.Errorf("loading transaction %s: %w", transactionID, err)
	}

	amount := original.AvailableToRefund()
	if f.amount != "" {
		major, err := decimal.NewFromString(f.amount)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", f.amount, err)
		}
		amount, err = domain.MajorToMinor(major)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", f.amount, err)
		}
	}
	full := f.full || amount == original.AvailableToRefund()
	method := f.paymentMethod
	if method == "" {
		method = original.PaymentMethod
	}

	resp, err := svc.ProcessRefund(ctx, app.RefundRequest{
		TransactionID: original.ID,
		Transaction:   original,
		Amount:        amount,
		PaymentMethod: method,
		Reason:        f.reason,
		IsFullRefund:  full,
	})
	if err != nil {
		return err
	}
	return writeYAML(out, resp)
}

type giftFlags struct {
	packageID string
	quantity  int
	expires   string
	note      string
}

type concessionGifter interface {
	GiftConcession(ctx context.Context, req app.GiftConcessionRequest) (*app.GiftResult, error)
}

func giftCmd(opts *rootOptions) *cobra.Command {
	var f giftFlags
	cmd := &cobra.Command{
		Use:   "gift [studentID]",
		Short: "Gift concession classes to a student",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, e *env) error {
				return runGift(ctx, cmd.OutOrStdout(), e.payments, args[0], f)
			})
		},
	}
	cmd.Flags().StringVarP(&f.packageID, "package", "p", "", "Concession package to gift")
	cmd.Flags().IntVarP(&f.quantity, "quantity", "q", 0, "Number of classes (overrides the package)")
	cmd.Flags().StringVar(&f.expires, "expires", "", "Expiry date, YYYY-MM-DD (overrides the package)")
	cmd.Flags().StringVar(&f.note, "note", "", "Note stored with the gift")
	return cmd
}

func runGift(ctx context.Context, out io.Writer, svc concessionGifter, studentID string, f giftFlags) error {
	req := app.GiftConcessionRequest{StudentID: studentID, PackageID: f.packageID, Quantity: f.quantity, Note: f.note}
	if f.expires != "" {
		exp, err := time.Parse(time.DateOnly, f.expires)
		if err != nil {
			return fmt.Errorf("invalid --expires %q: %w", f.expires, err)
		}
		req.ExpiresAt = &exp
	}
	result, err := svc.GiftConcession(ctx, req)
	if err != nil {
		return err
	}
	return writeYAML(out, result)
}

func tokenCmd(opts *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for the acting principal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			email := opts.as
			if email == "" {
				email = cfg.AdminEmail
			}
			if email == "" {
				return fmt.Errorf("no principal: pass --as or set ADMIN_EMAIL")
			}
			token, err := httpadapter.NewAccessToken([]byte(cfg.JWTSecret), email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
